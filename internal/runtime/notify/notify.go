// Package notify encodes and decodes the stream notifications carried on the
// feed, and publishes new ones.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	idspkg "github.com/drblury/indexflow/internal/runtime/ids"
	"github.com/drblury/indexflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/indexflow/internal/runtime/metadata"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Notification announces that a stream changed.
type Notification struct {
	StreamID string `json:"streamId"`
	ModelID  string `json:"modelId,omitempty"`
	Slot     string `json:"-"`
}

// NewMessage wraps n in a JSON Watermill message with the standard metadata.
func NewMessage(n Notification, md metadatapkg.Metadata) (*message.Message, error) {
	if n.StreamID == "" {
		return nil, errspkg.ErrStreamIDRequired
	}
	payload, err := jsoncodec.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return newMessage(n, payload, ContentTypeJSON, md), nil
}

// NewProtoMessage wraps n in a binary google.protobuf.Struct message.
func NewProtoMessage(n Notification, md metadatapkg.Metadata) (*message.Message, error) {
	if n.StreamID == "" {
		return nil, errspkg.ErrStreamIDRequired
	}
	body, err := structpb.NewStruct(map[string]any{"streamId": n.StreamID, "modelId": n.ModelID})
	if err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return newMessage(n, payload, ContentTypeProtobuf, md), nil
}

func newMessage(n Notification, payload []byte, contentType string, md metadatapkg.Metadata) *message.Message {
	id := idspkg.CreateULID()
	msg := message.NewMessage(id, payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.Metadata.Set(metadatapkg.KeyStreamID, n.StreamID)
	msg.Metadata.Set(metadatapkg.KeyContentType, contentType)
	if n.ModelID != "" {
		msg.Metadata.Set(metadatapkg.KeyModelID, n.ModelID)
	}
	if n.Slot != "" {
		msg.Metadata.Set(metadatapkg.KeySlot, n.Slot)
	}
	if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, id)
	}
	return msg
}

// Decode reads a notification from msg. The body wins over metadata; an
// empty body is allowed when the metadata names the stream.
func Decode(msg *message.Message) (Notification, error) {
	var n Notification
	if len(msg.Payload) > 0 {
		var err error
		if strings.EqualFold(msg.Metadata.Get(metadatapkg.KeyContentType), ContentTypeProtobuf) {
			n, err = decodeProto(msg.Payload)
		} else {
			err = jsoncodec.Unmarshal(msg.Payload, &n)
		}
		if err != nil {
			return Notification{}, fmt.Errorf("decode notification %s: %w", msg.UUID, err)
		}
	}
	if n.StreamID == "" {
		n.StreamID = msg.Metadata.Get(metadatapkg.KeyStreamID)
	}
	if n.ModelID == "" {
		n.ModelID = msg.Metadata.Get(metadatapkg.KeyModelID)
	}
	n.Slot = msg.Metadata.Get(metadatapkg.KeySlot)
	if n.StreamID == "" {
		return Notification{}, errspkg.ErrStreamIDRequired
	}
	return n, nil
}

func decodeProto(payload []byte) (Notification, error) {
	var body structpb.Struct
	if err := proto.Unmarshal(payload, &body); err != nil {
		return Notification{}, err
	}
	fields := body.AsMap()
	n := Notification{}
	n.StreamID, _ = fields["streamId"].(string)
	n.ModelID, _ = fields["modelId"].(string)
	return n, nil
}

// Publisher emits notifications onto a topic of the configured transport.
type Publisher struct {
	publisher message.Publisher
	topic     string
}

func NewPublisher(publisher message.Publisher, topic string) (*Publisher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &Publisher{publisher: publisher, topic: topic}, nil
}

// Emit publishes n as a JSON notification.
func (p *Publisher) Emit(ctx context.Context, n Notification) error {
	msg, err := NewMessage(n, nil)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return p.publisher.Publish(p.topic, msg)
}
