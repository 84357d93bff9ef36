// Package nats provides NATS notification feeds: core NATS under "nats" and
// a durable JetStream variant under "nats-jetstream".
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/indexflow/transport"
)

const (
	TransportName          = "nats"
	JetStreamTransportName = "nats-jetstream"

	// QueueGroup load-balances notifications across indexer replicas.
	QueueGroup = "indexflow"
)

var ErrNoURL = errors.New("nats: URL is required")

// JetStreamCapabilities describes the durable variant.
var JetStreamCapabilities = transport.Capabilities{
	Name:             JetStreamTransportName,
	Durable:          true,
	SupportsOrdering: true,
	SupportsTracing:  true,
	SupportsAck:      true,
	SupportsNack:     true,
	MaxMessageSize:   1048576,
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
	reg.RegisterWithCapabilities(JetStreamTransportName, BuildJetStream, JetStreamCapabilities)
}

// Build creates a core NATS transport. Notifications published while no
// indexer is connected are lost.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, logger, nats.JetStreamConfig{Disabled: true})
}

// BuildJetStream creates a JetStream-backed transport with a durable consumer
// so notifications survive indexer restarts.
func BuildJetStream(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, logger, nats.JetStreamConfig{
		AutoProvision: true,
		DurablePrefix: QueueGroup,
	})
}

func build(cfg transport.Config, logger watermill.LoggerAdapter, js nats.JetStreamConfig) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, ErrNoURL
	}
	marshaler := &nats.NATSMarshaler{}
	options := ConnectOptions()

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			Marshaler:   marshaler,
			NatsOptions: options,
			JetStream:   js,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: QueueGroup,
			Unmarshaler:      marshaler,
			NatsOptions:      options,
			JetStream:        js,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConnectOptions names the connection and retries forever on disconnect.
func ConnectOptions() []nc.Option {
	return []nc.Option{
		nc.Name("indexflow"),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
	}
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
