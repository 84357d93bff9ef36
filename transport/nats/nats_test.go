package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/indexflow/transport"
	"github.com/drblury/indexflow/transport/transporttest"
)

func stubFactories(t *testing.T, pubErr, subErr error) (*transporttest.Publisher, *nats.PublisherConfig, *nats.SubscriberConfig) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	pub := &transporttest.Publisher{}
	var gotPub nats.PublisherConfig
	var gotSub nats.SubscriberConfig
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		gotPub = cfg
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		gotSub = cfg
		if subErr != nil {
			return nil, subErr
		}
		return &transporttest.Subscriber{}, nil
	}
	return pub, &gotPub, &gotSub
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	assert.True(t, reg.GetCapabilities(TransportName).MayDropNotifications())
	assert.False(t, reg.GetCapabilities(JetStreamTransportName).MayDropNotifications())
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestBuild_Core(t *testing.T) {
	_, gotPub, gotSub := stubFactories(t, nil, nil)

	tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)

	assert.Equal(t, "nats://localhost:4222", gotPub.URL)
	assert.True(t, gotPub.JetStream.Disabled)
	assert.True(t, gotSub.JetStream.Disabled)
	assert.Equal(t, QueueGroup, gotSub.QueueGroupPrefix)
	assert.Len(t, gotSub.NatsOptions, len(ConnectOptions()))
}

func TestBuild_JetStream(t *testing.T) {
	_, _, gotSub := stubFactories(t, nil, nil)

	_, err := BuildJetStream(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.False(t, gotSub.JetStream.Disabled)
	assert.True(t, gotSub.JetStream.AutoProvision)
	assert.Equal(t, QueueGroup, gotSub.JetStream.DurablePrefix)
}

func TestBuild_Errors(t *testing.T) {
	t.Run("missing url", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrNoURL)
	})

	t.Run("publisher", func(t *testing.T) {
		stubFactories(t, errors.New("publisher error"), nil)
		_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://x"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		pub, _, _ := stubFactories(t, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://x"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
