package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/indexflow/transport"
	"github.com/drblury/indexflow/transport/transporttest"
)

type startingSubscriber struct {
	transporttest.Subscriber
	started atomic.Int32
}

func (s *startingSubscriber) StartHTTPServer() error {
	s.started.Add(1)
	return nil
}

func stubFactories(t *testing.T, sub message.Subscriber, pubErr, subErr error) (*transporttest.Publisher, *watermillhttp.PublisherConfig) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	pub := &transporttest.Publisher{}
	var gotPub watermillhttp.PublisherConfig
	PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		gotPub = config
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		if subErr != nil {
			return nil, subErr
		}
		return sub, nil
	}
	return pub, &gotPub
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	caps := reg.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	assert.True(t, caps.MayDropNotifications())
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestBuild_PublisherURL(t *testing.T) {
	_, gotPub := stubFactories(t, &transporttest.Subscriber{}, nil, nil)

	_, err := Build(context.Background(), &transporttest.Config{
		HTTPServerAddress: ":0",
		HTTPPublisherURL:  "http://indexer:8080",
	}, watermill.NopLogger{})
	require.NoError(t, err)

	req, err := gotPub.MarshalMessageFunc("indexflow.streams", message.NewMessage("1", []byte(`{"streamId":"s1"}`)))
	require.NoError(t, err)
	assert.Equal(t, "http://indexer:8080/indexflow.streams", req.URL.String())
	assert.Equal(t, nethttp.MethodPost, req.Method)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"streamId":"s1"}`, string(body))
}

func TestBuild_StartsServerOnceAfterSubscribe(t *testing.T) {
	sub := &startingSubscriber{}
	stubFactories(t, sub, nil, nil)

	tr, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), sub.started.Load())

	_, err = tr.Subscriber.Subscribe(context.Background(), "a")
	require.NoError(t, err)
	_, err = tr.Subscriber.Subscribe(context.Background(), "b")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return sub.started.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, sub.Topics)
}

func TestBuild_Errors(t *testing.T) {
	t.Run("missing server address", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrNoServerAddress)
	})

	t.Run("publisher", func(t *testing.T) {
		stubFactories(t, nil, errors.New("publisher error"), nil)
		_, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":0"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		pub, _ := stubFactories(t, nil, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":0"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
