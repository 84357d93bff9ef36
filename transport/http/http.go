// Package http provides a webhook notification feed: stream sources POST
// notifications to <server address>/<topic>.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/indexflow/transport"
)

const TransportName = "http"

var ErrNoServerAddress = errors.New("http: server address is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the webhook subscriber and a publisher posting to
// HTTPPublisherURL. The publisher URL may be empty when this process only
// consumes.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		return transport.Transport{}, ErrNoServerAddress
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	base := cfg.GetHTTPPublisherURL()
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &serverSubscriber{Subscriber: sub, logger: logger},
	}, nil
}

type serverStarter interface {
	StartHTTPServer() error
}

// serverSubscriber starts the webhook server after the first route has been
// mounted by Subscribe.
type serverSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *serverSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		starter, ok := s.Subscriber.(serverStarter)
		if !ok {
			return
		}
		go func() {
			if err := starter.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("webhook server stopped", err, watermill.LogFields{"topic": topic})
			}
		}()
	})
	return ch, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
