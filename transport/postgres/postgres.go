// Package postgres provides a LISTEN/NOTIFY notification feed. Stream
// sources (or database triggers) call pg_notify on the topic channel; the
// indexer listens with a reconnecting lib/pq listener.
//
// NOTIFY is not queued for disconnected listeners and payloads are capped at
// 8000 bytes. Deployments that cannot lose notifications should pick a
// durable feed or run a generate pass after restarts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lib/pq"

	"github.com/drblury/indexflow/internal/runtime/jsoncodec"
	"github.com/drblury/indexflow/transport"
)

const TransportName = "postgres"

const (
	// MaxPayloadSize is the NOTIFY payload limit minus the terminator.
	MaxPayloadSize = 7999

	DefaultMinReconnect = 100 * time.Millisecond
	DefaultMaxReconnect = 30 * time.Second
	DefaultAckTimeout   = 30 * time.Second
)

var (
	ErrNoURL           = errors.New("postgres: connection URL is required")
	ErrClosed          = errors.New("postgres: transport is closed")
	ErrPayloadTooLarge = errors.New("postgres: notification payload exceeds 7999 bytes")
)

func init() {
	Register(transport.DefaultRegistry)
}

func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	reg.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Build opens the notifier pool and the listener connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

type Config struct {
	ConnectionString string
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
	// AckTimeout bounds how long one notification may stay unacknowledged
	// before the next one is delivered.
	AckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinReconnect <= 0 {
		c.MinReconnect = DefaultMinReconnect
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = DefaultMaxReconnect
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	return c
}

// Notifier issues NOTIFY statements.
type Notifier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// Listener is the subset of *pq.Listener used by the transport.
type Listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// NotifierFactory allows overriding the notifier creation for testing.
var NotifierFactory = func(ctx context.Context, cfg Config) (Notifier, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ListenerFactory allows overriding the listener creation for testing.
var ListenerFactory = func(cfg Config, callback pq.EventCallbackType) Listener {
	return pq.NewListener(cfg.ConnectionString, cfg.MinReconnect, cfg.MaxReconnect, callback)
}

// envelope is the NOTIFY payload written by Publish. Payloads that do not
// decode as an envelope are delivered verbatim.
type envelope struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Transport publishes with pg_notify and subscribes with LISTEN.
type Transport struct {
	config   Config
	logger   watermill.LoggerAdapter
	notifier Notifier
	listener Listener

	mu     sync.Mutex
	subs   map[string][]*subscription
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	// deliverMu is held while a notification is handed to subscribers so
	// that unsubscribe never closes a channel mid-send.
	deliverMu sync.Mutex
}

type subscription struct {
	ctx context.Context
	out chan *message.Message
}

func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrNoURL
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()

	notifier, err := NotifierFactory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	t := &Transport{
		config:   cfg,
		logger:   logger.With(watermill.LogFields{"transport": TransportName}),
		notifier: notifier,
		subs:     make(map[string][]*subscription),
		done:     make(chan struct{}),
	}
	t.listener = ListenerFactory(cfg, t.onListenerEvent)

	t.wg.Add(1)
	go t.dispatch()
	return t, nil
}

func (t *Transport) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		t.logger.Debug("listener connected", nil)
	case pq.ListenerEventDisconnected:
		t.logger.Error("listener disconnected", err, nil)
	case pq.ListenerEventReconnected:
		t.logger.Info("listener reconnected; notifications sent while disconnected were lost", nil)
	case pq.ListenerEventConnectionAttemptFailed:
		t.logger.Error("listener connection attempt failed", err, nil)
	}
}

// Publish sends each message as one NOTIFY on the topic channel.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	for _, msg := range messages {
		payload, err := encode(msg)
		if err != nil {
			return err
		}
		if _, err := t.notifier.ExecContext(msg.Context(), "SELECT pg_notify($1, $2)", topic, payload); err != nil {
			return fmt.Errorf("postgres: notify %s: %w", topic, err)
		}
	}
	return nil
}

func encode(msg *message.Message) (string, error) {
	env := envelope{UUID: msg.UUID, Payload: msg.Payload}
	if len(msg.Metadata) > 0 {
		env.Metadata = msg.Metadata
	}
	payload, err := jsoncodec.MarshalString(env)
	if err != nil {
		return "", fmt.Errorf("postgres: encode notification: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return payload, nil
}

func decode(extra string) *message.Message {
	var env envelope
	if err := jsoncodec.UnmarshalString(extra, &env); err == nil && env.UUID != "" && env.Payload != nil {
		msg := message.NewMessage(env.UUID, env.Payload)
		for k, v := range env.Metadata {
			msg.Metadata.Set(k, v)
		}
		return msg
	}
	return message.NewMessage(watermill.NewULID(), []byte(extra))
}

// Subscribe starts listening on the topic channel. The returned channel is
// closed when ctx ends or the transport closes.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if len(t.subs[topic]) == 0 {
		if err := t.listener.Listen(topic); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, fmt.Errorf("postgres: listen %s: %w", topic, err)
		}
	}
	sub := &subscription{ctx: ctx, out: make(chan *message.Message)}
	t.subs[topic] = append(t.subs[topic], sub)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-ctx.Done():
			t.unsubscribe(topic, sub)
		case <-t.done:
		}
	}()
	return sub.out, nil
}

func (t *Transport) unsubscribe(topic string, sub *subscription) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[topic]
	for i, s := range subs {
		if s == sub {
			t.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(sub.out)
			break
		}
	}
	if len(t.subs[topic]) == 0 {
		delete(t.subs, topic)
		if err := t.listener.Unlisten(topic); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
			t.logger.Error("unlisten failed", err, watermill.LogFields{"topic": topic})
		}
	}
}

// dispatch fans notifications out to the subscribers of their channel, one
// at a time and waiting for the ack.
func (t *Transport) dispatch() {
	defer t.wg.Done()
	notifications := t.listener.NotificationChannel()
	for {
		select {
		case <-t.done:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n == nil {
				// Connection re-established.
				continue
			}
			t.deliver(n)
		}
	}
}

func (t *Transport) deliver(n *pq.Notification) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	subs := append([]*subscription(nil), t.subs[n.Channel]...)
	t.mu.Unlock()

	for _, sub := range subs {
		msg := decode(n.Extra)
		ctx, cancel := context.WithCancel(sub.ctx)
		msg.SetContext(ctx)
		select {
		case sub.out <- msg:
			t.awaitAck(sub, n.Channel, msg)
		case <-sub.ctx.Done():
		case <-t.done:
		}
		cancel()
	}
}

func (t *Transport) awaitAck(sub *subscription, topic string, msg *message.Message) {
	timer := time.NewTimer(t.config.AckTimeout)
	defer timer.Stop()
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		t.logger.Info("notification nacked and dropped", watermill.LogFields{"topic": topic, "uuid": msg.UUID})
	case <-timer.C:
		t.logger.Error("notification not acked in time", nil, watermill.LogFields{"topic": topic, "uuid": msg.UUID})
	case <-sub.ctx.Done():
	case <-t.done:
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops dispatching, closes subscriber channels and both connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	for topic, subs := range t.subs {
		for _, sub := range subs {
			close(sub.out)
		}
		delete(t.subs, topic)
	}
	t.mu.Unlock()

	return errors.Join(t.listener.Close(), t.notifier.Close())
}
