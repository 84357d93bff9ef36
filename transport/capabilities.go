package transport

// Capabilities describes the delivery guarantees of a notification feed.
type Capabilities struct {
	Name string

	// Durable feeds keep notifications published while no indexer is
	// subscribed. Non-durable feeds lose them.
	Durable bool

	// SupportsOrdering means notifications of one partition arrive in
	// publish order.
	SupportsOrdering bool

	SupportsTracing      bool
	SupportsAck          bool
	SupportsNack         bool
	SupportsPartitioning bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// MayDropNotifications reports whether stream updates published while the
// indexer is down are lost and need a generate pass or a reindex.
func (c Capabilities) MayDropNotifications() bool {
	return !c.Durable
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		Durable:              true,
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	// PostgresCapabilities covers LISTEN/NOTIFY: payloads are capped at 8000
	// bytes and nothing is queued for a disconnected listener.
	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   7999,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
