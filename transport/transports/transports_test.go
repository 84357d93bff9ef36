package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/indexflow/transport"
)

func TestBuiltinsRegistered(t *testing.T) {
	for _, name := range []string{"aws", "channel", "http", "kafka", "nats", "nats-jetstream", "postgres", "rabbitmq"} {
		assert.True(t, transport.DefaultRegistry.Has(name), name)
	}
}
