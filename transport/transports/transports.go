// Package transports registers every built-in notification feed with the
// default transport registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/indexflow/transport/aws"
	_ "github.com/drblury/indexflow/transport/channel"
	_ "github.com/drblury/indexflow/transport/http"
	_ "github.com/drblury/indexflow/transport/kafka"
	_ "github.com/drblury/indexflow/transport/nats"
	_ "github.com/drblury/indexflow/transport/postgres"
	_ "github.com/drblury/indexflow/transport/rabbitmq"
)
