/*
Package runtime wires the indexing service together.

# Architecture Overview

A notification feed (any registered transport) delivers stream
notifications. The pipeline loads each stream from the ledger source and
drives it through the hook stages registered by plugins before the schema
adapter of the target slot persists the record.

	feed -> pipeline.Runner -> pipeline.Pipeline
	         validate -> add_metadata -> update -> Upsert -> post_process

# Core Service (service.go)

Service owns, in construction order:
  - the transport built from Config.PubSubSystem and its capabilities
  - the notification emitter handed to plugins
  - the tenant manager with one schema adapter and query schema per slot
  - the hook dispatcher with Prometheus metrics
  - the plugin runtime loaded from the snapshot
  - the pipeline and its Watermill runner
  - the HTTP API when enabled

Close tears them down in reverse and is safe to call more than once.
Reload swaps the plugin snapshot without restarting the feed.

# Sub-packages

  - api/: HTTP query surface (gorilla/mux)
  - config/: service configuration and plugin snapshot (YAML)
  - errors/: sentinel errors and error types
  - hooks/: hook registration and dispatch
  - ids/: ULID and UUID helpers
  - jsoncodec/: JSON marshaling utilities (sonic)
  - logging/: logger interface and adapters
  - metadata/: notification metadata keys
  - notify/: notification wire format and emitter
  - pipeline/: per-event state machine, stats and the feed runner
  - plugins/: plugin contract and runtime, plus built-in expression plugins
  - querygraph/: GraphQL schema generated from the provisioned tables
  - schema/: Postgres schema adapter (pgx)
  - stream/: ledger source contract and in-memory source
  - tenant/: slot resolution

# Usage Example

	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{
		Source: source,
	})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
