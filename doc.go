// Package indexflow indexes ledger streams into PostgreSQL. A notification
// feed (Kafka, RabbitMQ, AWS SNS/SQS, NATS, HTTP, PostgreSQL LISTEN/NOTIFY or
// Go channels) announces changed streams; the service loads each stream,
// runs it through the validate, add_metadata, update and post_process hooks
// contributed by plugins, and upserts the result into a table provisioned
// on demand from the stream's model.
//
// Service reads the transport and database settings from Config and the
// plugin bindings from a Snapshot. The only collaborator it cannot build on
// its own is the ledger Source; embedders pass theirs in
// ServiceDependencies, the bundled binary uses an in-memory source seeded
// from a fixtures file.
//
// # Plugins
//
// Plugins are bound per (slot, context). The built-in plugins evaluate
// expr-lang expressions: expr-filter votes on validate, expr-compute adds
// metadata, expr-transform rewrites content and ticker re-emits streams on
// an interval. Custom plugins register a Factory with a PluginRegistry.
//
// # Query surface
//
// Every slot exposes read-only SQL, paged table reads and a GraphQL schema
// generated from the provisioned tables over the HTTP API.
package indexflow
