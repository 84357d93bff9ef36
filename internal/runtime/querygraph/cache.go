package querygraph

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/logging"
)

// Cache holds the current schema of a slot. Readers always see a complete
// schema; rebuilds replace it in one store.
type Cache struct {
	slot    string
	builder *Builder
	logger  logging.ServiceLogger

	rebuildMu sync.Mutex
	current   atomic.Pointer[graphql.Schema]
	builds    atomic.Uint64
}

func NewCache(slot string, builder *Builder, logger logging.ServiceLogger) *Cache {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Cache{
		slot:    slot,
		builder: builder,
		logger:  logger.With(logging.LogFields{"component": "querygraph", "slot": slot}),
	}
}

// Rebuild generates a new schema and swaps it in. On failure the previous
// schema stays current.
func (c *Cache) Rebuild(ctx context.Context) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	s, err := c.builder.Build(ctx)
	if err != nil {
		genErr := &errspkg.SchemaGenerationError{Slot: c.slot, Err: err}
		c.logger.Error("Query schema generation failed", genErr, nil)
		return genErr
	}
	c.current.Store(s)
	c.builds.Add(1)
	c.logger.Debug("Query schema rebuilt", logging.LogFields{"generation": c.builds.Load()})
	return nil
}

// Current returns the active schema or nil before the first build.
func (c *Cache) Current() *graphql.Schema {
	return c.current.Load()
}

// Generation counts successful rebuilds.
func (c *Cache) Generation() uint64 {
	return c.builds.Load()
}

// Execute runs a GraphQL request against the current schema, building one
// first when none exists.
func (c *Cache) Execute(ctx context.Context, query string, variables map[string]any) *graphql.Result {
	s := c.Current()
	if s == nil {
		if err := c.Rebuild(ctx); err != nil {
			return &graphql.Result{Errors: []gqlerrors.FormattedError{gqlerrors.FormatError(err)}}
		}
		s = c.Current()
	}
	return graphql.Do(graphql.Params{
		Schema:         *s,
		RequestString:  query,
		VariableValues: variables,
		Context:        ctx,
	})
}
