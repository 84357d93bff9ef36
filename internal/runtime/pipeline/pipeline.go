// Package pipeline turns stream notifications into persisted rows. Each
// notification walks a fixed sequence of states and ends in done, rejected
// or failed; the subscription loop acknowledges every message regardless.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/notify"
	"github.com/drblury/indexflow/internal/runtime/schema"
	"github.com/drblury/indexflow/internal/runtime/stream"
)

const tracerName = "github.com/drblury/indexflow/pipeline"

// Persister stores a finished record.
type Persister interface {
	Upsert(ctx context.Context, modelID string, record map[string]any, pluginsData map[string]any) error
}

// Resolver returns the persister of a tenant slot.
type Resolver func(slot string) (Persister, error)

// Options tune a Pipeline. Zero values fall back to the config defaults.
type Options struct {
	LoadTimeout  time.Duration
	ContextField string
	Metrics      *Metrics
	Stats        *Stats
}

// Pipeline runs the hook stages for one notification at a time. It is safe
// for concurrent use.
type Pipeline struct {
	source     stream.Source
	dispatcher *hooks.Dispatcher
	resolve    Resolver
	logger     logging.ServiceLogger
	metrics    *Metrics
	stats      *Stats
	tracer     trace.Tracer

	loadTimeout  time.Duration
	contextField string
}

func New(source stream.Source, dispatcher *hooks.Dispatcher, resolve Resolver, logger logging.ServiceLogger, opts Options) (*Pipeline, error) {
	if source == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if dispatcher == nil || resolve == nil {
		return nil, fmt.Errorf("pipeline requires a dispatcher and a resolver")
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = config.DefaultLoadTimeout
	}
	if opts.ContextField == "" {
		opts.ContextField = config.DefaultContextField
	}
	if opts.Stats == nil {
		opts.Stats = NewStats()
	}
	return &Pipeline{
		source:       source,
		dispatcher:   dispatcher,
		resolve:      resolve,
		logger:       logger.With(logging.LogFields{"component": "pipeline"}),
		metrics:      opts.Metrics,
		stats:        opts.Stats,
		tracer:       otel.Tracer(tracerName),
		loadTimeout:  opts.LoadTimeout,
		contextField: opts.ContextField,
	}, nil
}

// Stats returns the in-process counters.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Process drives n through the state machine.
func (p *Pipeline) Process(ctx context.Context, n notify.Notification) Outcome {
	started := time.Now()
	slot := n.Slot
	if slot == "" {
		slot = config.DefaultSlot
	}
	out := Outcome{State: StateReceived, StreamID: n.StreamID, ModelID: n.ModelID, Slot: slot}

	ctx, span := p.tracer.Start(ctx, "indexflow.process", trace.WithAttributes(
		attribute.String("stream.id", n.StreamID),
		attribute.String("slot", slot),
	))
	p.stats.begin()
	defer func() {
		out.Duration = time.Since(started)
		span.SetAttributes(attribute.String("pipeline.state", string(out.State)))
		if out.Err != nil && out.State == StateFailed {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
		p.metrics.record(out)
		p.stats.finish(out)
		p.log(out)
	}()

	p.run(ctx, n, &out)
	return out
}

func (p *Pipeline) run(ctx context.Context, n notify.Notification, out *Outcome) {
	fail := func(err error) {
		out.State = StateFailed
		out.Err = err
	}

	if n.StreamID == "" {
		fail(errspkg.ErrStreamIDRequired)
		return
	}
	store, err := p.resolve(out.Slot)
	if err != nil {
		fail(err)
		return
	}

	s, err := p.load(ctx, n.StreamID)
	if err != nil {
		fail(fmt.Errorf("load stream %s: %w", n.StreamID, err))
		return
	}
	advance(ctx, out, StateLoaded)

	modelID := s.Metadata.Model
	if modelID == "" {
		modelID = n.ModelID
	}
	out.ModelID = modelID
	if modelID == "" {
		fail(errspkg.ErrModelIDRequired)
		return
	}

	contextID, _ := s.Content[p.contextField].(string)
	out.Context = contextID
	scope := hooks.Scope{Slot: out.Slot, Context: contextID}
	ev := hooks.Event{
		StreamID:   s.ID,
		ModelID:    modelID,
		Controller: s.Controller(),
		Slot:       out.Slot,
		Context:    scopeContext(contextID),
		Content:    s.Content,
	}
	if ev.StreamID == "" {
		ev.StreamID = n.StreamID
	}

	accepted := p.stage(ctx, hooks.Validate, func(ctx context.Context) bool {
		return p.dispatcher.RunValidate(ctx, scope, ev)
	})
	if !accepted {
		out.State = StateRejected
		out.Err = errspkg.ErrRejected
		return
	}
	advance(ctx, out, StateValidated)

	p.stage(ctx, hooks.AddMetadata, func(ctx context.Context) bool {
		ev.PluginsData = p.dispatcher.RunAddMetadata(ctx, scope, ev)
		return true
	})
	advance(ctx, out, StateMetadataCollected)

	p.stage(ctx, hooks.Update, func(ctx context.Context) bool {
		if content, ok := p.dispatcher.RunUpdate(ctx, scope, ev); ok {
			ev.Content = content
		}
		return true
	})

	record := BuildRecord(ev, contextID)
	persistCtx, span := p.tracer.Start(ctx, "indexflow.persist")
	err = store.Upsert(persistCtx, modelID, record, ev.PluginsData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err != nil {
		fail(err)
		return
	}
	advance(ctx, out, StatePersisted)

	ev.Content = record
	p.dispatcher.RunPostProcess(ctx, scope, ev)
	advance(ctx, out, StatePostProcessed)
	advance(ctx, out, StateDone)
}

// advance moves out to state and marks the transition on the active span.
func advance(ctx context.Context, out *Outcome, state State) {
	out.State = state
	trace.SpanFromContext(ctx).AddEvent(string(state))
}

func (p *Pipeline) load(ctx context.Context, streamID string) (stream.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, p.loadTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "indexflow.load")
	defer span.End()

	s, err := p.source.LoadStream(ctx, streamID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return s, err
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) bool) bool {
	ctx, span := p.tracer.Start(ctx, "indexflow."+name)
	defer span.End()
	ok := fn(ctx)
	span.SetAttributes(attribute.Bool("stage.ok", ok))
	return ok
}

func (p *Pipeline) log(o Outcome) {
	fields := logging.LogFields{
		"stream_id":   o.StreamID,
		"model_id":    o.ModelID,
		"slot":        o.Slot,
		"state":       string(o.State),
		"duration_ms": o.Duration.Milliseconds(),
	}
	switch o.State {
	case StateFailed:
		p.logger.Error("Stream indexing failed", o.Err, fields)
	case StateRejected:
		p.logger.Debug("Stream rejected by validation", fields)
	default:
		p.logger.Debug("Stream indexed", fields)
	}
}

// BuildRecord overlays the system columns on the event content. An empty
// context leaves the context column unset.
func BuildRecord(ev hooks.Event, contextID string) map[string]any {
	record := make(map[string]any, len(ev.Content)+4)
	for k, v := range ev.Content {
		record[k] = v
	}
	record[schema.ColumnStreamID] = ev.StreamID
	record[schema.ColumnModel] = ev.ModelID
	record[schema.ColumnController] = ev.Controller
	if contextID != "" {
		record[schema.ColumnContext] = contextID
	} else {
		delete(record, schema.ColumnContext)
	}
	return record
}

func scopeContext(contextID string) string {
	if contextID == "" {
		return hooks.GlobalContext
	}
	return contextID
}
