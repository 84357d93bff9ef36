package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/notify"
)

// HandlerName names the subscription handler on the router.
const HandlerName = "indexflow_pipeline"

// RunnerOptions configure the subscription loop.
type RunnerOptions struct {
	Topic        string
	DrainTimeout time.Duration
	// MetricsSubsystem labels the Watermill router metrics, usually the
	// pub/sub system name.
	MetricsSubsystem string
	Registerer       prometheus.Registerer
	Hooks            JobHooks
	// Slots lists the tenants whose generate handlers run at start.
	Slots func() []string
}

// Runner consumes the notification topic and feeds the pipeline.
type Runner struct {
	pipeline   *Pipeline
	dispatcher *hooks.Dispatcher
	router     *message.Router
	logger     logging.ServiceLogger
	slots      func() []string

	runMu  sync.Mutex
	runCtx context.Context
}

func NewRunner(p *Pipeline, dispatcher *hooks.Dispatcher, subscriber message.Subscriber, wmLogger watermill.LoggerAdapter, opts RunnerOptions) (*Runner, error) {
	if p == nil {
		return nil, fmt.Errorf("runner requires a pipeline")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("runner requires a subscriber")
	}
	if opts.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = config.DefaultDrainTimeout
	}
	if opts.Slots == nil {
		opts.Slots = func() []string { return []string{config.DefaultSlot} }
	}
	if wmLogger == nil {
		wmLogger = watermill.NopLogger{}
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: opts.DrainTimeout}, wmLogger)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		pipeline:   p,
		dispatcher: dispatcher,
		router:     router,
		logger:     p.logger,
		slots:      opts.Slots,
	}
	installMiddleware(router, HandlerName, opts.Topic, opts.MetricsSubsystem, opts.Registerer,
		LoggingHooks(p.logger).Merge(opts.Hooks), p.logger)
	router.AddNoPublisherHandler(HandlerName, opts.Topic, subscriber, r.handle)
	return r, nil
}

// handle decodes and processes one message. Errors surface to the job hooks
// and router metrics; the ack middleware acknowledges regardless.
func (r *Runner) handle(msg *message.Message) error {
	n, err := notify.Decode(msg)
	if err != nil {
		r.pipeline.stats.begin()
		r.pipeline.stats.finish(Outcome{State: StateFailed, Err: err})
		r.pipeline.metrics.record(Outcome{State: StateFailed})
		return err
	}
	out := r.pipeline.Process(msg.Context(), n)
	if out.State == StateFailed {
		return out.Err
	}
	return nil
}

// Run starts the generate handlers of every slot and blocks consuming until
// ctx is cancelled or Close is called. In-flight messages get the drain
// timeout to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.runMu.Lock()
	r.runCtx = ctx
	r.generate(ctx)
	r.runMu.Unlock()

	err := r.router.Run(ctx)
	r.runMu.Lock()
	r.runCtx = nil
	r.runMu.Unlock()
	return err
}

// Regenerate starts the generate handlers of every slot again under the
// context given to Run, so instances bound by a reload get their turn. It
// reports false when Run has not started or has already stopped.
func (r *Runner) Regenerate() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.runCtx == nil || r.runCtx.Err() != nil {
		return false
	}
	r.generate(r.runCtx)
	return true
}

func (r *Runner) generate(ctx context.Context) {
	if r.dispatcher == nil {
		return
	}
	for _, slot := range r.slots() {
		if n := r.dispatcher.RunGenerate(ctx, slot); n > 0 {
			r.logger.Info("Started generate handlers", logging.LogFields{"slot": slot, "handlers": n})
		}
	}
}

// Running is closed once the router consumes.
func (r *Runner) Running() chan struct{} {
	return r.router.Running()
}

// Close stops consuming and waits for in-flight handlers up to the drain
// timeout.
func (r *Runner) Close() error {
	return r.router.Close()
}
