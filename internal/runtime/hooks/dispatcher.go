// Package hooks resolves and runs plugin callbacks for every pipeline stage.
//
// Handlers are registered per (hook, scope, plugin instance). A scope is a
// tenant slot plus a context; handlers bound to the global context of a slot
// also run for every other context of that slot, after the context-specific
// ones. Within each group handlers run in bind order.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/logging"
)

// Handler is a plugin callback. The returned value is interpreted by the
// stage that invoked it.
type Handler func(ctx context.Context, ev Event) (any, error)

// Options configure a hook at registration time.
type Options struct {
	// Contextualized hooks honour the context part of the scope. Others run
	// every handler bound in the slot.
	Contextualized bool
}

// Binding attaches a handler of one plugin instance to a hook.
type Binding struct {
	Hook       string
	PluginID   string
	PluginUUID string
	Scope      Scope
	Handler    Handler
}

// Binder mutates the registry. Exclusive hands one out while holding the
// write lock.
type Binder interface {
	Bind(b Binding) error
	Unbind(pluginUUID string) int
}

// Result is the outcome of one handler invocation.
type Result struct {
	PluginID   string
	PluginUUID string
	Value      any
	Err        error
}

type key struct {
	hook  string
	scope Scope
	uuid  string
}

type registration struct {
	pluginID string
	uuid     string
	scope    Scope
	handler  Handler
	seq      uint64
}

// Dispatcher is safe for concurrent use. Run takes a read lock only while
// resolving handlers; handlers themselves execute outside the lock.
type Dispatcher struct {
	mu     sync.RWMutex
	hooks  map[string]Options
	regs   map[key]registration
	seq    uint64
	logger logging.ServiceLogger

	metrics *Metrics
	async   sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the pipeline stages registered.
// metrics may be nil.
func NewDispatcher(logger logging.ServiceLogger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Dispatcher{
		hooks:   make(map[string]Options),
		regs:    make(map[key]registration),
		logger:  logger.With(logging.LogFields{"component": "hooks"}),
		metrics: metrics,
	}
	d.Register(Generate, Options{Contextualized: false})
	d.Register(Validate, Options{Contextualized: true})
	d.Register(AddMetadata, Options{Contextualized: true})
	d.Register(Update, Options{Contextualized: true})
	d.Register(PostProcess, Options{Contextualized: true})
	return d
}

// Register declares a hook. Registering an existing name is a no-op.
func (d *Dispatcher) Register(name string, opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.hooks[name]; ok {
		return
	}
	d.hooks[name] = opts
}

// Hooks returns the registered hook names, sorted.
func (d *Dispatcher) Hooks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.hooks))
	for name := range d.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind registers a handler under (hook, scope, plugin UUID). Binding an
// undeclared hook returns ErrUnknownHook.
func (d *Dispatcher) Bind(b Binding) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindLocked(b)
}

// Unbind removes every handler of a plugin instance and reports how many
// were removed.
func (d *Dispatcher) Unbind(pluginUUID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unbindLocked(pluginUUID)
}

// Exclusive runs fn while holding the write lock so no Run observes a
// half-applied change. fn must only use the Binder it is given.
func (d *Dispatcher) Exclusive(fn func(Binder)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(lockedBinder{d})
}

type lockedBinder struct{ d *Dispatcher }

func (l lockedBinder) Bind(b Binding) error         { return l.d.bindLocked(b) }
func (l lockedBinder) Unbind(pluginUUID string) int { return l.d.unbindLocked(pluginUUID) }

func (d *Dispatcher) bindLocked(b Binding) error {
	if b.Handler == nil {
		return fmt.Errorf("indexflow: nil handler for hook %s", b.Hook)
	}
	opts, ok := d.hooks[b.Hook]
	if !ok {
		d.logger.Error("Binding to unknown hook ignored", errspkg.ErrUnknownHook, logging.LogFields{
			"hook":        b.Hook,
			"plugin_id":   b.PluginID,
			"plugin_uuid": b.PluginUUID,
		})
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownHook, b.Hook)
	}
	scope := b.Scope.normalize()
	if !opts.Contextualized {
		scope.Context = GlobalContext
	}
	d.seq++
	d.regs[key{hook: b.Hook, scope: scope, uuid: b.PluginUUID}] = registration{
		pluginID: b.PluginID,
		uuid:     b.PluginUUID,
		scope:    scope,
		handler:  b.Handler,
		seq:      d.seq,
	}
	return nil
}

func (d *Dispatcher) unbindLocked(pluginUUID string) int {
	removed := 0
	for k := range d.regs {
		if k.uuid == pluginUUID {
			delete(d.regs, k)
			removed++
		}
	}
	return removed
}

// resolve returns the handlers for hook in scope, context-specific first,
// then global, each group in bind order.
func (d *Dispatcher) resolve(hook string, scope Scope) ([]registration, error) {
	scope = scope.normalize()

	d.mu.RLock()
	defer d.mu.RUnlock()

	opts, ok := d.hooks[hook]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownHook, hook)
	}

	var scoped, global []registration
	for k, reg := range d.regs {
		if k.hook != hook || k.scope.Slot != scope.Slot {
			continue
		}
		switch {
		case !opts.Contextualized, k.scope.Context == GlobalContext:
			global = append(global, reg)
		case k.scope.Context == scope.Context:
			scoped = append(scoped, reg)
		}
	}
	bySeq := func(regs []registration) {
		sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	}
	bySeq(scoped)
	bySeq(global)
	return append(scoped, global...), nil
}

// Count returns the number of handlers that would run for hook in scope.
func (d *Dispatcher) Count(hook string, scope Scope) int {
	regs, err := d.resolve(hook, scope)
	if err != nil {
		return 0
	}
	return len(regs)
}

func (d *Dispatcher) invoke(ctx context.Context, hook string, reg registration, ev Event) (value any, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = &errspkg.HookExecutionError{Hook: hook, PluginID: reg.pluginID, PluginUUID: reg.uuid, Err: err}
			d.logger.Error("Hook handler failed", err, logging.LogFields{
				"hook":        hook,
				"plugin_id":   reg.pluginID,
				"plugin_uuid": reg.uuid,
				"stream_id":   ev.StreamID,
				"model_id":    ev.ModelID,
			})
		}
		d.metrics.observe(hook, started, err != nil)
	}()
	return reg.handler(ctx, ev.Clone())
}

// Run invokes every handler resolved for hook in scope, sequentially, and
// returns their results in resolution order. Handler failures are logged and
// reported in the Result; they never abort the remaining handlers.
func (d *Dispatcher) Run(ctx context.Context, hook string, scope Scope, ev Event) ([]Result, error) {
	regs, err := d.resolve(hook, scope)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(regs))
	for _, reg := range regs {
		value, err := d.invoke(ctx, hook, reg, ev)
		results = append(results, Result{PluginID: reg.pluginID, PluginUUID: reg.uuid, Value: value, Err: err})
	}
	return results, nil
}

// RunValidate ANDs every validate handler. Handlers that fail or answer with
// something other than a bool are excluded from the vote. With no votes the
// event is accepted.
func (d *Dispatcher) RunValidate(ctx context.Context, scope Scope, ev Event) bool {
	results, err := d.Run(ctx, Validate, scope, ev)
	if err != nil {
		return true
	}
	accepted := true
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		ok, isBool := r.Value.(bool)
		if !isBool {
			d.logger.Debug("Validate handler returned a non-boolean", logging.LogFields{
				"plugin_id":   r.PluginID,
				"plugin_uuid": r.PluginUUID,
				"type":        fmt.Sprintf("%T", r.Value),
			})
			continue
		}
		accepted = accepted && ok
	}
	return accepted
}

// RunAddMetadata collects add_metadata answers keyed by plugin id, one entry
// per successful handler even when it answers nil. When two instances of one
// plugin answer, the later in resolution order wins.
func (d *Dispatcher) RunAddMetadata(ctx context.Context, scope Scope, ev Event) map[string]any {
	out := make(map[string]any)
	results, err := d.Run(ctx, AddMetadata, scope, ev)
	if err != nil {
		return out
	}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		out[r.PluginID] = r.Value
	}
	return out
}

// RunUpdate runs update handlers in resolution order until one answers with
// a content map. That map replaces the content; later handlers are skipped.
func (d *Dispatcher) RunUpdate(ctx context.Context, scope Scope, ev Event) (map[string]any, bool) {
	regs, err := d.resolve(Update, scope)
	if err != nil {
		return nil, false
	}
	for _, reg := range regs {
		value, err := d.invoke(ctx, Update, reg, ev)
		if err != nil {
			continue
		}
		if content, ok := value.(map[string]any); ok {
			return content, true
		}
	}
	return nil, false
}

// RunPostProcess starts every post_process handler in its own goroutine and
// returns immediately. Failures are logged.
func (d *Dispatcher) RunPostProcess(ctx context.Context, scope Scope, ev Event) int {
	return d.fireAndForget(ctx, PostProcess, scope, ev)
}

// RunGenerate starts every generate handler of slot in the background.
func (d *Dispatcher) RunGenerate(ctx context.Context, slot string) int {
	return d.fireAndForget(ctx, Generate, Scope{Slot: slot}, Event{Slot: slot})
}

func (d *Dispatcher) fireAndForget(ctx context.Context, hook string, scope Scope, ev Event) int {
	regs, err := d.resolve(hook, scope)
	if err != nil {
		return 0
	}
	detached := context.WithoutCancel(ctx)
	for _, reg := range regs {
		d.async.Add(1)
		go func(reg registration, ev Event) {
			defer d.async.Done()
			_, _ = d.invoke(detached, hook, reg, ev)
		}(reg, ev.Clone())
	}
	return len(regs)
}

// Wait blocks until background handlers started so far have returned or ctx
// is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
