package plugins

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/logging"
)

// ServicesFunc returns the services handed to instances of a slot.
type ServicesFunc func(slot string) Services

// LoadReport summarises a load or reload.
type LoadReport struct {
	Loaded int
	Failed []error
}

// InstanceInfo describes a loaded instance.
type InstanceInfo struct {
	ID        string         `json:"id"`
	UUID      string         `json:"uuid"`
	Slot      string         `json:"slot"`
	Context   string         `json:"context"`
	Path      string         `json:"path"`
	Hooks     []string       `json:"hooks"`
	Variables map[string]any `json:"variables"`
}

type loaded struct {
	inst     Instance
	plugin   Plugin
	hooks    []string
	routes   map[string]map[string]http.HandlerFunc
	stopOnce sync.Once
}

func (l *loaded) stop() {
	l.stopOnce.Do(func() {
		if s, ok := l.plugin.(Stopper); ok {
			s.Stop()
		}
	})
}

// Runtime owns the loaded plugin instances.
type Runtime struct {
	dispatcher *hooks.Dispatcher
	registry   *Registry
	services   ServicesFunc
	logger     logging.ServiceLogger

	mu        sync.RWMutex
	instances map[string]*loaded
	routes    atomic.Pointer[RouteTable]
}

func NewRuntime(dispatcher *hooks.Dispatcher, registry *Registry, services ServicesFunc, logger logging.ServiceLogger) *Runtime {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if services == nil {
		services = func(string) Services { return Services{} }
	}
	r := &Runtime{
		dispatcher: dispatcher,
		registry:   registry,
		services:   services,
		logger:     logger.With(logging.LogFields{"component": "plugins"}),
		instances:  make(map[string]*loaded),
	}
	r.routes.Store(&RouteTable{routes: map[string]map[string]http.HandlerFunc{}})
	return r
}

// LoadAll instantiates every binding of the snapshot. Instances that fail to
// build or initialise are logged and skipped.
func (r *Runtime) LoadAll(ctx context.Context, snap *config.Snapshot) LoadReport {
	var report LoadReport
	r.dispatcher.Exclusive(func(b hooks.Binder) {
		r.mu.Lock()
		defer r.mu.Unlock()
		report = r.loadLocked(ctx, b, snap)
	})
	return report
}

// ReloadAll stops and unbinds every instance, then loads snap. The whole
// swap happens inside the dispatcher's exclusive section.
func (r *Runtime) ReloadAll(ctx context.Context, snap *config.Snapshot) LoadReport {
	var report LoadReport
	r.dispatcher.Exclusive(func(b hooks.Binder) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for uuid, l := range r.instances {
			l.stop()
			b.Unbind(uuid)
		}
		r.instances = make(map[string]*loaded)
		report = r.loadLocked(ctx, b, snap)
	})
	r.logger.Info("Plugins reloaded", logging.LogFields{"loaded": report.Loaded, "failed": len(report.Failed)})
	return report
}

func (r *Runtime) loadLocked(ctx context.Context, b hooks.Binder, snap *config.Snapshot) LoadReport {
	var report LoadReport
	if snap == nil {
		snap = &config.Snapshot{}
	}

	slots := []string{config.DefaultSlot}
	for _, s := range snap.Slots {
		slots = append(slots, s.Name)
	}

	for _, slot := range slots {
		for _, desc := range snap.PluginsFor(slot) {
			for _, binding := range desc.Contexts {
				if err := r.loadOne(ctx, b, slot, desc, binding); err != nil {
					report.Failed = append(report.Failed, err)
					r.logger.Error("Plugin instance skipped", err, logging.LogFields{
						"plugin_id":   desc.ID,
						"plugin_uuid": binding.UUID,
						"slot":        slot,
					})
					continue
				}
				report.Loaded++
			}
		}
	}

	r.publishRoutesLocked()
	return report
}

func (r *Runtime) loadOne(ctx context.Context, b hooks.Binder, slot string, desc config.PluginDescriptor, binding config.ContextBinding) error {
	loadErr := func(err error) error {
		return &errspkg.PluginLoadError{PluginID: desc.ID, UUID: binding.UUID, Err: err}
	}

	if _, dup := r.instances[binding.UUID]; dup {
		return loadErr(errspkg.ErrDuplicateInstance)
	}
	factory, ok := r.registry.Lookup(desc.ID)
	if !ok {
		return loadErr(errspkg.ErrUnknownPlugin)
	}

	contextID := binding.Context
	if contextID == "" {
		contextID = hooks.GlobalContext
	}
	services := r.services(slot)
	if services.Logger == nil {
		services.Logger = r.logger
	}
	services.Logger = services.Logger.With(logging.LogFields{"plugin_id": desc.ID, "plugin_uuid": binding.UUID})

	inst := Instance{
		ID:        desc.ID,
		UUID:      binding.UUID,
		Slot:      slot,
		Context:   contextID,
		Path:      binding.Path,
		Variables: binding.MergedVariables(desc.Variables),
		Services:  services,
	}

	plugin, err := safeBuild(factory, inst)
	if err != nil {
		return loadErr(err)
	}
	l := &loaded{inst: inst, plugin: plugin}

	decl, err := safeInit(ctx, plugin)
	if err != nil {
		l.stop()
		return loadErr(err)
	}

	scope := hooks.Scope{Slot: slot, Context: contextID}
	for hook, handler := range decl.Hooks {
		if err := b.Bind(hooks.Binding{Hook: hook, PluginID: desc.ID, PluginUUID: inst.UUID, Scope: scope, Handler: handler}); err != nil {
			continue
		}
		l.hooks = append(l.hooks, hook)
	}
	sort.Strings(l.hooks)

	l.routes = decl.Routes
	r.instances[inst.UUID] = l
	return nil
}

func safeBuild(f Factory, inst Instance) (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("factory panic: %v", rec)
		}
	}()
	p, err = f(inst)
	if err == nil && p == nil {
		err = fmt.Errorf("factory returned no plugin")
	}
	return p, err
}

func safeInit(ctx context.Context, p Plugin) (d Declaration, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("init panic: %v", rec)
		}
	}()
	return p.Init(ctx)
}

func (r *Runtime) publishRoutesLocked() {
	table := &RouteTable{routes: make(map[string]map[string]http.HandlerFunc)}
	for uuid, l := range r.instances {
		for method, byRoute := range l.routes {
			for route, h := range byRoute {
				table.add(uuid, method, normalizeRoute(route), h)
			}
		}
	}
	r.routes.Store(table)
}

// Routes returns the current route table.
func (r *Runtime) Routes() *RouteTable {
	return r.routes.Load()
}

// StopAll stops every instance and unbinds its hooks.
func (r *Runtime) StopAll() {
	r.dispatcher.Exclusive(func(b hooks.Binder) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for uuid, l := range r.instances {
			l.stop()
			b.Unbind(uuid)
		}
		r.instances = make(map[string]*loaded)
		r.publishRoutesLocked()
	})
}

// Reset clears the state of instance uuid when it supports it.
func (r *Runtime) Reset(ctx context.Context, uuid string) error {
	r.mu.RLock()
	l, ok := r.instances[uuid]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: instance %s", errspkg.ErrUnknownPlugin, uuid)
	}
	resetter, ok := l.plugin.(Resetter)
	if !ok {
		return nil
	}
	return resetter.Reset(ctx)
}

// Install runs the one-off install step of pluginID for contextID in slot.
// The temporary instance is stopped afterwards.
func (r *Runtime) Install(ctx context.Context, slot, pluginID, contextID string, variables map[string]any) error {
	factory, ok := r.registry.Lookup(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownPlugin, pluginID)
	}
	services := r.services(slot)
	if services.Logger == nil {
		services.Logger = r.logger
	}
	plugin, err := safeBuild(factory, Instance{ID: pluginID, Slot: slot, Context: contextID, Variables: variables, Services: services})
	if err != nil {
		return &errspkg.PluginLoadError{PluginID: pluginID, Err: err}
	}
	l := &loaded{plugin: plugin}
	defer l.stop()

	installer, ok := plugin.(Installer)
	if !ok {
		return nil
	}
	return installer.OnInstall(ctx, contextID)
}

// Instances lists loaded instances sorted by slot, context and uuid.
func (r *Runtime) Instances() []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstanceInfo, 0, len(r.instances))
	for _, l := range r.instances {
		vars := l.inst.Variables
		if dv, ok := l.plugin.(DynamicVariables); ok {
			vars = config.ContextBinding{Variables: dv.Variables()}.MergedVariables(vars)
		}
		out = append(out, InstanceInfo{
			ID:        l.inst.ID,
			UUID:      l.inst.UUID,
			Slot:      l.inst.Slot,
			Context:   l.inst.Context,
			Path:      l.inst.Path,
			Hooks:     append([]string(nil), l.hooks...),
			Variables: vars,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		if out[i].Context != out[j].Context {
			return out[i].Context < out[j].Context
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

func normalizeRoute(route string) string {
	for len(route) > 0 && route[0] == '/' {
		route = route[1:]
	}
	return route
}
