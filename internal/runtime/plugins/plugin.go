// Package plugins loads plugin instances from a snapshot, binds their hooks
// to the dispatcher and collects their HTTP routes.
package plugins

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/notify"
)

// Declaration is what a plugin exposes once initialised. Routes are keyed by
// HTTP method, then by route path relative to the instance prefix.
type Declaration struct {
	Hooks  map[string]hooks.Handler
	Routes map[string]map[string]http.HandlerFunc
}

// Plugin is implemented by every plugin.
type Plugin interface {
	Init(ctx context.Context) (Declaration, error)
}

// Stopper is implemented by plugins owning background work. Stop is called
// at most once per instance.
type Stopper interface {
	Stop()
}

// Resetter is implemented by plugins whose state can be cleared on demand.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Installer is implemented by plugins that prepare external state the first
// time they are added to a context.
type Installer interface {
	OnInstall(ctx context.Context, contextID string) error
}

// DynamicVariables is implemented by plugins that compute part of their
// configuration at runtime.
type DynamicVariables interface {
	Variables() map[string]any
}

// Emitter publishes new stream notifications.
type Emitter interface {
	Emit(ctx context.Context, n notify.Notification) error
}

// Store gives plugins read access to indexed data.
type Store interface {
	Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error)
}

// Services are injected into every instance at construction.
type Services struct {
	Logger  logging.ServiceLogger
	Emitter Emitter
	Store   Store
}

// Instance carries the identity and configuration of one binding.
type Instance struct {
	ID        string
	UUID      string
	Slot      string
	Context   string
	Path      string
	Variables map[string]any
	Services  Services
}

// String returns "<id>/<uuid>".
func (i Instance) String() string {
	return i.ID + "/" + i.UUID
}

// StringVar returns the named variable when it is a string.
func (i Instance) StringVar(name string) string {
	s, _ := i.Variables[name].(string)
	return s
}

// Factory builds a plugin for an instance.
type Factory func(inst Instance) (Plugin, error)

// Registry maps plugin ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

func (r *Registry) Lookup(id string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	return f, ok
}

// IDs returns the registered plugin ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RouteTable holds the HTTP handlers of all loaded instances. It is
// immutable once published.
type RouteTable struct {
	routes map[string]map[string]http.HandlerFunc
}

func routeKey(method, route string) string {
	return method + " " + route
}

func (t *RouteTable) add(uuid, method, route string, h http.HandlerFunc) {
	if t.routes[uuid] == nil {
		t.routes[uuid] = make(map[string]http.HandlerFunc)
	}
	t.routes[uuid][routeKey(method, route)] = h
}

// Lookup finds the handler of instance uuid for method and route.
func (t *RouteTable) Lookup(uuid, method, route string) (http.HandlerFunc, bool) {
	if t == nil {
		return nil, false
	}
	h, ok := t.routes[uuid][routeKey(method, route)]
	return h, ok
}

// Len returns the number of registered routes.
func (t *RouteTable) Len() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, r := range t.routes {
		n += len(r)
	}
	return n
}
