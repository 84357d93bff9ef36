// Package tenant keeps one storage adapter and query schema cache per slot.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/querygraph"
	"github.com/drblury/indexflow/internal/runtime/schema"
	"github.com/drblury/indexflow/internal/runtime/stream"
)

// Store is the storage surface a tenant exposes.
type Store interface {
	querygraph.Store
	Upsert(ctx context.Context, modelID string, record map[string]any, pluginsData map[string]any) error
	Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error)
	QueryGlobal(ctx context.Context, table string, page int, orderByIndexedAt bool, contextID string) (schema.Page, error)
	Tables() []schema.Table
	Seed(ctx context.Context, tables map[string]string) error
	OnTableCreated(fn func(ctx context.Context, t schema.Table))
	Close()
}

// Opener connects the store of a slot.
type Opener func(ctx context.Context, slot config.Slot) (Store, error)

// NamespacePrefix prefixes the Postgres schema of slots that share the
// default database.
const NamespacePrefix = "indexflow_"

// Namespace returns the Postgres schema that isolates slot inside the
// default database. Slots with their own database and the default slot use
// the connection's search path and get an empty namespace.
func Namespace(slot config.Slot) string {
	if slot.DatabaseURL != "" || slot.Name == "" || slot.Name == config.DefaultSlot {
		return ""
	}
	return NamespacePrefix + slot.Name
}

// PostgresOpener opens schema adapters. Slots without a database URL live
// in their own Postgres schema of the default database.
func PostgresOpener(db config.Database, source stream.Source, logger logging.ServiceLogger) Opener {
	return func(ctx context.Context, slot config.Slot) (Store, error) {
		url := slot.DatabaseURL
		if url == "" {
			url = db.URL
		}
		return schema.Open(ctx, schema.Options{
			Slot:           slot.Name,
			Database:       db,
			URL:            url,
			ReaderPassword: slot.ReaderPassword,
			Source:         source,
			Logger:         logger,
			Namespace:      Namespace(slot),
		})
	}
}

// Tenant is an opened slot.
type Tenant struct {
	Name  string
	Store Store
	Cache *querygraph.Cache
}

// Manager resolves slot names to tenants.
type Manager struct {
	opener Opener
	logger logging.ServiceLogger

	mu      sync.RWMutex
	tenants map[string]*Tenant

	snapshot atomic.Pointer[config.Snapshot]
}

func NewManager(opener Opener, logger logging.ServiceLogger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := &Manager{
		opener:  opener,
		logger:  logger.With(logging.LogFields{"component": "tenant"}),
		tenants: make(map[string]*Tenant),
	}
	m.snapshot.Store(&config.Snapshot{})
	return m
}

// Open connects the default slot and every slot of snap. Tenants opened
// before a failure are closed again.
func (m *Manager) Open(ctx context.Context, snap *config.Snapshot) error {
	if snap == nil {
		snap = &config.Snapshot{}
	}
	m.snapshot.Store(snap)

	slots := append([]config.Slot{{Name: config.DefaultSlot}}, snap.Slots...)
	opened := make(map[string]*Tenant, len(slots))
	for _, slot := range slots {
		t, err := m.openTenant(ctx, slot)
		if err != nil {
			for _, o := range opened {
				o.Store.Close()
			}
			return fmt.Errorf("open slot %s: %w", slot.Name, err)
		}
		opened[slot.Name] = t
	}

	m.mu.Lock()
	previous := m.tenants
	m.tenants = opened
	m.mu.Unlock()
	for _, t := range previous {
		t.Store.Close()
	}
	return nil
}

func (m *Manager) openTenant(ctx context.Context, slot config.Slot) (*Tenant, error) {
	store, err := m.opener(ctx, slot)
	if err != nil {
		return nil, err
	}
	name := slot.Name
	if err := store.Seed(ctx, m.snapshot.Load().TablesFor(name)); err != nil {
		m.logger.Error("Seeding table names failed", err, logging.LogFields{"slot": name})
	}

	relations := func() map[string][]config.Relation {
		return m.snapshot.Load().RelationsFor(name)
	}
	cache := querygraph.NewCache(name, querygraph.NewBuilder(store, relations), m.logger)
	store.OnTableCreated(func(ctx context.Context, t schema.Table) {
		_ = cache.Rebuild(ctx)
	})
	_ = cache.Rebuild(ctx)

	m.logger.Info("Slot opened", logging.LogFields{"slot": name, "tables": len(store.Tables())})
	return &Tenant{Name: name, Store: store, Cache: cache}, nil
}

// Get returns the tenant of slot. The empty name selects the default slot.
func (m *Manager) Get(slot string) (*Tenant, error) {
	if slot == "" {
		slot = config.DefaultSlot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[slot]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownSlot, slot)
	}
	return t, nil
}

// Names lists the open slots, default first.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tenants))
	for name := range m.tenants {
		if name != config.DefaultSlot {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := m.tenants[config.DefaultSlot]; ok {
		names = append([]string{config.DefaultSlot}, names...)
	}
	return names
}

// Snapshot returns the snapshot the tenants were configured with.
func (m *Manager) Snapshot() *config.Snapshot {
	return m.snapshot.Load()
}

// ApplySnapshot swaps relations and seeded names without reconnecting and
// rebuilds every query schema.
func (m *Manager) ApplySnapshot(ctx context.Context, snap *config.Snapshot) error {
	if snap == nil {
		snap = &config.Snapshot{}
	}
	m.snapshot.Store(snap)

	m.mu.RLock()
	tenants := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		tenants = append(tenants, t)
	}
	m.mu.RUnlock()

	var errs []error
	for _, t := range tenants {
		if err := t.Store.Seed(ctx, snap.TablesFor(t.Name)); err != nil {
			errs = append(errs, err)
		}
		if err := t.Cache.Rebuild(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every tenant.
func (m *Manager) Close() {
	m.mu.Lock()
	tenants := m.tenants
	m.tenants = make(map[string]*Tenant)
	m.mu.Unlock()
	for _, t := range tenants {
		t.Store.Close()
	}
}
