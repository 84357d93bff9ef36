package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/schema"
)

type fakeStore struct {
	mu        sync.Mutex
	slot      string
	tables    []schema.Table
	seeded    []map[string]string
	callbacks []func(context.Context, schema.Table)
	closed    bool
}

func (f *fakeStore) IntrospectSchema(context.Context) ([]schema.TableSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.TableSchema, 0, len(f.tables))
	for _, t := range f.tables {
		out = append(out, schema.TableSchema{Table: t, Columns: []schema.Column{{Name: "stream_id", DataType: "text"}}})
	}
	return out, nil
}

func (f *fakeStore) QueryRaw(context.Context, string, ...any) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeStore) Upsert(context.Context, string, map[string]any, map[string]any) error { return nil }

func (f *fakeStore) Query(context.Context, string, ...any) ([]map[string]any, error) { return nil, nil }

func (f *fakeStore) QueryGlobal(context.Context, string, int, bool, string) (schema.Page, error) {
	return schema.Page{}, nil
}

func (f *fakeStore) Tables() []schema.Table {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Table(nil), f.tables...)
}

func (f *fakeStore) Seed(_ context.Context, tables map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = append(f.seeded, tables)
	return nil
}

func (f *fakeStore) OnTableCreated(fn func(context.Context, schema.Table)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, fn)
}

func (f *fakeStore) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeStore) create(t schema.Table) {
	f.mu.Lock()
	f.tables = append(f.tables, t)
	callbacks := append([]func(context.Context, schema.Table){}, f.callbacks...)
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn(context.Background(), t)
	}
}

type fakeOpener struct {
	mu     sync.Mutex
	stores map[string]*fakeStore
	fail   string
}

func (o *fakeOpener) open(_ context.Context, slot config.Slot) (Store, error) {
	if slot.Name == o.fail {
		return nil, errors.New("refused")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stores == nil {
		o.stores = map[string]*fakeStore{}
	}
	s := &fakeStore{slot: slot.Name}
	o.stores[slot.Name] = s
	return s, nil
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Tables: map[string]string{"m1": "orders"},
		Slots: []config.Slot{
			{Name: "tenant-b", DatabaseURL: "postgres://b", Tables: map[string]string{"m2": "invoices"}},
			{Name: "tenant-a", DatabaseURL: "postgres://a"},
		},
	}
}

func TestOpenResolvesSlots(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener.open, nil)
	require.NoError(t, m.Open(context.Background(), testSnapshot()))

	assert.Equal(t, []string{"default", "tenant-a", "tenant-b"}, m.Names())

	def, err := m.Get("")
	require.NoError(t, err)
	assert.Equal(t, "default", def.Name)
	assert.NotNil(t, def.Cache.Current())

	b, err := m.Get("tenant-b")
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{"m2": "invoices"}}, opener.stores["tenant-b"].seeded)
	assert.Equal(t, []map[string]string{{"m1": "orders"}}, opener.stores["default"].seeded)
	assert.Same(t, opener.stores["tenant-b"], b.Store)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, errspkg.ErrUnknownSlot)
}

func TestOpenFailureClosesOpenedSlots(t *testing.T) {
	opener := &fakeOpener{fail: "tenant-a"}
	m := NewManager(opener.open, nil)
	err := m.Open(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant-a")
	assert.True(t, opener.stores["default"].closed)
	assert.True(t, opener.stores["tenant-b"].closed)
	assert.Empty(t, m.Names())
}

func TestTableCreationRebuildsQuerySchema(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener.open, nil)
	require.NoError(t, m.Open(context.Background(), nil))

	def, err := m.Get(config.DefaultSlot)
	require.NoError(t, err)
	before := def.Cache.Generation()

	opener.stores["default"].create(schema.Table{ModelID: "m1", Name: "orders", Title: "Orders"})

	assert.Equal(t, before+1, def.Cache.Generation())
	assert.Contains(t, def.Cache.Current().QueryType().Fields(), "orders")
}

func TestApplySnapshotReseedsAndRebuilds(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener.open, nil)
	require.NoError(t, m.Open(context.Background(), nil))
	def, _ := m.Get("")
	before := def.Cache.Generation()

	snap := &config.Snapshot{Tables: map[string]string{"m5": "events"}}
	require.NoError(t, m.ApplySnapshot(context.Background(), snap))

	assert.Same(t, snap, m.Snapshot())
	assert.Equal(t, before+1, def.Cache.Generation())
	seeded := opener.stores["default"].seeded
	assert.Equal(t, map[string]string{"m5": "events"}, seeded[len(seeded)-1])
}

func TestCloseReleasesStores(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener.open, nil)
	require.NoError(t, m.Open(context.Background(), testSnapshot()))
	m.Close()
	for _, s := range opener.stores {
		assert.True(t, s.closed)
	}
	_, err := m.Get("")
	assert.ErrorIs(t, err, errspkg.ErrUnknownSlot)
}

func TestNamespaceIsolatesSharedDatabaseSlots(t *testing.T) {
	assert.Empty(t, Namespace(config.Slot{Name: config.DefaultSlot}))
	assert.Empty(t, Namespace(config.Slot{Name: "a", DatabaseURL: "postgres://a"}))
	assert.Equal(t, "indexflow_a", Namespace(config.Slot{Name: "a"}))
	assert.NotEqual(t, Namespace(config.Slot{Name: "a"}), Namespace(config.Slot{Name: "b"}))
}
