package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/stream"
)

func blogModel(id string) stream.Model {
	return stream.Model{
		ID: id,
		Schema: stream.ModelSchema{
			Name: "blog",
			Schema: stream.JSONSchema{
				Title: "Blog Post",
				Properties: map[string]stream.Property{
					"title":     {Type: "string"},
					"views":     {Type: "integer"},
					"tags":      {Type: "array"},
					"published": {Type: []any{"string", "null"}, Format: "date-time"},
				},
			},
		},
	}
}

func newTestAdapter(t *testing.T, models ...stream.Model) (*Adapter, *fakeConn) {
	t.Helper()
	source := stream.NewMemorySource()
	for _, m := range models {
		source.PutModel(m)
	}
	fake := newFakeConn()
	return newAdapter("", fake, source, nil), fake
}

func TestUpsertProvisionsMissingTable(t *testing.T) {
	a, fake := newTestAdapter(t, blogModel("m1"))
	ctx := context.Background()

	err := a.Upsert(ctx, "m1", map[string]any{
		"stream_id":  "s1",
		"controller": "ctrl",
		"model":      "m1",
		"title":      "hello",
		"views":      3,
		"tags":       []any{"a"},
		"published":  "2024-01-01T00:00:00Z",
		"unknown":    "dropped",
	}, map[string]any{"p": 1})
	require.NoError(t, err)

	assert.Equal(t, []Table{{ModelID: "m1", Name: "blog_post", Title: "Blog Post"}}, a.Tables())
	assert.Len(t, fake.execsWithPrefix(`CREATE INDEX IF NOT EXISTS`), 3)

	inserts := fake.execsWithPrefix("INSERT INTO")
	require.Len(t, inserts, 1)
	assert.Contains(t, inserts[0].sql, `CAST($3::text AS timestamp)`)
	assert.Contains(t, inserts[0].sql, `ON CONFLICT ("stream_id") DO UPDATE SET`)
	assert.Contains(t, inserts[0].sql, `"indexed_at" = now()`)
	assert.NotContains(t, inserts[0].sql, `"stream_id" = EXCLUDED`)

	row := fake.rows["m1"][0]
	assert.Equal(t, "s1", row["stream_id"])
	assert.Equal(t, `["a"]`, row["tags"])
	assert.Equal(t, `{"p":1}`, row["plugins_data"])
	assert.NotContains(t, row, "model")
	assert.NotContains(t, row, "unknown")
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	a, fake := newTestAdapter(t, blogModel("m1"))
	ctx := context.Background()

	require.NoError(t, a.Upsert(ctx, "m1", map[string]any{"stream_id": "s1", "title": "one"}, nil))
	require.NoError(t, a.Upsert(ctx, "m1", map[string]any{"stream_id": "s1", "title": "two"}, nil))

	require.Len(t, fake.rows["m1"], 1)
	assert.Equal(t, "two", fake.rows["m1"][0]["title"])
	assert.Len(t, fake.execsWithPrefix(`CREATE TABLE IF NOT EXISTS "m1"`), 1)
}

func TestUpsertConcurrentProvisioning(t *testing.T) {
	a, fake := newTestAdapter(t, blogModel("m1"))
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- a.Upsert(ctx, "m1", map[string]any{"stream_id": fmt.Sprintf("s%d", i)}, nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, fake.registry, 1)
	assert.Len(t, fake.rows["m1"], workers)
	assert.Len(t, fake.execsWithPrefix(`CREATE TABLE IF NOT EXISTS "m1"`), 1)
	assert.Equal(t, []Table{{ModelID: "m1", Name: "blog_post", Title: "Blog Post"}}, a.Tables())
}

func TestUpsertFailsAfterSingleRetry(t *testing.T) {
	a, fake := newTestAdapter(t, blogModel("m1"))
	fake.failInserts = true

	err := a.Upsert(context.Background(), "m1", map[string]any{"stream_id": "s1"}, nil)
	require.Error(t, err)

	var provErr *errspkg.ProvisioningError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "m1", provErr.ModelID)
	assert.Equal(t, "blog_post", provErr.Table)
	assert.ErrorIs(t, err, errspkg.ErrUnknownTable)
	assert.Len(t, fake.execsWithPrefix("INSERT INTO"), 1)
}

func TestUpsertRequiresIdentifiers(t *testing.T) {
	a, _ := newTestAdapter(t)
	assert.ErrorIs(t, a.Upsert(context.Background(), "", map[string]any{"stream_id": "s"}, nil), errspkg.ErrModelIDRequired)
	assert.ErrorIs(t, a.Upsert(context.Background(), "m1", map[string]any{}, nil), errspkg.ErrStreamIDRequired)
}

func TestProvisionUnknownModel(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.Upsert(context.Background(), "missing", map[string]any{"stream_id": "s"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrModelNotFound)
}

func TestProvisionSuffixesCollidingNames(t *testing.T) {
	a, _ := newTestAdapter(t, blogModel("m1"), blogModel("m2"), blogModel("m3"))
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := a.Provision(ctx, id)
		require.NoError(t, err)
	}

	names := map[string]string{}
	for _, tbl := range a.Tables() {
		names[tbl.ModelID] = tbl.Name
	}
	assert.Equal(t, map[string]string{"m1": "blog_post", "m2": "blog_post_2", "m3": "blog_post_3"}, names)

	again, err := a.Provision(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "blog_post_2", again.Name)
}

func TestOnTableCreatedFires(t *testing.T) {
	a, _ := newTestAdapter(t, blogModel("m1"))
	var (
		mu  sync.Mutex
		got []Table
	)
	a.OnTableCreated(func(_ context.Context, tbl Table) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tbl)
	})

	require.NoError(t, a.Upsert(context.Background(), "m1", map[string]any{"stream_id": "s1"}, nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "blog_post", got[0].Name)
}

func TestSeedAndLoadMappings(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Seed(ctx, map[string]string{"m9": "orders", "m8": "customers"}))
	tbl, ok := a.Lookup("orders")
	require.True(t, ok)
	assert.Equal(t, "m9", tbl.ModelID)

	byID, ok := a.Lookup("m8")
	require.True(t, ok)
	assert.Equal(t, "customers", byID.Name)

	reopened := newAdapter("tenant", fake, stream.NewMemorySource(), nil)
	require.NoError(t, reopened.LoadMappings(ctx))
	assert.Len(t, reopened.Tables(), 2)
	assert.Equal(t, "tenant", reopened.Slot())
}

func TestSeedRejectsTakenName(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Seed(ctx, map[string]string{"m1": "orders"}))
	err := a.Seed(ctx, map[string]string{"m2": "orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m2")
}

func TestCloseReleasesPools(t *testing.T) {
	a, fake := newTestAdapter(t)
	reader := newFakeConn()
	a.reader = reader
	a.Close()
	assert.True(t, fake.closed)
	assert.True(t, reader.closed)
}
