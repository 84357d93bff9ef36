package querygraph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/schema"
)

type call struct {
	sql    string
	params []any
}

type fakeStore struct {
	mu       sync.Mutex
	tables   []schema.TableSchema
	err      error
	rows     map[string][]map[string]any
	calls    []call
	rowsFunc func(sql string, params []any) []map[string]any
}

func (f *fakeStore) IntrospectSchema(context.Context) ([]schema.TableSchema, error) {
	return f.tables, f.err
}

func (f *fakeStore) QueryRaw(_ context.Context, sql string, params ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sql: sql, params: params})
	if f.rowsFunc != nil {
		return f.rowsFunc(sql, params), nil
	}
	return nil, nil
}

func blogTables() []schema.TableSchema {
	return []schema.TableSchema{
		{
			Table: schema.Table{ModelID: "m-posts", Name: "blog_post", Title: "Blog Post"},
			Columns: []schema.Column{
				{Name: "stream_id", DataType: "text"},
				{Name: "title", DataType: "text", Nullable: true},
				{Name: "views", DataType: "int4", Nullable: true},
				{Name: "author", DataType: "text", Nullable: true},
				{Name: "plugins_data", DataType: "jsonb", Nullable: true},
				{Name: "indexed_at", DataType: "timestamptz"},
			},
		},
		{
			Table: schema.Table{ModelID: "m-users", Name: "user", Title: "User"},
			Columns: []schema.Column{
				{Name: "stream_id", DataType: "text"},
				{Name: "name", DataType: "text", Nullable: true},
			},
		},
	}
}

func TestBuildExposesTables(t *testing.T) {
	store := &fakeStore{tables: blogTables()}
	s, err := NewBuilder(store, nil).Build(context.Background())
	require.NoError(t, err)

	fields := s.QueryType().Fields()
	assert.Contains(t, fields, "blog_post")
	assert.Contains(t, fields, "user")
	assert.Contains(t, fields, "_tables")
	assert.NotNil(t, s.Type("BlogPost"))
	assert.NotNil(t, s.Type("BlogPostFilter"))
	assert.NotNil(t, s.Type("UserFilter"))
}

func TestExecuteRootFieldWithFilters(t *testing.T) {
	store := &fakeStore{
		tables: blogTables(),
		rowsFunc: func(string, []any) []map[string]any {
			return []map[string]any{{"stream_id": "s1", "title": "Hello", "views": int32(3), "plugins_data": map[string]any{"p": true}}}
		},
	}
	cache := NewCache("default", NewBuilder(store, nil), nil)

	res := cache.Execute(context.Background(), `{ blog_post(filter: {title: "He%", views_in: [1, 3]}, limit: 500) { stream_id title views plugins_data } }`, nil)
	require.Empty(t, res.Errors)

	data := res.Data.(map[string]any)
	rows := data["blog_post"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "Hello", row["title"])
	assert.Equal(t, 3, row["views"])
	assert.Equal(t, map[string]any{"p": true}, row["plugins_data"])

	require.Len(t, store.calls, 1)
	assert.Equal(t, `SELECT * FROM "m-posts" WHERE "title" LIKE $1 AND "views" = ANY ($2) ORDER BY "indexed_at" DESC LIMIT 50`, store.calls[0].sql)
	assert.Equal(t, []any{"He%", []any{1, 3}}, store.calls[0].params)
}

func TestRelationFieldIssuesOneLookupPerParent(t *testing.T) {
	store := &fakeStore{
		tables: blogTables(),
		rowsFunc: func(sql string, params []any) []map[string]any {
			if len(params) == 1 && params[0] == "u1" {
				return []map[string]any{{"stream_id": "u1", "name": "Ada"}}
			}
			if len(params) == 0 {
				return []map[string]any{
					{"stream_id": "s1", "author": "u1"},
					{"stream_id": "s2", "author": nil},
				}
			}
			return nil
		},
	}
	relations := func() map[string][]config.Relation {
		return map[string][]config.Relation{
			"m-posts": {{Column: "author", ReferencedTable: "user", ReferencedColumn: "stream_id", ReferenceName: "writer"}},
		}
	}
	cache := NewCache("default", NewBuilder(store, relations), nil)

	res := cache.Execute(context.Background(), `{ blog_post { stream_id writer { name } } }`, nil)
	require.Empty(t, res.Errors)

	rows := res.Data.(map[string]any)["blog_post"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"name": "Ada"}, rows[0].(map[string]any)["writer"])
	assert.Nil(t, rows[1].(map[string]any)["writer"])

	require.Len(t, store.calls, 2)
	assert.Equal(t, `SELECT * FROM "m-users" WHERE "stream_id" = $1 LIMIT 1`, store.calls[1].sql)
}

func TestRelationToUnknownTableIsSkipped(t *testing.T) {
	store := &fakeStore{tables: blogTables()}
	relations := func() map[string][]config.Relation {
		return map[string][]config.Relation{
			"m-posts": {{Column: "author", ReferencedTable: "ghost", ReferencedColumn: "stream_id", ReferenceName: "writer"}},
		}
	}
	s, err := NewBuilder(store, relations).Build(context.Background())
	require.NoError(t, err)
	obj, ok := s.Type("BlogPost").(*graphql.Object)
	require.True(t, ok)
	assert.Contains(t, obj.Fields(), "author")
	assert.NotContains(t, obj.Fields(), "writer")
}

func TestRebuildKeepsPreviousSchemaOnFailure(t *testing.T) {
	store := &fakeStore{tables: blogTables()}
	cache := NewCache("tenant-a", NewBuilder(store, nil), nil)
	require.Nil(t, cache.Current())

	require.NoError(t, cache.Rebuild(context.Background()))
	first := cache.Current()
	require.NotNil(t, first)

	store.err = errors.New("connection reset")
	err := cache.Rebuild(context.Background())
	var genErr *errspkg.SchemaGenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "tenant-a", genErr.Slot)
	assert.Same(t, first, cache.Current())
	assert.Equal(t, uint64(1), cache.Generation())
}

func TestExecuteReportsBuildFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("down")}
	res := NewCache("default", NewBuilder(store, nil), nil).Execute(context.Background(), `{ _tables }`, nil)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "down")
}

func TestEmptySchemaListsNoTables(t *testing.T) {
	res := NewCache("default", NewBuilder(&fakeStore{}, nil), nil).Execute(context.Background(), `{ _tables }`, nil)
	require.Empty(t, res.Errors)
	assert.Equal(t, map[string]any{"_tables": []any{}}, res.Data)
}

func TestConcurrentReadsDuringRebuild(t *testing.T) {
	store := &fakeStore{tables: blogTables()}
	cache := NewCache("default", NewBuilder(store, nil), nil)
	require.NoError(t, cache.Rebuild(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, cache.Rebuild(context.Background()))
		}()
		go func() {
			defer wg.Done()
			res := cache.Execute(context.Background(), `{ _tables }`, nil)
			assert.Empty(t, res.Errors)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(9), cache.Generation())
}

func TestSelectSQLIgnoresUnknownColumns(t *testing.T) {
	cols := map[string]schema.Column{"a": {Name: "a"}}
	sql, params := selectSQL("m", cols, map[string]any{"a": "x", "evil\"": "y", "b_in": []any{1}}, 0)
	assert.Equal(t, `SELECT * FROM "m" WHERE "a" = $1 ORDER BY "indexed_at" DESC LIMIT 50`, sql)
	assert.Equal(t, []any{"x"}, params)
}

func TestSelectSQLLikeOnlyOnTextColumns(t *testing.T) {
	cols := map[string]schema.Column{
		"title":     {Name: "title", DataType: "text"},
		"owner":     {Name: "owner", DataType: "uuid"},
		"published": {Name: "published", DataType: "timestamp"},
	}
	sql, params := selectSQL("m", cols, map[string]any{
		"title":     "hel%",
		"owner":     "5f0c%",
		"published": "2024%",
	}, 10)
	assert.Equal(t, `SELECT * FROM "m" WHERE "owner" = $1 AND "published" = $2 AND "title" LIKE $3 ORDER BY "indexed_at" DESC LIMIT 10`, sql)
	assert.Equal(t, []any{"5f0c%", "2024%", "hel%"}, params)
}

func TestPascal(t *testing.T) {
	assert.Equal(t, "BlogPost", pascal("blog_post"))
	assert.Equal(t, "T2024Report", pascal("t_2024_report"))
}
