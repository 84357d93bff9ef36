package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
)

var (
	quotedName = regexp.MustCompile(`"([^"]+)"`)
	fromTarget = regexp.MustCompile(`FROM "?([A-Za-z0-9_]+)"?`)
)

type fakeColumn struct {
	name string
	udt  string
}

type fakeStatement struct {
	sql  string
	args []any
}

// fakeConn emulates the statements the adapter issues against Postgres.
type fakeConn struct {
	mu sync.Mutex

	registry []map[string]any
	tables   map[string][]fakeColumn
	rows     map[string][]map[string]any

	execs   []fakeStatement
	queries []fakeStatement

	readOnlyCalls int
	closed        bool

	failInserts bool
	queryResult []map[string]any
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		tables: make(map[string][]fakeColumn),
		rows:   make(map[string][]map[string]any),
	}
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, fakeStatement{sql: sql, args: args})

	switch {
	case strings.HasPrefix(sql, "CREATE TABLE IF NOT EXISTS indexflow_models"):
		return nil
	case strings.HasPrefix(sql, `CREATE TABLE IF NOT EXISTS "`):
		f.createTable(sql)
		return nil
	case strings.HasPrefix(sql, "INSERT INTO "):
		return f.insert(sql, args)
	default:
		return nil
	}
}

func (f *fakeConn) createTable(sql string) {
	name := quotedName.FindStringSubmatch(sql)[1]
	if _, ok := f.tables[name]; ok {
		return
	}
	body := sql[strings.Index(sql, "(\n\t")+3 : strings.LastIndex(sql, "\n)")]
	var cols []fakeColumn
	for _, def := range strings.Split(body, ",\n\t") {
		col := quotedName.FindStringSubmatch(def)[1]
		rest := strings.Fields(def[strings.LastIndex(def, `"`)+1:])
		cols = append(cols, fakeColumn{name: col, udt: udtName(rest[0])})
	}
	f.tables[name] = cols
}

func (f *fakeConn) insert(sql string, args []any) error {
	table := quotedName.FindStringSubmatch(sql)[1]
	if _, ok := f.tables[table]; !ok || f.failInserts {
		return fmt.Errorf("%w: relation %q does not exist", errspkg.ErrUnknownTable, table)
	}
	colList := sql[strings.Index(sql, "(")+1 : strings.Index(sql, ")")]
	row := make(map[string]any)
	for i, m := range quotedName.FindAllStringSubmatch(colList, -1) {
		row[m[1]] = args[i]
	}
	for i, existing := range f.rows[table] {
		if existing[ColumnStreamID] == row[ColumnStreamID] {
			f.rows[table][i] = row
			return nil
		}
	}
	f.rows[table] = append(f.rows[table], row)
	return nil
}

func (f *fakeConn) Rows(_ context.Context, sql string, args ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, fakeStatement{sql: sql, args: args})

	switch sql {
	case reserveNameSQL:
		modelID, name, title := args[0].(string), args[1].(string), args[2].(string)
		for _, row := range f.registry {
			if row["model_id"] == modelID || row["table_name"] == name {
				return nil, nil
			}
		}
		f.registry = append(f.registry, map[string]any{"model_id": modelID, "table_name": name, "title": title})
		return []map[string]any{{"table_name": name, "title": title}}, nil
	case lookupModelSQL:
		for _, row := range f.registry {
			if row["model_id"] == args[0] {
				return []map[string]any{{"table_name": row["table_name"], "title": row["title"]}}, nil
			}
		}
		return nil, nil
	case listMappingsSQL:
		return append([]map[string]any(nil), f.registry...), nil
	case columnsSQL:
		var out []map[string]any
		for _, table := range args[0].([]string) {
			for _, col := range f.tables[table] {
				nullable := "YES"
				if col.name == ColumnStreamID || col.name == ColumnIndexedAt {
					nullable = "NO"
				}
				out = append(out, map[string]any{
					"table_name":  table,
					"column_name": col.name,
					"udt_name":    col.udt,
					"is_nullable": nullable,
				})
			}
		}
		return out, nil
	}

	if m := fromTarget.FindStringSubmatch(sql); m != nil && strings.HasPrefix(sql, "SELECT ") {
		if m[1] == RegistryTable {
			rows := append([]map[string]any(nil), f.registry...)
			if strings.HasPrefix(sql, "SELECT count(*)") {
				return []map[string]any{{"total": int64(len(rows))}}, nil
			}
			if strings.HasPrefix(sql, "SELECT * FROM") {
				return rows, nil
			}
		}
		if stored, ok := f.rows[m[1]]; ok {
			var rows []map[string]any
			for _, row := range stored {
				if len(args) == 1 && row[ColumnContext] != args[0] {
					continue
				}
				rows = append(rows, row)
			}
			if strings.HasPrefix(sql, "SELECT count(*)") {
				return []map[string]any{{"total": int64(len(rows))}}, nil
			}
			if strings.HasPrefix(sql, "SELECT * FROM") {
				return rows, nil
			}
		}
	}
	return f.queryResult, nil
}

func (f *fakeConn) ReadOnly(ctx context.Context, fn func(execer) error) error {
	f.mu.Lock()
	f.readOnlyCalls++
	f.mu.Unlock()
	return fn(f)
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) lastQuery() fakeStatement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func (f *fakeConn) execsWithPrefix(prefix string) []fakeStatement {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeStatement
	for _, e := range f.execs {
		if strings.HasPrefix(e.sql, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func udtName(ddlType string) string {
	switch ddlType {
	case "INTEGER":
		return "int4"
	case "NUMERIC":
		return "numeric"
	case "BOOLEAN":
		return "bool"
	case "JSONB":
		return "jsonb"
	case "DATE":
		return "date"
	case "TIMESTAMP":
		return "timestamp"
	case "TIMESTAMPTZ":
		return "timestamptz"
	case "UUID":
		return "uuid"
	case "BYTEA":
		return "bytea"
	default:
		return "text"
	}
}
