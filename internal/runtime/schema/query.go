package schema

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/logging"
)

// PageSize is the number of rows returned by QueryGlobal.
const PageSize = 100

// ReaderRetryInterval is how long reads stay on the admin pool after the
// reader role or pool could not be set up.
const ReaderRetryInterval = time.Minute

// Page is one page of a table listing.
type Page struct {
	Table    string           `json:"table"`
	Title    string           `json:"title"`
	Rows     []map[string]any `json:"rows"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// Column describes one column of a provisioned table.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// TableSchema is the introspected shape of a table.
type TableSchema struct {
	Table   Table    `json:"table"`
	Columns []Column `json:"columns"`
}

var tableRefPattern = regexp.MustCompile(`(?i)\b(FROM|JOIN)(\s+)("?)([A-Za-z_][A-Za-z0-9_]*)("?)`)

// RewriteTables replaces FROM and JOIN targets that match a known human
// table name with the quoted physical identifier. Names inside string
// literals or subquery aliases are not distinguished.
func (a *Adapter) RewriteTables(sql string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return tableRefPattern.ReplaceAllStringFunc(sql, func(match string) string {
		parts := tableRefPattern.FindStringSubmatch(match)
		name := parts[4]
		if modelID, ok := a.byName[name]; ok {
			return parts[1] + parts[2] + quoteIdent(modelID)
		}
		return match
	})
}

func (a *Adapter) readConn(ctx context.Context) conn {
	if a.readerPassword == "" || a.openReader == nil {
		return a.admin
	}
	a.readerMu.Lock()
	defer a.readerMu.Unlock()
	if a.reader != nil {
		return a.reader
	}
	if a.now().Before(a.readerRetryAt) {
		return a.admin
	}
	if err := a.EnsureReader(ctx); err != nil {
		a.readerRetryAt = a.now().Add(ReaderRetryInterval)
		a.logger.Error("Reader role unavailable, using admin pool read-only", err, logging.LogFields{"retry_in": ReaderRetryInterval.String()})
		return a.admin
	}
	reader, err := a.openReader(ctx)
	if err != nil {
		a.readerRetryAt = a.now().Add(ReaderRetryInterval)
		a.logger.Error("Reader pool unavailable, using admin pool read-only", err, logging.LogFields{"retry_in": ReaderRetryInterval.String()})
		return a.admin
	}
	a.reader = reader
	return reader
}

// Query runs a caller supplied statement after table name rewriting. It is
// always executed inside a READ ONLY transaction.
func (a *Adapter) Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	return a.QueryRaw(ctx, a.RewriteTables(sql), params...)
}

// QueryRaw is Query without table name rewriting. Statements must address
// tables by model id.
func (a *Adapter) QueryRaw(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	var rows []map[string]any
	err := a.readConn(ctx).ReadOnly(ctx, func(tx execer) error {
		var err error
		rows, err = tx.Rows(ctx, sql, params...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// QueryGlobal pages through a table by human name or model id. The registry
// table is listed as well. A contextID other than "" or the global context
// filters on the metadata context column; the global context reads every
// row of the slot.
func (a *Adapter) QueryGlobal(ctx context.Context, table string, page int, orderByIndexedAt bool, contextID string) (Page, error) {
	if page < 1 {
		page = 1
	}

	var (
		physical string
		title    string
		orderBy  string
		where    string
		args     []any
	)
	if table == RegistryTable {
		physical, title = RegistryTable, "Models"
		orderBy = "model_id ASC"
		if orderByIndexedAt {
			orderBy = "indexed_at DESC"
		}
	} else {
		t, ok := a.Lookup(table)
		if !ok {
			return Page{}, fmt.Errorf("%w: %s", errspkg.ErrTableNotFound, table)
		}
		physical, title = t.ModelID, t.Title
		orderBy = quoteIdent(ColumnStreamID) + " ASC"
		if orderByIndexedAt {
			orderBy = quoteIdent(ColumnIndexedAt) + " DESC"
		}
		if contextID != "" && contextID != config.GlobalContext {
			where = " WHERE " + quoteIdent(ColumnContext) + " = $1"
			args = append(args, contextID)
		}
	}

	countSQL := "SELECT count(*) AS total FROM " + quoteIdent(physical) + where
	listSQL := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s LIMIT %d OFFSET %d",
		quoteIdent(physical), where, orderBy, PageSize, (page-1)*PageSize)

	out := Page{Table: table, Title: title, Page: page, PageSize: PageSize}
	err := a.readConn(ctx).ReadOnly(ctx, func(tx execer) error {
		counts, err := tx.Rows(ctx, countSQL, args...)
		if err != nil {
			return err
		}
		if len(counts) == 1 {
			out.Total = toInt64(counts[0]["total"])
		}
		out.Rows, err = tx.Rows(ctx, listSQL, args...)
		return err
	})
	if err != nil {
		return Page{}, err
	}
	if out.Rows == nil {
		out.Rows = []map[string]any{}
	}
	return out, nil
}

// IntrospectSchema returns the columns of every mapped table.
func (a *Adapter) IntrospectSchema(ctx context.Context) ([]TableSchema, error) {
	tables := a.Tables()
	if len(tables) == 0 {
		return nil, nil
	}
	ids := make([]string, len(tables))
	byID := make(map[string]*TableSchema, len(tables))
	out := make([]TableSchema, len(tables))
	for i, t := range tables {
		ids[i] = t.ModelID
		out[i] = TableSchema{Table: t}
		byID[t.ModelID] = &out[i]
	}

	rows, err := a.admin.Rows(ctx, columnsSQL, ids)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		ts, ok := byID[str(row["table_name"])]
		if !ok {
			continue
		}
		ts.Columns = append(ts.Columns, Column{
			Name:     str(row["column_name"]),
			DataType: str(row["udt_name"]),
			Nullable: strings.EqualFold(str(row["is_nullable"]), "YES"),
		})
	}

	present := out[:0]
	for _, ts := range out {
		if len(ts.Columns) > 0 {
			present = append(present, ts)
		}
	}
	sort.Slice(present, func(i, j int) bool { return present[i].Table.Name < present[j].Table.Name })
	return present, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
