package schema

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5"

	"github.com/drblury/indexflow/internal/runtime/stream"
)

// RegistryTable stores the durable model to table-name mapping.
const RegistryTable = "indexflow_models"

// System columns present on every provisioned table.
const (
	ColumnStreamID    = "stream_id"
	ColumnController  = "controller"
	ColumnContext     = "_metadata_context"
	ColumnPluginsData = "plugins_data"
	ColumnIndexedAt   = "indexed_at"
	ColumnModel       = "model"
)

var systemColumns = map[string]bool{
	ColumnStreamID:    true,
	ColumnController:  true,
	ColumnContext:     true,
	ColumnPluginsData: true,
	ColumnIndexedAt:   true,
	ColumnModel:       true,
}

const createRegistrySQL = `CREATE TABLE IF NOT EXISTS indexflow_models (
	model_id TEXT PRIMARY KEY,
	table_name TEXT NOT NULL UNIQUE,
	title TEXT,
	indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func createNamespaceSQL(namespace string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + quoteIdent(namespace)
}

const (
	reserveNameSQL  = `INSERT INTO indexflow_models (model_id, table_name, title) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING RETURNING table_name, title`
	lookupModelSQL  = `SELECT table_name, title FROM indexflow_models WHERE model_id = $1`
	listMappingsSQL = `SELECT model_id, table_name, title FROM indexflow_models ORDER BY indexed_at, model_id`
	columnsSQL      = `SELECT table_name, column_name, udt_name, is_nullable FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ANY($1) ORDER BY table_name, ordinal_position`
)

// ColumnType maps a model property onto a Postgres column type.
func ColumnType(p stream.Property) string {
	t := p.PrimaryType()
	if t == "string" {
		switch strings.ToLower(p.Format) {
		case "date":
			return "DATE"
		case "date-time", "datetime":
			return "TIMESTAMP"
		case "uuid":
			return "UUID"
		case "binary", "byte":
			return "BYTEA"
		}
	}
	switch t {
	case "string":
		return "TEXT"
	case "integer":
		return "INTEGER"
	case "number":
		return "NUMERIC"
	case "boolean":
		return "BOOLEAN"
	case "object", "array":
		return "JSONB"
	case "date":
		return "DATE"
	case "datetime", "date-time":
		return "TIMESTAMP"
	case "uuid":
		return "UUID"
	case "binary":
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// createTableSQL renders the DDL for model. System columns frame the model
// properties, which appear sorted by name.
func createTableSQL(model stream.Model) string {
	props := model.Schema.Schema.Properties
	names := make([]string, 0, len(props))
	for name := range props {
		if systemColumns[name] || name == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := []string{
		quoteIdent(ColumnStreamID) + " TEXT PRIMARY KEY",
		quoteIdent(ColumnController) + " TEXT",
	}
	for _, name := range names {
		cols = append(cols, quoteIdent(name)+" "+ColumnType(props[name]))
	}
	cols = append(cols,
		quoteIdent(ColumnContext)+" TEXT",
		quoteIdent(ColumnPluginsData)+" JSONB",
		quoteIdent(ColumnIndexedAt)+" TIMESTAMPTZ NOT NULL DEFAULT now()",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdent(model.ID), strings.Join(cols, ",\n\t"))
}

// createIndexSQL renders the secondary indexes. Index names are derived from
// a hash of the model id so they stay within the identifier length limit.
func createIndexSQL(modelID string) []string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(modelID))
	prefix := fmt.Sprintf("idx_%08x", h.Sum32())

	out := make([]string, 0, 3)
	for _, col := range []string{ColumnStreamID, ColumnController, ColumnIndexedAt} {
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(prefix+"_"+col), quoteIdent(modelID), quoteIdent(col)))
	}
	return out
}

// Slugify turns a model title into a lowercase identifier usable as a table
// name and as a query type name.
func Slugify(title string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.TrimRight(b.String(), "_")
	if slug == "" {
		slug = "model"
	}
	if slug[0] >= '0' && slug[0] <= '9' {
		slug = "t_" + slug
	}
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "_")
	}
	return slug
}

func candidateName(base string, attempt int) string {
	if attempt <= 1 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, attempt)
}
