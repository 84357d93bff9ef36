// Package querygraph synthesizes a GraphQL schema over the provisioned
// tables of one slot.
package querygraph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/jackc/pgx/v5"

	"github.com/drblury/indexflow/internal/runtime/config"
	"github.com/drblury/indexflow/internal/runtime/schema"
)

// MaxLimit caps the rows returned by a root field.
const MaxLimit = 50

var fieldNamePattern = regexp.MustCompile(`^[_A-Za-z][_0-9A-Za-z]*$`)

// Store is the read side of a schema adapter.
type Store interface {
	IntrospectSchema(ctx context.Context) ([]schema.TableSchema, error)
	QueryRaw(ctx context.Context, sql string, params ...any) ([]map[string]any, error)
}

// RelationSource returns the declared relations keyed by model id.
type RelationSource func() map[string][]config.Relation

// Builder renders a schema from live table metadata.
type Builder struct {
	store     Store
	relations RelationSource
}

func NewBuilder(store Store, relations RelationSource) *Builder {
	if relations == nil {
		relations = func() map[string][]config.Relation { return nil }
	}
	return &Builder{store: store, relations: relations}
}

type tableType struct {
	schema.TableSchema
	typeName string
	object   *graphql.Object
	columns  map[string]schema.Column
}

// Build introspects the store and returns a fresh schema.
func (b *Builder) Build(ctx context.Context) (*graphql.Schema, error) {
	tables, err := b.store.IntrospectSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}

	byKey := make(map[string]*tableType, len(tables)*2)
	ordered := make([]*tableType, 0, len(tables))
	usedTypes := map[string]bool{"Query": true, "JSON": true}
	for _, ts := range tables {
		if !fieldNamePattern.MatchString(ts.Table.Name) {
			continue
		}
		tt := &tableType{
			TableSchema: ts,
			typeName:    uniqueTypeName(pascal(ts.Table.Name), usedTypes),
			columns:     make(map[string]schema.Column, len(ts.Columns)),
		}
		for _, c := range ts.Columns {
			tt.columns[c.Name] = c
		}
		byKey[ts.Table.Name] = tt
		byKey[ts.Table.ModelID] = tt
		ordered = append(ordered, tt)
	}

	relations := b.relations()
	for _, tt := range ordered {
		tt.object = graphql.NewObject(graphql.ObjectConfig{
			Name:   tt.typeName,
			Fields: b.objectFields(tt, relations[tt.Table.ModelID], byKey),
		})
	}

	root := graphql.Fields{
		"_tables": &graphql.Field{
			Type:        graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String))),
			Description: "Names of the queryable tables.",
			Resolve: func(graphql.ResolveParams) (any, error) {
				names := make([]string, len(ordered))
				for i, tt := range ordered {
					names[i] = tt.Table.Name
				}
				return names, nil
			},
		},
	}
	for _, tt := range ordered {
		root[tt.Table.Name] = b.rootField(tt)
	}

	s, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: root}),
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *Builder) objectFields(tt *tableType, relations []config.Relation, byKey map[string]*tableType) graphql.FieldsThunk {
	return func() graphql.Fields {
		fields := graphql.Fields{}
		for _, c := range tt.Columns {
			if !fieldNamePattern.MatchString(c.Name) || strings.HasPrefix(c.Name, "__") {
				continue
			}
			fields[c.Name] = &graphql.Field{Type: outputType(c.DataType)}
		}
		for _, rel := range relations {
			target, ok := byKey[rel.ReferencedTable]
			if !ok || !fieldNamePattern.MatchString(rel.ReferenceName) {
				continue
			}
			if _, exists := fields[rel.ReferenceName]; exists {
				continue
			}
			if _, ok := tt.columns[rel.Column]; !ok {
				continue
			}
			if _, ok := target.columns[rel.ReferencedColumn]; !ok {
				continue
			}
			fields[rel.ReferenceName] = b.relationField(rel, target)
		}
		return fields
	}
}

// relationField resolves one row of target per parent row.
func (b *Builder) relationField(rel config.Relation, target *tableType) *graphql.Field {
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 LIMIT 1",
		pgx.Identifier{target.Table.ModelID}.Sanitize(),
		pgx.Identifier{rel.ReferencedColumn}.Sanitize())
	return &graphql.Field{
		Type: target.object,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			parent, ok := p.Source.(map[string]any)
			if !ok {
				return nil, nil
			}
			key, ok := parent[rel.Column]
			if !ok || key == nil {
				return nil, nil
			}
			rows, err := b.store.QueryRaw(p.Context, sql, key)
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return nil, nil
			}
			return rows[0], nil
		},
	}
}

func (b *Builder) rootField(tt *tableType) *graphql.Field {
	filterFields := graphql.InputObjectConfigFieldMap{}
	for _, c := range tt.Columns {
		if !fieldNamePattern.MatchString(c.Name) || strings.HasPrefix(c.Name, "__") {
			continue
		}
		scalar := filterType(c.DataType)
		if scalar == nil {
			continue
		}
		filterFields[c.Name] = &graphql.InputObjectFieldConfig{Type: scalar}
		filterFields[c.Name+"_in"] = &graphql.InputObjectFieldConfig{Type: graphql.NewList(scalar)}
	}

	args := graphql.FieldConfigArgument{
		"limit": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: MaxLimit},
	}
	if len(filterFields) > 0 {
		args["filter"] = &graphql.ArgumentConfig{
			Type: graphql.NewInputObject(graphql.InputObjectConfig{
				Name:   tt.typeName + "Filter",
				Fields: filterFields,
			}),
		}
	}

	return &graphql.Field{
		Type:        graphql.NewList(tt.object),
		Description: tt.Table.Title,
		Args:        args,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			filter, _ := p.Args["filter"].(map[string]any)
			limit, _ := p.Args["limit"].(int)
			sql, params := selectSQL(tt.Table.ModelID, tt.columns, filter, limit)
			return b.store.QueryRaw(p.Context, sql, params...)
		},
	}
}

// selectSQL renders the root query of a table. Keys ending in _in match
// with = ANY, strings containing % use LIKE on text columns and everything
// else equality.
func selectSQL(modelID string, columns map[string]schema.Column, filter map[string]any, limit int) (string, []any) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		clauses []string
		params  []any
	)
	for _, key := range keys {
		value := filter[key]
		if value == nil {
			continue
		}
		column := key
		op := "="
		list, isList := value.([]any)
		if isList {
			column = strings.TrimSuffix(key, "_in")
			op = "= ANY"
			value = list
		}
		col, ok := columns[column]
		if !ok {
			continue
		}
		if s, ok := value.(string); ok && !isList && strings.Contains(s, "%") && isText(col.DataType) {
			op = "LIKE"
		}
		params = append(params, value)
		placeholder := fmt.Sprintf("$%d", len(params))
		if op == "= ANY" {
			placeholder = "(" + placeholder + ")"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", pgx.Identifier{column}.Sanitize(), op, placeholder))
	}

	sql := "SELECT * FROM " + pgx.Identifier{modelID}.Sanitize()
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY %s DESC LIMIT %d", pgx.Identifier{schema.ColumnIndexedAt}.Sanitize(), limit)
	return sql, params
}

func outputType(udt string) graphql.Output {
	switch udt {
	case "json", "jsonb":
		return JSON
	default:
		return filterType(udt)
	}
}

// filterType maps a Postgres udt name onto a scalar. Structured columns
// cannot be filtered and return nil.
func filterType(udt string) *graphql.Scalar {
	switch udt {
	case "int2", "int4", "int8":
		return graphql.Int
	case "numeric", "float4", "float8":
		return graphql.Float
	case "bool":
		return graphql.Boolean
	case "json", "jsonb":
		return nil
	default:
		return graphql.String
	}
}

func isText(udt string) bool {
	switch udt {
	case "text", "varchar", "bpchar":
		return true
	default:
		return false
	}
}

func pascal(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' {
			upper = true
			continue
		}
		if upper && r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper = false
		b.WriteRune(r)
	}
	if b.Len() == 0 || (name[0] >= '0' && name[0] <= '9') {
		return "T" + b.String()
	}
	return b.String()
}

func uniqueTypeName(base string, used map[string]bool) string {
	name := base
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s%d", base, i)
	}
	used[name] = true
	return name
}
