// Package schema persists indexed records into PostgreSQL. Tables are
// provisioned on demand from model definitions and tracked in a registry
// table that maps model ids to human readable names.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/jsoncodec"
	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/stream"
)

const maxNameAttempts = 1000

// Table is a provisioned model table. The physical identifier is the model
// id; Name is the human readable alias accepted by Query.
type Table struct {
	ModelID string `json:"model_id"`
	Name    string `json:"table_name"`
	Title   string `json:"title"`
}

// Options configure an Adapter.
type Options struct {
	Slot           string
	Database       config.Database
	URL            string
	ReaderPassword string
	Source         stream.Source
	Logger         logging.ServiceLogger

	// Namespace is the Postgres schema holding the slot's tables and
	// registry. Empty means the connection's default search path.
	Namespace string
}

// Adapter is the storage layer of one tenant slot.
type Adapter struct {
	slot   string
	admin  conn
	source stream.Source
	logger logging.ServiceLogger

	readerRole     string
	readerPassword string
	openReader     func(ctx context.Context) (conn, error)

	readerMu      sync.Mutex
	reader        conn
	readerRetryAt time.Time
	now           func() time.Time

	mu      sync.RWMutex
	byModel map[string]Table
	byName  map[string]string
	columns map[string]map[string]string

	provisionMu   sync.Mutex
	registryReady bool

	callbackMu sync.RWMutex
	callbacks  []func(ctx context.Context, t Table)
}

// Open connects the admin pool of a slot and loads the registry.
func Open(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Source == nil {
		return nil, errspkg.ErrSourceRequired
	}
	db := opts.Database.WithDefaults()
	url := opts.URL
	if url == "" {
		url = db.URL
	}
	pool, err := openPool(ctx, url, db, opts.Namespace, nil)
	if err != nil {
		return nil, err
	}
	admin := &pgConn{pool: pool}
	if opts.Namespace != "" {
		if err := admin.Exec(ctx, createNamespaceSQL(opts.Namespace)); err != nil {
			admin.Close()
			return nil, fmt.Errorf("create schema %s: %w", opts.Namespace, err)
		}
	}

	a := newAdapter(opts.Slot, admin, opts.Source, opts.Logger)
	a.readerRole = db.ReaderRole
	a.readerPassword = opts.ReaderPassword
	if a.readerPassword == "" {
		a.readerPassword = db.ReaderPassword
	}
	a.openReader = func(ctx context.Context) (conn, error) {
		return openReaderPool(ctx, url, db, opts.Namespace, a.readerRole, a.readerPassword)
	}

	if err := a.LoadMappings(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newAdapter(slot string, admin conn, source stream.Source, logger logging.ServiceLogger) *Adapter {
	if slot == "" {
		slot = config.DefaultSlot
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Adapter{
		slot:    slot,
		now:     time.Now,
		admin:   admin,
		source:  source,
		logger:  logger.With(logging.LogFields{"component": "schema", "slot": slot}),
		byModel: make(map[string]Table),
		byName:  make(map[string]string),
		columns: make(map[string]map[string]string),
	}
}

// Slot returns the tenant slot served by the adapter.
func (a *Adapter) Slot() string { return a.slot }

// Close releases both pools.
func (a *Adapter) Close() {
	a.readerMu.Lock()
	if a.reader != nil {
		a.reader.Close()
		a.reader = nil
	}
	a.readerMu.Unlock()
	a.admin.Close()
}

// OnTableCreated registers fn to run after a table has been provisioned.
func (a *Adapter) OnTableCreated(fn func(ctx context.Context, t Table)) {
	a.callbackMu.Lock()
	defer a.callbackMu.Unlock()
	a.callbacks = append(a.callbacks, fn)
}

func (a *Adapter) notifyCreated(ctx context.Context, t Table) {
	a.callbackMu.RLock()
	callbacks := append([]func(context.Context, Table){}, a.callbacks...)
	a.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(ctx, t)
	}
}

func (a *Adapter) ensureRegistryLocked(ctx context.Context) error {
	if a.registryReady {
		return nil
	}
	if err := a.admin.Exec(ctx, createRegistrySQL); err != nil {
		return fmt.Errorf("create model registry: %w", err)
	}
	a.registryReady = true
	return nil
}

// LoadMappings reads the registry into memory, creating it when missing.
func (a *Adapter) LoadMappings(ctx context.Context) error {
	a.provisionMu.Lock()
	defer a.provisionMu.Unlock()
	if err := a.ensureRegistryLocked(ctx); err != nil {
		return err
	}
	rows, err := a.admin.Rows(ctx, listMappingsSQL)
	if err != nil {
		return fmt.Errorf("load model registry: %w", err)
	}
	for _, row := range rows {
		a.remember(Table{ModelID: str(row["model_id"]), Name: str(row["table_name"]), Title: str(row["title"])})
	}
	return nil
}

// Seed reserves the given model id to table name pairs. Existing mappings
// are kept.
func (a *Adapter) Seed(ctx context.Context, tables map[string]string) error {
	if len(tables) == 0 {
		return nil
	}
	a.provisionMu.Lock()
	defer a.provisionMu.Unlock()
	if err := a.ensureRegistryLocked(ctx); err != nil {
		return err
	}
	modelIDs := make([]string, 0, len(tables))
	for id := range tables {
		modelIDs = append(modelIDs, id)
	}
	sort.Strings(modelIDs)

	var errs []error
	for _, id := range modelIDs {
		if _, ok := a.lookupModel(id); ok {
			continue
		}
		if _, err := a.reserveLocked(ctx, id, tables[id], tables[id], false); err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) remember(t Table) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byModel[t.ModelID] = t
	a.byName[t.Name] = t.ModelID
}

func (a *Adapter) lookupModel(modelID string) (Table, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.byModel[modelID]
	return t, ok
}

// Lookup resolves a human name or a model id to its table.
func (a *Adapter) Lookup(nameOrModel string) (Table, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id, ok := a.byName[nameOrModel]; ok {
		return a.byModel[id], true
	}
	t, ok := a.byModel[nameOrModel]
	return t, ok
}

// Tables lists the known tables sorted by name.
func (a *Adapter) Tables() []Table {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Table, 0, len(a.byModel))
	for _, t := range a.byModel {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// reserveLocked claims a table name for modelID. When suffix is true the
// name gets _2, _3, ... until a free one is found.
func (a *Adapter) reserveLocked(ctx context.Context, modelID, base, title string, suffix bool) (Table, error) {
	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		name := candidateName(base, attempt)
		if name == RegistryTable {
			continue
		}
		rows, err := a.admin.Rows(ctx, reserveNameSQL, modelID, name, title)
		if err != nil {
			return Table{}, err
		}
		if len(rows) == 1 {
			t := Table{ModelID: modelID, Name: str(rows[0]["table_name"]), Title: str(rows[0]["title"])}
			a.remember(t)
			return t, nil
		}

		existing, err := a.admin.Rows(ctx, lookupModelSQL, modelID)
		if err != nil {
			return Table{}, err
		}
		if len(existing) == 1 {
			t := Table{ModelID: modelID, Name: str(existing[0]["table_name"]), Title: str(existing[0]["title"])}
			a.remember(t)
			return t, nil
		}
		if !suffix {
			return Table{}, fmt.Errorf("table name %q is already taken", name)
		}
	}
	return Table{}, fmt.Errorf("no free table name for %q", base)
}

// Provision creates the table of modelID when needed and returns it.
func (a *Adapter) Provision(ctx context.Context, modelID string) (Table, error) {
	a.provisionMu.Lock()
	defer a.provisionMu.Unlock()

	if err := a.ensureRegistryLocked(ctx); err != nil {
		return Table{}, err
	}
	model, err := a.source.GetModel(ctx, modelID)
	if err != nil {
		return Table{}, fmt.Errorf("load model %s: %w", modelID, err)
	}
	if model.ID == "" {
		model.ID = modelID
	}

	t, ok := a.lookupModel(modelID)
	if !ok {
		t, err = a.reserveLocked(ctx, modelID, Slugify(model.Title()), model.Title(), true)
		if err != nil {
			return Table{}, fmt.Errorf("reserve table name for %s: %w", modelID, err)
		}
	}

	if err := a.admin.Exec(ctx, createTableSQL(model)); err != nil {
		return Table{}, fmt.Errorf("create table for %s: %w", modelID, err)
	}
	for _, stmt := range createIndexSQL(modelID) {
		if err := a.admin.Exec(ctx, stmt); err != nil {
			return Table{}, fmt.Errorf("create index for %s: %w", modelID, err)
		}
	}

	a.mu.Lock()
	delete(a.columns, modelID)
	a.mu.Unlock()

	a.logger.Info("Provisioned table", logging.LogFields{"model_id": modelID, "table": t.Name})
	a.notifyCreated(ctx, t)
	return t, nil
}

// columnTypes returns column name to udt name for modelID. An empty result
// means the table does not exist yet.
func (a *Adapter) columnTypes(ctx context.Context, modelID string) (map[string]string, error) {
	a.mu.RLock()
	cached, ok := a.columns[modelID]
	a.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rows, err := a.admin.Rows(ctx, columnsSQL, []string{modelID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make(map[string]string, len(rows))
	for _, row := range rows {
		cols[str(row["column_name"])] = str(row["udt_name"])
	}
	a.mu.Lock()
	a.columns[modelID] = cols
	a.mu.Unlock()
	return cols, nil
}

// Upsert writes record into the table of modelID keyed by stream_id. When
// the table does not exist it is provisioned and the write retried once.
func (a *Adapter) Upsert(ctx context.Context, modelID string, record map[string]any, pluginsData map[string]any) error {
	if modelID == "" {
		return errspkg.ErrModelIDRequired
	}
	if str(record[ColumnStreamID]) == "" {
		return errspkg.ErrStreamIDRequired
	}

	err := a.upsertOnce(ctx, modelID, record, pluginsData)
	if err == nil || !errors.Is(err, errspkg.ErrUnknownTable) {
		return err
	}

	a.mu.Lock()
	delete(a.columns, modelID)
	a.mu.Unlock()

	t, perr := a.Provision(ctx, modelID)
	if perr != nil {
		return &errspkg.ProvisioningError{ModelID: modelID, Err: perr}
	}
	if err := a.upsertOnce(ctx, modelID, record, pluginsData); err != nil {
		return &errspkg.ProvisioningError{ModelID: modelID, Table: t.Name, Err: err}
	}
	return nil
}

func (a *Adapter) upsertOnce(ctx context.Context, modelID string, record map[string]any, pluginsData map[string]any) error {
	cols, err := a.columnTypes(ctx, modelID)
	if err != nil {
		return err
	}
	if cols == nil {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownTable, modelID)
	}
	sql, args, err := buildUpsert(modelID, record, pluginsData, cols)
	if err != nil {
		return err
	}
	return a.admin.Exec(ctx, sql, args...)
}

// buildUpsert renders an INSERT ... ON CONFLICT (stream_id) DO UPDATE for
// the columns of record that exist in cols. String values bound to non-text
// columns are cast from text.
func buildUpsert(modelID string, record map[string]any, pluginsData map[string]any, cols map[string]string) (string, []any, error) {
	values := make(map[string]any, len(record)+1)
	for k, v := range record {
		if k == ColumnModel || k == ColumnIndexedAt {
			continue
		}
		values[k] = v
	}
	if len(pluginsData) > 0 {
		values[ColumnPluginsData] = pluginsData
	}

	names := make([]string, 0, len(values))
	for k := range values {
		if _, ok := cols[k]; ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	updates := make([]string, 0, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		v, err := bindValue(values[name])
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", name, err)
		}
		args[i] = v
		quoted[i] = quoteIdent(name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if udt := cols[name]; udt != "text" && udt != "" {
			if _, isString := v.(string); isString {
				placeholders[i] = fmt.Sprintf("CAST($%d::text AS %s)", i+1, udt)
			}
		}
		if name != ColumnStreamID {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}
	updates = append(updates, quoteIdent(ColumnIndexedAt)+" = now()")

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(modelID),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		quoteIdent(ColumnStreamID),
		strings.Join(updates, ", "),
	)
	return sql, args, nil
}

func bindValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any, []string, []map[string]any:
		return jsoncodec.MarshalString(v)
	default:
		return v, nil
	}
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
