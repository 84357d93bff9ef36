package schema

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
)

const (
	sqlStateUndefinedTable = "42P01"
	sqlStateReadOnly       = "25006"
)

// execer runs statements. Rows materialises the whole result, releasing the
// connection before returning.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Rows(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
}

// conn is a pooled connection source.
type conn interface {
	execer
	// ReadOnly runs fn inside a READ ONLY transaction.
	ReadOnly(ctx context.Context, fn func(execer) error) error
	Close()
}

type pgConn struct {
	pool *pgxpool.Pool
}

type pgTx struct {
	tx pgx.Tx
}

// poolConfig parses url into a bounded pool config. A non-empty namespace
// becomes the only schema on the search path. mutate may adjust the result.
func poolConfig(url string, db config.Database, namespace string, mutate func(*pgxpool.Config)) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = db.MaxConns
	cfg.MaxConnIdleTime = db.IdleTimeout
	cfg.ConnConfig.ConnectTimeout = db.ConnectTimeout
	cfg.ConnConfig.RuntimeParams["application_name"] = "indexflow"
	if db.StatementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(db.StatementTimeout.Milliseconds(), 10)
	}
	if namespace != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = quoteIdent(namespace)
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg, nil
}

// openPool connects a pool built by poolConfig.
func openPool(ctx context.Context, url string, db config.Database, namespace string, mutate func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(url, db, namespace, mutate)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, db.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, &errspkg.ConnectionError{Op: "connect", Err: err}
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, &errspkg.ConnectionError{Op: "ping", Err: err}
	}
	return pool, nil
}

func (c *pgConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.pool.Exec(ctx, sql, args...)
	return translate("exec", err)
}

func (c *pgConn) Rows(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return collect(ctx, c.pool, sql, args...)
}

func (c *pgConn) ReadOnly(ctx context.Context, fn func(execer) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return translate("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return translate("commit", tx.Commit(ctx))
}

func (c *pgConn) Close() {
	c.pool.Close()
}

func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return translate("exec", err)
}

func (t *pgTx) Rows(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return collect(ctx, t.tx, sql, args...)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func collect(ctx context.Context, q queryer, sql string, args ...any) ([]map[string]any, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("query", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, translate("query", err)
	}
	for _, row := range out {
		for k, v := range row {
			row[k] = normalizeValue(v)
		}
	}
	return out, nil
}

// translate maps driver errors onto the error taxonomy. SQL errors other
// than an undefined table are returned untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == sqlStateUndefinedTable {
			return fmt.Errorf("%w: %s", errspkg.ErrUnknownTable, pgErr.Message)
		}
		return err
	}
	return &errspkg.ConnectionError{Op: op, Err: err}
}

// IsReadOnlyViolation reports whether err was raised by a write inside a
// read-only transaction.
func IsReadOnlyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateReadOnly
}

// normalizeValue turns driver types into JSON friendly values.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(t).String()
	default:
		return v
	}
}
