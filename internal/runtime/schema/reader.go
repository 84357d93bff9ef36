package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/drblury/indexflow/internal/runtime/config"
)

const dollarTag = "$indexflow$"

// ensureReaderSQL creates the login role and grants it read access to the
// current schema, including tables created later.
func ensureReaderSQL(role, password string) (string, error) {
	if !isPlainIdentifier(role) {
		return "", fmt.Errorf("reader role %q is not a plain identifier", role)
	}
	if strings.Contains(password, dollarTag) {
		return "", fmt.Errorf("reader password contains %s", dollarTag)
	}
	ident := quoteIdent(role)
	return fmt.Sprintf(`DO %[1]s
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = %[2]s) THEN
		CREATE ROLE %[3]s LOGIN PASSWORD %[4]s;
	END IF;
	EXECUTE format('GRANT CONNECT ON DATABASE %%I TO %%I', current_database(), %[2]s);
	EXECUTE format('GRANT USAGE ON SCHEMA %%I TO %%I', current_schema(), %[2]s);
	EXECUTE format('GRANT SELECT ON ALL TABLES IN SCHEMA %%I TO %%I', current_schema(), %[2]s);
	EXECUTE format('ALTER DEFAULT PRIVILEGES IN SCHEMA %%I GRANT SELECT ON TABLES TO %%I', current_schema(), %[2]s);
END
%[1]s`, dollarTag, pq.QuoteLiteral(role), ident, pq.QuoteLiteral(password)), nil
}

// EnsureReader provisions the least-privilege reader role. Without a
// configured password it does nothing.
func (a *Adapter) EnsureReader(ctx context.Context) error {
	if a.readerPassword == "" {
		return nil
	}
	stmt, err := ensureReaderSQL(a.readerRole, a.readerPassword)
	if err != nil {
		return err
	}
	if err := a.admin.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("provision reader role %s: %w", a.readerRole, err)
	}
	return nil
}

func openReaderPool(ctx context.Context, url string, db config.Database, namespace, role, password string) (conn, error) {
	pool, err := openPool(ctx, url, db, namespace, func(cfg *pgxpool.Config) {
		cfg.ConnConfig.User = role
		cfg.ConnConfig.Password = password
		cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	})
	if err != nil {
		return nil, err
	}
	return &pgConn{pool: pool}, nil
}

func isPlainIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
