package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/indexflow/internal/runtime/config"
)

func TestPoolConfig(t *testing.T) {
	db := config.Database{MaxConns: 3, StatementTimeout: 2 * time.Second}.WithDefaults()

	cfg, err := poolConfig("postgres://indexer@localhost/indexer", db, "", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cfg.MaxConns)
	assert.Equal(t, "2000", cfg.ConnConfig.RuntimeParams["statement_timeout"])
	assert.NotContains(t, cfg.ConnConfig.RuntimeParams, "search_path")

	cfg, err = poolConfig("postgres://indexer@localhost/indexer", db, "indexflow_a", nil)
	require.NoError(t, err)
	assert.Equal(t, `"indexflow_a"`, cfg.ConnConfig.RuntimeParams["search_path"])

	_, err = poolConfig("postgres://%zz", db, "", nil)
	assert.Error(t, err)
}

func TestCreateNamespaceSQL(t *testing.T) {
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "indexflow_a"`, createNamespaceSQL("indexflow_a"))
}
