package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("fresh database applies all migrations", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, len(migrations), count)
	})

	t.Run("idempotent - re-running is safe", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))
		require.NoError(t, Migrate(conn))

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, len(migrations), count)
	})

	t.Run("creates all core tables", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		tables := []string{
			"regions", "nodes", "allocations", "units",
			"servers", "cargo", "cargo_containers", "events",
		}
		for _, table := range tables {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "table %s should exist", table)
		}
	})

	t.Run("nil db", func(t *testing.T) {
		assert.EqualError(t, Migrate(nil), "db is nil")
	})
}

func TestValidateMigrations(t *testing.T) {
	require.NoError(t, validateMigrations())
}
