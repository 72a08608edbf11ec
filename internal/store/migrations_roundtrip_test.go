package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("PATCHMGR_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PATCHMGR_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, 2)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, resetPublicSchema(ctx, db))

	all, err := Migrations(migrationsDir)
	require.NoError(t, err)

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Equal(t, all, applied)
	assertTables(t, ctx, db, true)

	applied, err = ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Empty(t, applied, "second run must be a no-op")

	require.NoError(t, applyDownMigrations(ctx, db, all))
	assertTables(t, ctx, db, false)
	_, err = db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	require.NoError(t, err)

	applied, err = ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Equal(t, all, applied)
	assertTables(t, ctx, db, true)
}

func assertTables(t *testing.T, ctx context.Context, db *sql.DB, want bool) {
	t.Helper()
	for _, table := range []string{"patches", "overlay_entries"} {
		var exists bool
		err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists)
		require.NoError(t, err)
		assert.Equal(t, want, exists, table)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

// applyDownMigrations runs the down file of every up migration, newest first.
func applyDownMigrations(ctx context.Context, db *sql.DB, ups []string) error {
	for i := len(ups) - 1; i >= 0; i-- {
		down := strings.TrimSuffix(ups[i], ".up.sql") + ".down.sql"
		sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, down))
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return err
		}
	}
	return nil
}
