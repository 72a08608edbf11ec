package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrderedAndReversible(t *testing.T) {
	ups, err := Migrations(migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, ups, "no migrations discovered")

	pattern := regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.up\.sql$`)
	seen := map[string]string{}
	for _, up := range ups {
		match := pattern.FindStringSubmatch(up)
		require.NotNil(t, match, "%s does not follow NNNN_name.up.sql", up)
		if prev, dup := seen[match[1]]; dup {
			t.Fatalf("version %s used by %s and %s", match[1], prev, up)
		}
		seen[match[1]] = up

		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := os.Stat(filepath.Join(migrationsDir, down))
		assert.NoError(t, err, "%s has no down file", up)
	}
}

func TestMigrationsCreateOverlaySchema(t *testing.T) {
	ups, err := Migrations(migrationsDir)
	require.NoError(t, err)

	var schema strings.Builder
	for _, up := range ups {
		raw, err := os.ReadFile(filepath.Join(migrationsDir, up))
		require.NoError(t, err)
		schema.Write(raw)
	}
	for _, table := range []string{"patches", "overlay_entries"} {
		assert.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestMigrationsMissingDir(t *testing.T) {
	_, err := Migrations(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
