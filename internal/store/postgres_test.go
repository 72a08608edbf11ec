package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"patchmgr/api/internal/overlay"
	"patchmgr/api/internal/overlay/overlaytest"
)

func TestPostgresStoreConformance(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("PATCHMGR_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PATCHMGR_TEST_DATABASE_URL is not set")
	}

	overlaytest.Run(t, func(t *testing.T) overlay.Store {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		db, err := Open(ctx, dsn, 4)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		if err := resetPublicSchema(ctx, db); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
		if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		s := NewPostgresStore(db)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
