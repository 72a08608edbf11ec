package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"patchmgr/api/internal/overlay"
)

const uniqueViolation = "23505"

// PostgresStore is the overlay.Store used in shared deployments. Renames
// rely on ON UPDATE CASCADE to carry entries and children along.
type PostgresStore struct {
	db *sql.DB
}

var _ overlay.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) Patches(ctx context.Context) ([]overlay.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, title, created_at, modified_at
		FROM patches
	`)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()

	items := make([]overlay.Record, 0)
	for rows.Next() {
		var item overlay.Record
		var parent sql.NullString
		if err := rows.Scan(&item.ID, &parent, &item.Title, &item.Created, &item.Modified); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		item.Parent = parent.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patches: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreatePatch(ctx context.Context, rec overlay.Record) error {
	parent := sql.NullString{String: rec.Parent, Valid: rec.Parent != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patches (id, parent_id, title, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, parent, rec.Title, rec.Created, rec.Modified)
	if isUniqueViolation(err) {
		return overlay.ErrPatchExists
	}
	if err != nil {
		return fmt.Errorf("insert patch: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenamePatch(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE patches SET id=$2 WHERE id=$1`, oldID, newID)
	if isUniqueViolation(err) {
		return overlay.ErrPatchExists
	}
	if err != nil {
		return fmt.Errorf("rename patch: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DropPatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patches WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete patch: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE patches SET title=$2 WHERE id=$1`, id, title)
	if err != nil {
		return fmt.Errorf("set patch title: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return overlay.ErrPatchNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id, path string) (overlay.Entry, bool, error) {
	var content []byte
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT content, deleted FROM overlay_entries WHERE patch_id=$1 AND path=$2
	`, id, path).Scan(&content, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return overlay.Entry{}, false, nil
	}
	if err != nil {
		return overlay.Entry{}, false, fmt.Errorf("get entry: %w", err)
	}
	if deleted {
		return overlay.Tombstone(), true, nil
	}
	return overlay.Content(content), true, nil
}

func (s *PostgresStore) Put(ctx context.Context, id, path string, entry overlay.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE patches SET modified_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("touch patch: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	var content []byte
	if !entry.Deleted {
		content = entry.Content
		if content == nil {
			content = []byte{}
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO overlay_entries (patch_id, path, content, deleted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patch_id, path) DO UPDATE SET content=EXCLUDED.content, deleted=EXCLUDED.deleted
	`, id, path, content, entry.Deleted); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (s *PostgresStore) Entries(ctx context.Context, id string) (map[string]overlay.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content, deleted FROM overlay_entries WHERE patch_id=$1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make(map[string]overlay.Entry)
	for rows.Next() {
		var path string
		var content []byte
		var deleted bool
		if err := rows.Scan(&path, &content, &deleted); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if deleted {
			items[path] = overlay.Tombstone()
		} else {
			items[path] = overlay.Content(content)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MergePatch(ctx context.Context, from, into string, collapse bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var found int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (SELECT id FROM patches WHERE id IN ($1, $2) FOR UPDATE) locked
	`, from, into).Scan(&found); err != nil {
		return fmt.Errorf("lock patches: %w", err)
	}
	if found != 2 {
		return overlay.ErrPatchNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO overlay_entries (patch_id, path, content, deleted)
		SELECT $2, path, content, deleted FROM overlay_entries
		WHERE patch_id=$1 AND NOT ($3 AND deleted)
		ON CONFLICT (patch_id, path) DO UPDATE SET content=EXCLUDED.content, deleted=EXCLUDED.deleted
	`, from, into, collapse); err != nil {
		return fmt.Errorf("copy entries: %w", err)
	}

	if collapse {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM overlay_entries target
			USING overlay_entries source
			WHERE source.patch_id=$1 AND source.deleted
			  AND target.patch_id=$2 AND target.path=source.path
		`, from, into); err != nil {
			return fmt.Errorf("apply tombstones: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE patches SET modified_at=NOW() WHERE id=$1`, into); err != nil {
		return fmt.Errorf("touch patch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM patches WHERE id=$1`, from); err != nil {
		return fmt.Errorf("drop merged patch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
