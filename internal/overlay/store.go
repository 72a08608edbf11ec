// Package overlay persists patch records and their per-path overlay entries.
//
// A Store knows nothing about ancestry beyond the parent id it is asked to
// record; resolution and tree invariants live in package patch.
package overlay

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPatchExists   = errors.New("overlay: patch already exists")
	ErrPatchNotFound = errors.New("overlay: patch not found")
)

// Record is the persisted form of a patch node.
type Record struct {
	ID       string    `json:"id"`
	Parent   string    `json:"parent,omitempty"`
	Title    string    `json:"title"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Store is implemented by every overlay backend.
type Store interface {
	// Patches returns every stored record in no particular order.
	Patches(ctx context.Context) ([]Record, error)
	// CreatePatch stores a new record with no entries.
	CreatePatch(ctx context.Context, rec Record) error
	// RenamePatch moves the record and its entries to newID and re-points
	// records whose parent was oldID.
	RenamePatch(ctx context.Context, oldID, newID string) error
	// DropPatch removes the record and all of its entries.
	DropPatch(ctx context.Context, id string) error
	// SetTitle replaces the record's title. Modified is left alone.
	SetTitle(ctx context.Context, id, title string) error

	Get(ctx context.Context, id, path string) (Entry, bool, error)
	// Put stores a single entry atomically and bumps the record's Modified.
	Put(ctx context.Context, id, path string, entry Entry) error
	Entries(ctx context.Context, id string) (map[string]Entry, error)

	// MergePatch writes every entry of from onto into and drops from, as one
	// atomic step. With collapse set, tombstones delete the target's entry
	// instead of being stored.
	MergePatch(ctx context.Context, from, into string, collapse bool) error

	Ping(ctx context.Context) error
	Close() error
}

// applyMerge folds src onto dst the way MergePatch defines it.
func applyMerge(dst, src map[string]Entry, collapse bool) {
	for path, entry := range src {
		if collapse && entry.Deleted {
			delete(dst, path)
			continue
		}
		dst[path] = entry.Clone()
	}
}
