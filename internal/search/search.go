package search

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"patchmgr/api/internal/patch"
)

// Result is a single search hit returned to the caller. Source is the patch
// whose overlay entry supplies the matched content.
type Result struct {
	PatchID string `json:"patchId"`
	Path    string `json:"path"`
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
}

// Query describes a search request scoped to one patch's effective view.
type Query struct {
	PatchID string
	Text    string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Hit is a raw index match. It names the overlay entry that matched, which
// may since have been shadowed by a nearer patch.
type Hit struct {
	PatchID string
	Path    string
	Snippet string
}

// Index is an external full-text index of overlay entries.
type Index interface {
	Healthy() bool
	Search(q Query, scope []string) ([]Hit, error)
	Upsert(records []EntryRecord) error
	Delete(ids []string) error
}

// Tree is the part of the patch tree search reads from.
type Tree interface {
	List() []patch.Patch
	Ancestors(id string) ([]string, error)
	Files(ctx context.Context, id string) (map[string]patch.View, error)
	Overlay(ctx context.Context, id string) (map[string]patch.View, error)
	GetPathContent(ctx context.Context, id, path string, wantBase bool) (patch.PathContent, error)
}

// EntryRecord is the data we index for one overlay entry.
type EntryRecord struct {
	ID      string `json:"id"`
	PatchID string `json:"patchId"`
	Path    string `json:"path"`
	Body    string `json:"body"`
}

// MaxBodyBytes caps how much of a file is sent to the index.
const MaxBodyBytes = 64 << 10

// DocID is the index primary key for the entry at (patchID, path).
func DocID(patchID, path string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(patchID+"\x00"+path))
}

func newRecord(patchID, path string, content []byte) EntryRecord {
	rec := EntryRecord{ID: DocID(patchID, path), PatchID: patchID, Path: path}
	if textual(content) {
		body := content
		if len(body) > MaxBodyBytes {
			body = body[:MaxBodyBytes]
		}
		rec.Body = string(body)
	}
	return rec
}
