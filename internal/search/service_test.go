package search

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchmgr/api/internal/overlay"
	"patchmgr/api/internal/patch"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	docs    map[string]EntryRecord
	err     error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{healthy: true, docs: make(map[string]EntryRecord)}
}

func (f *fakeIndex) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeIndex) Search(q Query, scope []string) ([]Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var hits []Hit
	for _, rec := range f.docs {
		if !slices.Contains(scope, rec.PatchID) {
			continue
		}
		if strings.Contains(rec.Body, q.Text) || strings.Contains(rec.Path, q.Text) {
			hits = append(hits, Hit{PatchID: rec.PatchID, Path: rec.Path, Snippet: rec.Body})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Path+hits[i].PatchID < hits[j].Path+hits[j].PatchID })
	return hits, nil
}

func (f *fakeIndex) Upsert(records []EntryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		f.docs[rec.ID] = rec
	}
	return nil
}

func (f *fakeIndex) Delete(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.docs, id)
	}
	return nil
}

// flush waits for every update queued before it.
func flush(s *Service) {
	done := make(chan struct{})
	s.jobs <- func() { close(done) }
	<-done
}

func fixture(t *testing.T) (*patch.Tree, string) {
	t.Helper()
	ctx := context.Background()
	tr, err := patch.Open(ctx, overlay.NewMemory(), patch.Options{})
	require.NoError(t, err)
	require.NoError(t, tr.SeedRoot(ctx, map[string][]byte{
		"intro.xml":  []byte("<p>The quick brown fox</p>"),
		"legal.xml":  []byte("<p>brown paper contract</p>"),
		"logo.png":   []byte("\x89PNG\x00brown"),
		"readme.txt": []byte("nothing here"),
	}))
	c, err := tr.CreateChild(ctx, "root", "edit")
	require.NoError(t, err)
	require.NoError(t, tr.WritePathContent(ctx, c.ID, "intro.xml", []byte("<p>The slow red fox</p>")))
	require.NoError(t, tr.DeletePath(ctx, c.ID, "legal.xml"))
	require.NoError(t, tr.WritePathContent(ctx, c.ID, "docs/brown.xml", []byte("<p>new</p>")))
	return tr, c.ID
}

func paths(resp Response) []string {
	out := []string{}
	for _, r := range resp.Results {
		out = append(out, r.Path)
	}
	return out
}

func TestScanFallback(t *testing.T) {
	ctx := context.Background()
	tr, c := fixture(t)
	svc := NewService(tr, nil)
	defer svc.Close()

	resp, err := svc.Search(ctx, Query{PatchID: c, Text: "brown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/brown.xml"}, paths(resp))

	resp, err = svc.Search(ctx, Query{PatchID: "root", Text: "BROWN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"intro.xml", "legal.xml"}, paths(resp))
	assert.Equal(t, "root", resp.Results[0].Source)
	assert.Equal(t, "<p>The quick <mark>brown</mark> fox</p>", resp.Results[0].Snippet)

	resp, err = svc.Search(ctx, Query{PatchID: c, Text: "fox"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, c, resp.Results[0].Source)

	_, err = svc.Search(ctx, Query{PatchID: "ghost", Text: "fox"})
	assert.ErrorIs(t, err, patch.ErrNotFound)
}

func TestIndexHitsAreVerified(t *testing.T) {
	ctx := context.Background()
	tr, c := fixture(t)
	idx := newFakeIndex()
	svc := NewService(tr, idx)
	defer svc.Close()
	require.NoError(t, svc.Reindex(ctx))
	assert.Len(t, idx.docs, 6)

	// root's intro.xml and legal.xml still match in the index but are
	// shadowed at the child
	resp, err := svc.Search(ctx, Query{PatchID: c, Text: "brown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/brown.xml"}, paths(resp))

	resp, err = svc.Search(ctx, Query{PatchID: c, Text: "fox"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, c, resp.Results[0].Source)
}

func TestSyncAndForget(t *testing.T) {
	ctx := context.Background()
	tr, c := fixture(t)
	idx := newFakeIndex()
	svc := NewService(tr, idx)
	defer svc.Close()

	svc.SyncPatch(ctx, c)
	flush(svc)
	assert.Contains(t, idx.docs, DocID(c, "intro.xml"))
	assert.NotContains(t, idx.docs, DocID(c, "legal.xml"))

	require.NoError(t, tr.WritePathContent(ctx, c, "intro.xml", nil))
	svc.SyncPatch(ctx, c)
	flush(svc)
	assert.NotContains(t, idx.docs, DocID(c, "intro.xml"))

	svc.Forget(c, []string{"docs/brown.xml"})
	flush(svc)
	assert.Empty(t, idx.docs)
}

func TestIndexErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	tr, c := fixture(t)
	idx := newFakeIndex()
	idx.err = errors.New("boom")
	svc := NewService(tr, idx)
	defer svc.Close()

	resp, err := svc.Search(ctx, Query{PatchID: c, Text: "slow"})
	require.NoError(t, err)
	assert.Equal(t, []string{"intro.xml"}, paths(resp))
}

func TestUnhealthyIndexSkipsUpdates(t *testing.T) {
	ctx := context.Background()
	tr, c := fixture(t)
	idx := newFakeIndex()
	idx.healthy = false
	svc := NewService(tr, idx)
	defer svc.Close()

	svc.SyncPatch(ctx, c)
	flush(svc)
	assert.Empty(t, idx.docs)
}

func TestPage(t *testing.T) {
	results := make([]Result, 5)
	for i := range results {
		results[i].Path = string(rune('a' + i))
	}
	resp := page(Query{Limit: 2, Offset: 1}, results)
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, []string{"b", "c"}, paths(resp))

	resp = page(Query{Offset: 9}, results)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
}

func TestDocID(t *testing.T) {
	assert.Equal(t, DocID("p", "a/b"), DocID("p", "a/b"))
	assert.NotEqual(t, DocID("p", "a/b"), DocID("p/a", "b"))
	assert.Len(t, DocID("p", "x"), 16)
}

func TestBinaryBodiesAreNotIndexed(t *testing.T) {
	rec := newRecord("root", "logo.png", []byte("\x89PNG\x00"))
	assert.Empty(t, rec.Body)
	rec = newRecord("root", "a.txt", []byte(strings.Repeat("x", MaxBodyBytes+10)))
	assert.Len(t, rec.Body, MaxBodyBytes)
}
