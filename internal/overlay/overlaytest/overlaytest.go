// Package overlaytest holds the behaviour every overlay.Store must share.
package overlaytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchmgr/api/internal/overlay"
)

// Factory returns an empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) overlay.Store

func Run(t *testing.T, open Factory) {
	t.Run("CreateAndList", func(t *testing.T) { testCreateAndList(t, open(t)) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, open(t)) })
	t.Run("PutBumpsModified", func(t *testing.T) { testPutBumpsModified(t, open(t)) })
	t.Run("Rename", func(t *testing.T) { testRename(t, open(t)) })
	t.Run("Drop", func(t *testing.T) { testDrop(t, open(t)) })
	t.Run("SetTitle", func(t *testing.T) { testSetTitle(t, open(t)) })
	t.Run("Merge", func(t *testing.T) { testMerge(t, open(t), false) })
	t.Run("MergeCollapse", func(t *testing.T) { testMerge(t, open(t), true) })
	t.Run("ConcurrentPuts", func(t *testing.T) { testConcurrentPuts(t, open(t)) })
}

func rec(id, parent string) overlay.Record {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return overlay.Record{ID: id, Parent: parent, Title: "title " + id, Created: at, Modified: at}
}

func ids(t *testing.T, s overlay.Store) []string {
	t.Helper()
	recs, err := s.Patches(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	sort.Strings(out)
	return out
}

func testCreateAndList(t *testing.T, s overlay.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePatch(ctx, rec("root", "")))
	require.NoError(t, s.CreatePatch(ctx, rec("p1", "root")))
	assert.ErrorIs(t, s.CreatePatch(ctx, rec("p1", "root")), overlay.ErrPatchExists)
	assert.Equal(t, []string{"p1", "root"}, ids(t, s))

	recs, err := s.Patches(ctx)
	require.NoError(t, err)
	for _, r := range recs {
		if r.ID == "p1" {
			assert.Equal(t, "root", r.Parent)
			assert.Equal(t, "title p1", r.Title)
		}
	}
	require.NoError(t, s.Ping(ctx))
}

func testPutGet(t *testing.T, s overlay.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePatch(ctx, rec("root", "")))

	_, ok, err := s.Get(ctx, "root", "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "root", "a.txt", overlay.Content([]byte("hello"))))
	require.NoError(t, s.Put(ctx, "root", "dir/b.txt", overlay.Tombstone()))

	got, ok, err := s.Get(ctx, "root", "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got.Content))
	assert.False(t, got.Deleted)

	got, ok, err = s.Get(ctx, "root", "dir/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Deleted)

	all, err := s.Entries(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.Put(ctx, "missing", "a.txt", overlay.Content(nil)), overlay.ErrPatchNotFound)
}

func testPutBumpsModified(t *testing.T, s overlay.Store) {
	ctx := context.Background()
	r := rec("root", "")
	require.NoError(t, s.CreatePatch(ctx, r))
	require.NoError(t, s.CreatePatch(ctx, rec("p", "root")))
	require.NoError(t, s.Put(ctx, "p", "a", overlay.Content([]byte("x"))))

	modified := func(id string) time.Time {
		recs, err := s.Patches(ctx)
		require.NoError(t, err)
		for _, got := range recs {
			if got.ID == id {
				return got.Modified
			}
		}
		t.Fatalf("patch %s not listed", id)
		return time.Time{}
	}
	touched := modified("p")
	assert.True(t, touched.After(r.Modified))
	assert.True(t, modified("root").Equal(r.Modified))

	require.NoError(t, s.SetTitle(ctx, "p", "retitled"))
	assert.True(t, modified("p").Equal(touched))

	require.NoError(t, s.RenamePatch(ctx, "p", "q"))
	assert.True(t, modified("q").Equal(touched))

	require.NoError(t, s.MergePatch(ctx, "q", "root", false))
	assert.True(t, modified("root").After(r.Modified))
}

func testSetTitle(t *testing.T, s overlay.Store) {
	ctx := context.Background()
	r := rec("root", "")
	require.NoError(t, s.CreatePatch(ctx, r))
	require.NoError(t, s.SetTitle(ctx, "root", "Published baseline"))

	recs, err := s.Patches(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Published baseline", recs[0].Title)
	assert.True(t, recs[0].Modified.Equal(r.Modified))

	assert.ErrorIs(t, s.SetTitle(ctx, "missing", "x"), overlay.ErrPatchNotFound)
}

func testRename(t *testing.T, s overlay.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePatch(ctx, rec("root", "")))
	require.NoError(t, s.CreatePatch(ctx, rec("mid", "root")))
	require.NoError(t, s.CreatePatch(ctx, rec("leaf", "mid")))
	require.NoError(t, s.Put(ctx, "mid", "a", overlay.Content([]byte("A"))))

	require.NoError(t, s.RenamePatch(ctx, "mid", "middle"))
	assert.Equal(t, []string{"leaf", "middle", "root"}, ids(t, s))

	got, ok, err := s.Get(ctx, "middle", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", string(got.Content))

	_, ok, err = s.Get(ctx, "mid", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := s.Patches(ctx)
	require.NoError(t, err)
	for _, r := range recs {
		if r.ID == "leaf" {
			assert.Equal(t, "middle", r.Parent)
		}
	}

	assert.ErrorIs(t, s.RenamePatch(ctx, "leaf", "root"), overlay.ErrPatchExists)
	assert.ErrorIs(t, s.RenamePatch(ctx, "nope", "x"), overlay.ErrPatchNotFound)
}

func testDrop(t *testing.T, s overlay.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePatch(ctx, rec("root", "")))
	require.NoError(t, s.CreatePatch(ctx, rec("p", "root")))
	require.NoError(t, s.Put(ctx, "p", "a", overlay.Content([]byte("A"))))

	require.NoError(t, s.DropPatch(ctx, "p"))
	assert.Equal(t, []string{"root"}, ids(t, s))
	all, err := s.Entries(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.ErrorIs(t, s.DropPatch(ctx, "p"), overlay.ErrPatchNotFound)
}

func testMerge(t *testing.T, s overlay.Store, collapse bool) {
	ctx := context.Background()
	require.NoError(t, s.CreatePatch(ctx, rec("root", "")))
	require.NoError(t, s.CreatePatch(ctx, rec("p", "root")))
	require.NoError(t, s.Put(ctx, "root", "keep", overlay.Content([]byte("K"))))
	require.NoError(t, s.Put(ctx, "root", "gone", overlay.Content([]byte("G"))))
	require.NoError(t, s.Put(ctx, "root", "edit", overlay.Content([]byte("old"))))
	require.NoError(t, s.Put(ctx, "p", "gone", overlay.Tombstone()))
	require.NoError(t, s.Put(ctx, "p", "edit", overlay.Content([]byte("new"))))
	require.NoError(t, s.Put(ctx, "p", "added", overlay.Content([]byte("+"))))

	require.NoError(t, s.MergePatch(ctx, "p", "root", collapse))
	assert.Equal(t, []string{"root"}, ids(t, s))

	all, err := s.Entries(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "K", string(all["keep"].Content))
	assert.Equal(t, "new", string(all["edit"].Content))
	assert.Equal(t, "+", string(all["added"].Content))
	gone, ok := all["gone"]
	if collapse {
		assert.False(t, ok)
	} else {
		assert.True(t, ok)
		assert.True(t, gone.Deleted)
	}

	left, err := s.Entries(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.ErrorIs(t, s.MergePatch(ctx, "p", "root", collapse), overlay.ErrPatchNotFound)
}

func testConcurrentPuts(t *testing.T, s overlay.Store) {
	ctx := context.Background()
	patches := []string{"root", "a", "b", "c"}
	require.NoError(t, s.CreatePatch(ctx, rec("root", "")))
	for _, id := range patches[1:] {
		require.NoError(t, s.CreatePatch(ctx, rec(id, "root")))
	}

	const writers = 64
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := patches[i%len(patches)]
			path := fmt.Sprintf("dir/f%02d.xml", i)
			errs <- s.Put(ctx, id, path, overlay.Content([]byte(path)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range patches {
		all, err := s.Entries(ctx, id)
		require.NoError(t, err)
		assert.Len(t, all, writers/len(patches), id)
		for path, entry := range all {
			assert.Equal(t, path, string(entry.Content))
		}
	}
}
