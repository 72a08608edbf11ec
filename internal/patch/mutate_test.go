package patch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchmgr/api/internal/overlay"
)

func TestEditMergeScenario(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	seed(t, tr, map[string]string{"a.xml": "R"})

	c1 := child(t, tr, "root")
	write(t, tr, c1, "a.xml", "C1")

	pc, err := tr.GetPathContent(ctx, c1, "a.xml", true)
	require.NoError(t, err)
	require.NotNil(t, pc.Base)
	assert.Equal(t, "R", string(pc.Base.Content))
	assert.Equal(t, "C1", string(pc.Current.Content))

	diffs, err := tr.GetDiff(ctx, c1)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "a.xml", diffs[0].Path)
	assert.Equal(t, Modified, diffs[0].Kind)

	c2 := child(t, tr, c1)
	err = tr.WritePathContent(ctx, c1, "a.xml", []byte("again"))
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, tr.Delete(ctx, c2))
	write(t, tr, c1, "a.xml", "C1")

	require.NoError(t, tr.MergeUp(ctx, c1))
	got, err := tr.ReadFile(ctx, "root", "a.xml")
	require.NoError(t, err)
	assert.Equal(t, "C1", string(got))

	_, err = tr.Load(c1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, tr.Root().Children)
}

func TestWriteEmptyIsTombstone(t *testing.T) {
	ctx := context.Background()
	tr, store := newTree(t, Options{})
	seed(t, tr, map[string]string{"a": "R"})
	c := child(t, tr, "root")
	require.NoError(t, tr.WritePathContent(ctx, c, "a", nil))

	entry, ok, err := store.Get(ctx, c, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Deleted)

	pc, err := tr.GetPathContent(ctx, c, "a", false)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, pc.Current.Status)
}

func TestWriteTouchesModified(t *testing.T) {
	tr, _ := newTree(t, Options{})
	c := child(t, tr, "root")
	before, err := tr.Load(c)
	require.NoError(t, err)
	write(t, tr, c, "a", "x")
	after, err := tr.Load(c)
	require.NoError(t, err)
	assert.False(t, after.Modified.Before(before.Modified))
	assert.Equal(t, before.Created, after.Created)
}

func TestWriteUnknownPatch(t *testing.T) {
	tr, _ := newTree(t, Options{})
	err := tr.WritePathContent(context.Background(), "ghost", "a", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeUpPreservesChildView(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	seed(t, tr, map[string]string{"keep": "k", "edit": "e0", "drop": "d"})
	mid := child(t, tr, "root")
	write(t, tr, mid, "edit", "e1")
	leaf := child(t, tr, mid)
	write(t, tr, leaf, "edit", "e2")
	write(t, tr, leaf, "add", "a")
	require.NoError(t, tr.DeletePath(ctx, leaf, "drop"))

	paths := []string{"keep", "edit", "drop", "add"}
	before := make(map[string]View)
	for _, p := range paths {
		pc, err := tr.GetPathContent(ctx, leaf, p, false)
		require.NoError(t, err)
		before[p] = pc.Current
	}

	require.NoError(t, tr.MergeUp(ctx, leaf))

	for _, p := range paths {
		pc, err := tr.GetPathContent(ctx, mid, p, false)
		require.NoError(t, err)
		assert.Equal(t, before[p].Status, pc.Current.Status, p)
		assert.Equal(t, string(before[p].Content), string(pc.Current.Content), p)
	}

	// the tombstone stays an overlay entry on a non-root parent
	pc, err := tr.GetPathContent(ctx, mid, "drop", false)
	require.NoError(t, err)
	assert.Equal(t, mid, pc.Current.Source)

	pm, err := tr.Load(mid)
	require.NoError(t, err)
	assert.Equal(t, StateEditableLeaf, pm.State)
}

func TestMergeUpIntoRootCollapsesTombstones(t *testing.T) {
	ctx := context.Background()
	tr, store := newTree(t, Options{})
	seed(t, tr, map[string]string{"a": "A", "b": "B"})
	c := child(t, tr, "root")
	require.NoError(t, tr.DeletePath(ctx, c, "b"))
	require.NoError(t, tr.DeletePath(ctx, c, "never"))
	write(t, tr, c, "a", "A2")

	require.NoError(t, tr.MergeUp(ctx, c))

	entries, err := store.Entries(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "A2", string(entries["a"].Content))

	pc, err := tr.GetPathContent(ctx, "root", "b", false)
	require.NoError(t, err)
	assert.Equal(t, StatusMissing, pc.Current.Status)
}

func TestMergeUpPreconditions(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	a := child(t, tr, "root")
	b := child(t, tr, a)

	assert.ErrorIs(t, tr.MergeUp(ctx, "root"), ErrForbidden)
	assert.ErrorIs(t, tr.MergeUp(ctx, a), ErrMergeUnsupported)
	assert.ErrorIs(t, tr.MergeUp(ctx, "ghost"), ErrNotFound)

	_, err := tr.Load(a)
	require.NoError(t, err)
	_, err = tr.Load(b)
	require.NoError(t, err)
}

type failingMerge struct {
	*overlay.Memory
}

func (failingMerge) MergePatch(ctx context.Context, from, into string, collapse bool) error {
	return errors.New("disk full")
}

func TestMergeUpFailureLeavesTreeIntact(t *testing.T) {
	ctx := context.Background()
	mem := overlay.NewMemory()
	tr, err := Open(ctx, failingMerge{mem}, Options{})
	require.NoError(t, err)
	c := child(t, tr, "root")
	write(t, tr, c, "a", "x")

	err = tr.MergeUp(ctx, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	pc, err := tr.Load(c)
	require.NoError(t, err)
	assert.Equal(t, StateEditableLeaf, pc.State)
	got, err := tr.ReadFile(ctx, c, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
	_, err = tr.ReadFile(ctx, "root", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeedRoot(t *testing.T) {
	ctx := context.Background()
	tr, store := newTree(t, Options{})
	seed(t, tr, map[string]string{"a": "1", "b": "2"})
	seed(t, tr, map[string]string{"b": "3", "c": "4"})

	files, err := tr.RootFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"b": []byte("3"), "c": []byte("4")}, files)
	assert.Len(t, tr.List(), 1)

	recs, err := store.Patches(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	err = tr.SeedRoot(ctx, map[string][]byte{"../x": []byte("bad")})
	assert.ErrorIs(t, err, ErrInvalid)

	child(t, tr, "root")
	err = tr.SeedRoot(ctx, map[string][]byte{"a": []byte("1")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestWriteKeepsFilesAndDirectoriesApart(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	seed(t, tr, map[string]string{"index.xml": "i", "docs/a.xml": "a"})
	c := child(t, tr, "root")

	for _, path := range []string{"index.xml/x.xml", "index.xml/deep/x.xml", "docs"} {
		err := tr.WritePathContent(ctx, c, path, []byte("x"))
		assert.ErrorIs(t, err, ErrConflict, path)
	}
	write(t, tr, c, "docs/a.xml", "edited")
	write(t, tr, c, "docs/sub/b.xml", "b")

	require.NoError(t, tr.DeletePath(ctx, c, "docs/a.xml"))
	assert.ErrorIs(t, tr.WritePathContent(ctx, c, "docs", []byte("x")), ErrConflict)
	require.NoError(t, tr.DeletePath(ctx, c, "docs/sub/b.xml"))
	write(t, tr, c, "docs", "now a file")

	paths, err := tr.GetPaths(ctx, c, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "index.xml"}, paths)
	assert.ErrorIs(t, tr.WritePathContent(ctx, c, "docs/a.xml", []byte("x")), ErrConflict)
}
