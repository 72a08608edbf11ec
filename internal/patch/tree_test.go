package patch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchmgr/api/internal/overlay"
)

func newTree(t *testing.T, opts Options) (*Tree, *overlay.Memory) {
	t.Helper()
	store := overlay.NewMemory()
	tr, err := Open(context.Background(), store, opts)
	require.NoError(t, err)
	seq := 0
	tr.newID = func() string {
		seq++
		return fmt.Sprintf("p%d", seq)
	}
	return tr, store
}

func seed(t *testing.T, tr *Tree, files map[string]string) {
	t.Helper()
	raw := make(map[string][]byte, len(files))
	for k, v := range files {
		raw[k] = []byte(v)
	}
	require.NoError(t, tr.SeedRoot(context.Background(), raw))
}

func child(t *testing.T, tr *Tree, parent string) string {
	t.Helper()
	p, err := tr.CreateChild(context.Background(), parent, "")
	require.NoError(t, err)
	return p.ID
}

func write(t *testing.T, tr *Tree, id, path, content string) {
	t.Helper()
	require.NoError(t, tr.WritePathContent(context.Background(), id, path, []byte(content)))
}

func TestOpenCreatesRoot(t *testing.T) {
	tr, store := newTree(t, Options{RootID: "main"})
	root := tr.Root()
	assert.Equal(t, "main", root.ID)
	assert.Equal(t, KindRoot, root.Kind)
	assert.Equal(t, StateRoot, root.State)
	assert.True(t, root.ReadOnly)
	assert.Empty(t, root.Parent)

	recs, err := store.Patches(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "main", recs[0].ID)
}

func TestOpenReloadsTree(t *testing.T) {
	ctx := context.Background()
	tr, store := newTree(t, Options{})
	a := child(t, tr, "root")
	b := child(t, tr, a)
	write(t, tr, b, "x.txt", "B")

	again, err := Open(ctx, store, Options{})
	require.NoError(t, err)
	pa, err := again.Load(a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, pa.Children)
	assert.Equal(t, StateLockedAncestor, pa.State)

	got, err := again.ReadFile(ctx, b, "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "B", string(got))
}

func TestOpenRejectsCorruptTrees(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string][]overlay.Record{
		"two roots":      {{ID: "r1"}, {ID: "r2"}},
		"no root":        {{ID: "a", Parent: "b"}, {ID: "b", Parent: "a"}},
		"missing parent": {{ID: "root"}, {ID: "a", Parent: "ghost"}},
		"cycle":          {{ID: "root"}, {ID: "a", Parent: "b"}, {ID: "b", Parent: "a"}},
	}
	for name, recs := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := overlay.NewMemory()
			for _, rec := range recs {
				rec.Created, rec.Modified = at, at
				require.NoError(t, store.CreatePatch(ctx, rec))
			}
			_, err := Open(ctx, store, Options{})
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDepthGuard(t *testing.T) {
	ctx := context.Background()
	tr, store := newTree(t, Options{MaxDepth: 3})
	a := child(t, tr, "root")
	b := child(t, tr, a)

	_, err := tr.CreateChild(ctx, b, "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = Open(ctx, store, Options{MaxDepth: 2})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCreateChildLocksParent(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	a := child(t, tr, "root")

	pa, err := tr.Load(a)
	require.NoError(t, err)
	assert.Equal(t, StateEditableLeaf, pa.State)
	assert.Equal(t, "root", pa.Parent)
	assert.Equal(t, "Untitled patch", pa.Title)

	b, err := tr.CreateChild(ctx, a, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", b.Title)

	pa, err = tr.Load(a)
	require.NoError(t, err)
	assert.Equal(t, StateLockedAncestor, pa.State)
	assert.True(t, pa.ReadOnly)

	_, err = tr.CreateChild(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateChildRetriesTakenIDs(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	ids := []string{"root", "fresh"}
	tr.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	p, err := tr.CreateChild(ctx, "root", "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", p.ID)
}

func TestListDepthFirst(t *testing.T) {
	tr, _ := newTree(t, Options{})
	a := child(t, tr, "root") // p1
	child(t, tr, "root")      // p2
	child(t, tr, a)           // p3

	var got []string
	for _, p := range tr.List() {
		got = append(got, p.ID)
	}
	assert.Equal(t, []string{"root", "p1", "p3", "p2"}, got)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	a := child(t, tr, "root")
	b := child(t, tr, a)
	write(t, tr, b, "f.txt", "leaf")

	_, err := tr.Rename(ctx, b, "root")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = tr.Rename(ctx, b, a)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = tr.Rename(ctx, b, "bad/id")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = tr.Rename(ctx, "ghost", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	same, err := tr.Rename(ctx, b, b)
	require.NoError(t, err)
	assert.Equal(t, b, same.ID)

	renamed, err := tr.Rename(ctx, a, "middle")
	require.NoError(t, err)
	assert.Equal(t, "middle", renamed.ID)
	assert.Equal(t, "root", renamed.Parent)
	assert.Equal(t, []string{b}, renamed.Children)

	_, err = tr.Load(a)
	assert.ErrorIs(t, err, ErrNotFound)
	pb, err := tr.Load(b)
	require.NoError(t, err)
	assert.Equal(t, "middle", pb.Parent)
	assert.Equal(t, []string{"middle"}, tr.Root().Children)

	got, err := tr.ReadFile(ctx, b, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "leaf", string(got))
}

func TestRenameRoot(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTree(t, Options{})
	seed(t, tr, map[string]string{"a.xml": "R"})
	a := child(t, tr, "root")

	_, err := tr.Rename(ctx, "root", "trunk")
	require.NoError(t, err)
	assert.Equal(t, "trunk", tr.Root().ID)
	pa, err := tr.Load(a)
	require.NoError(t, err)
	assert.Equal(t, "trunk", pa.Parent)

	got, err := tr.ReadFile(ctx, a, "a.xml")
	require.NoError(t, err)
	assert.Equal(t, "R", string(got))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	tr, store := newTree(t, Options{})
	a := child(t, tr, "root")
	b := child(t, tr, a)
	write(t, tr, b, "f", "x")

	assert.ErrorIs(t, tr.Delete(ctx, "root"), ErrForbidden)
	assert.ErrorIs(t, tr.Delete(ctx, a), ErrForbidden)
	assert.ErrorIs(t, tr.Delete(ctx, "ghost"), ErrNotFound)

	require.NoError(t, tr.Delete(ctx, b))
	_, err := tr.Load(b)
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := store.Entries(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, entries)

	pa, err := tr.Load(a)
	require.NoError(t, err)
	assert.Empty(t, pa.Children)
	assert.Equal(t, StateEditableLeaf, pa.State)
}

func TestOpErrorFormatting(t *testing.T) {
	tr, _ := newTree(t, Options{})
	_, err := tr.Load("ghost")
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "load", opErr.Op)
	assert.Equal(t, "ghost", opErr.ID)
	assert.Equal(t, "load ghost: not found", err.Error())

	err = tr.WritePathContent(context.Background(), "root", "a/b.xml", []byte("x"))
	assert.Equal(t, "write root:a/b.xml: forbidden", err.Error())
}

func TestSetTitle(t *testing.T) {
	ctx := context.Background()
	tr, store := newTree(t, Options{})
	a := child(t, tr, "root")
	child(t, tr, a)

	p, err := tr.SetTitle(ctx, a, "Budget act")
	require.NoError(t, err)
	assert.Equal(t, "Budget act", p.Title)

	_, err = tr.SetTitle(ctx, "root", "Published baseline")
	require.NoError(t, err)
	assert.Equal(t, "Published baseline", tr.Root().Title)

	_, err = tr.SetTitle(ctx, a, "  ")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = tr.SetTitle(ctx, "ghost", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := Open(ctx, store, Options{})
	require.NoError(t, err)
	pa, err := again.Load(a)
	require.NoError(t, err)
	assert.Equal(t, "Budget act", pa.Title)
}
