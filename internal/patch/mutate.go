package patch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"patchmgr/api/internal/overlay"
)

// WritePathContent stores content for path at id. Empty content records a
// tombstone. Only editable leaves accept writes.
func (t *Tree) WritePathContent(ctx context.Context, id, path string, content []byte) error {
	entry := overlay.Content(content)
	if len(content) == 0 {
		entry = overlay.Tombstone()
	}
	return t.put(ctx, "write", id, path, entry)
}

// DeletePath records a tombstone for path at id.
func (t *Tree) DeletePath(ctx context.Context, id, path string) error {
	return t.put(ctx, "delete-path", id, path, overlay.Tombstone())
}

func (t *Tree) put(ctx context.Context, op, id, path string, entry overlay.Entry) error {
	clean, err := CleanPath(path)
	if err != nil {
		return &OpError{Op: op, ID: id, Path: path, Err: err}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.node(id)
	if err != nil {
		return &OpError{Op: op, ID: id, Path: clean, Err: err}
	}
	if state := n.state(); !Allows(state, ActionWrite) {
		return &OpError{Op: op, ID: id, Path: clean, Err: denial(state, ActionWrite)}
	}

	unlock := t.locks.lock(id, clean)
	defer unlock()
	if !entry.Deleted {
		if err := t.checkShape(ctx, id, clean); err != nil {
			return &OpError{Op: op, ID: id, Path: clean, Err: err}
		}
	}
	if err := t.store.Put(ctx, id, clean, entry); err != nil {
		return &OpError{Op: op, ID: id, Path: clean, Err: storeErr(err)}
	}
	n.touch(t.now())
	t.changed()
	return nil
}

// checkShape refuses content at path when, as seen from id, one of its
// parent directories is a file or path is itself a directory. Ancestors of a
// writable patch are frozen, so only id's own overlay can race with this
// check. The caller holds t.mu.
func (t *Tree) checkShape(ctx context.Context, id, path string) error {
	ids, err := t.chain(id)
	if err != nil {
		return err
	}
	for i := strings.IndexByte(path, '/'); i >= 0; {
		v, err := t.resolve(ctx, ids, path[:i])
		if err != nil {
			return err
		}
		if v.Exists() {
			return fmt.Errorf("%w: %s is a file", ErrConflict, path[:i])
		}
		next := strings.IndexByte(path[i+1:], '/')
		if next < 0 {
			break
		}
		i += next + 1
	}

	all, err := t.layers(ctx, ids)
	if err != nil {
		return err
	}
	dir := path + "/"
	for p, l := range all {
		if !l.entry.Deleted && strings.HasPrefix(p, dir) {
			return fmt.Errorf("%w: %s is a directory", ErrConflict, path)
		}
	}
	return nil
}

// MergeUp writes every entry of id onto its parent and removes id. When the
// parent is the root the entries become baseline content and tombstones
// delete baseline files. Nothing changes if the store fails.
func (t *Tree) MergeUp(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.node(id)
	if err != nil {
		return &OpError{Op: "merge", ID: id, Err: err}
	}
	if state := n.state(); !Allows(state, ActionMerge) {
		return &OpError{Op: "merge", ID: id, Err: denial(state, ActionMerge)}
	}
	parent, err := t.node(n.branch.parent)
	if err != nil {
		return &OpError{Op: "merge", ID: id, Err: ErrCorrupt}
	}
	if err := t.store.MergePatch(ctx, id, parent.id, parent.isRoot()); err != nil {
		return &OpError{Op: "merge", ID: id, Err: storeErr(err)}
	}
	parent.touch(t.now())
	t.detach(n)
	return nil
}

// SeedRoot replaces the baseline with files. It is refused once the root
// has children, since they resolve against the current baseline.
func (t *Tree) SeedRoot(ctx context.Context, files map[string][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.nodes[t.rootID]
	if len(root.children) > 0 {
		return &OpError{Op: "seed", ID: root.id, Err: fmt.Errorf("%w: baseline has patches", ErrForbidden)}
	}

	staged := make(map[string]overlay.Entry, len(files))
	for path, content := range files {
		clean, err := CleanPath(path)
		if err != nil {
			return &OpError{Op: "seed", ID: root.id, Path: path, Err: err}
		}
		staged[clean] = overlay.Content(content)
	}
	current, err := t.store.Entries(ctx, root.id)
	if err != nil {
		return &OpError{Op: "seed", ID: root.id, Err: err}
	}
	for path := range current {
		if _, keep := staged[path]; !keep {
			staged[path] = overlay.Tombstone()
		}
	}

	// Stage into a scratch patch so the swap is a single MergePatch.
	at := t.now().UTC()
	scratch := overlay.Record{ID: t.newID(), Parent: root.id, Title: "baseline import", Created: at, Modified: at}
	if _, taken := t.nodes[scratch.ID]; taken {
		return &OpError{Op: "seed", ID: root.id, Err: ErrConflict}
	}
	if err := t.store.CreatePatch(ctx, scratch); err != nil {
		return &OpError{Op: "seed", ID: root.id, Err: storeErr(err)}
	}
	paths := make([]string, 0, len(staged))
	for path := range staged {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := t.store.Put(ctx, scratch.ID, path, staged[path]); err != nil {
			_ = t.store.DropPatch(ctx, scratch.ID)
			return &OpError{Op: "seed", ID: root.id, Path: path, Err: err}
		}
	}
	if err := t.store.MergePatch(ctx, scratch.ID, root.id, true); err != nil {
		_ = t.store.DropPatch(ctx, scratch.ID)
		return &OpError{Op: "seed", ID: root.id, Err: storeErr(err)}
	}
	root.touch(at)
	t.changed()
	return nil
}

// RootFiles returns the baseline.
func (t *Tree) RootFiles(ctx context.Context) (map[string][]byte, error) {
	files, err := t.Files(ctx, t.Root().ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(files))
	for path, v := range files {
		out[path] = v.Content
	}
	return out, nil
}
