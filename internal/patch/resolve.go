package patch

import (
	"context"
	"sort"
	"strings"

	"patchmgr/api/internal/overlay"
)

type Status string

const (
	// StatusMissing: no patch on the chain has an entry for the path.
	StatusMissing Status = "missing"
	StatusPresent Status = "present"
	// StatusDeleted: the nearest entry is a tombstone.
	StatusDeleted Status = "deleted"
)

// View is the effective state of one path as seen from one patch.
type View struct {
	Status  Status `json:"status"`
	Content []byte `json:"content,omitempty"`
	// Source is the patch whose entry won; empty when Missing.
	Source string `json:"source,omitempty"`
}

func (v View) Exists() bool { return v.Status == StatusPresent }

func (v View) clone() View {
	if v.Content != nil {
		v.Content = append([]byte{}, v.Content...)
	}
	return v
}

// PathContent pairs a path's view at a patch with its view at the parent.
type PathContent struct {
	// Base is nil for the root or when not requested.
	Base    *View `json:"base,omitempty"`
	Current View  `json:"current"`
}

type viewKey struct {
	gen  uint64
	id   string
	path string
}

// resolve walks ids in order and returns the first entry found. The caller
// holds t.mu.
func (t *Tree) resolve(ctx context.Context, ids []string, path string) (View, error) {
	key := viewKey{gen: t.gen.Load(), id: ids[0], path: path}
	if t.cache != nil {
		if v, ok := t.cache.Get(key); ok {
			return v.clone(), nil
		}
	}

	v := View{Status: StatusMissing}
	for _, id := range ids {
		entry, ok, err := t.store.Get(ctx, id, path)
		if err != nil {
			return View{}, err
		}
		if !ok {
			continue
		}
		if entry.Deleted {
			v = View{Status: StatusDeleted, Source: id}
		} else {
			v = View{Status: StatusPresent, Content: entry.Content, Source: id}
		}
		break
	}

	if t.cache != nil {
		t.cache.Add(key, v.clone())
	}
	return v, nil
}

// GetPathContent resolves path at id and, when wantBase is set and id is
// not the root, at id's parent.
func (t *Tree) GetPathContent(ctx context.Context, id, path string, wantBase bool) (PathContent, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return PathContent{}, &OpError{Op: "read", ID: id, Path: path, Err: err}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, err := t.chain(id)
	if err != nil {
		return PathContent{}, &OpError{Op: "read", ID: id, Path: clean, Err: err}
	}
	current, err := t.resolve(ctx, ids, clean)
	if err != nil {
		return PathContent{}, &OpError{Op: "read", ID: id, Path: clean, Err: err}
	}
	out := PathContent{Current: current}
	if wantBase && len(ids) > 1 {
		base, err := t.resolve(ctx, ids[1:], clean)
		if err != nil {
			return PathContent{}, &OpError{Op: "read", ID: id, Path: clean, Err: err}
		}
		out.Base = &base
	}
	return out, nil
}

// ReadFile returns the effective content of path at id, or ErrNotFound when
// it is missing or deleted.
func (t *Tree) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	pc, err := t.GetPathContent(ctx, id, path, false)
	if err != nil {
		return nil, err
	}
	if !pc.Current.Exists() {
		return nil, &OpError{Op: "read", ID: id, Path: path, Err: ErrNotFound}
	}
	return pc.Current.Content, nil
}

type layer struct {
	entry  overlay.Entry
	source string
}

// layers folds the overlays of ids from the root down, nearest entry
// winning. The caller holds t.mu.
func (t *Tree) layers(ctx context.Context, ids []string) (map[string]layer, error) {
	out := make(map[string]layer)
	for i := len(ids) - 1; i >= 0; i-- {
		entries, err := t.store.Entries(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		for path, entry := range entries {
			out[path] = layer{entry: entry, source: ids[i]}
		}
	}
	return out, nil
}

// GetPaths lists the paths that exist at id under the directory prefix, in
// lexical order. Without recursive, only immediate children are returned and
// each subdirectory appears once with a trailing slash.
func (t *Tree) GetPaths(ctx context.Context, id, prefix string, recursive bool) ([]string, error) {
	dir, err := cleanPrefix(prefix)
	if err != nil {
		return nil, &OpError{Op: "list", ID: id, Path: prefix, Err: err}
	}
	if dir != "" {
		dir += "/"
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, err := t.chain(id)
	if err != nil {
		return nil, &OpError{Op: "list", ID: id, Path: prefix, Err: err}
	}
	all, err := t.layers(ctx, ids)
	if err != nil {
		return nil, &OpError{Op: "list", ID: id, Path: prefix, Err: err}
	}

	seen := make(map[string]struct{})
	for path, l := range all {
		if l.entry.Deleted || !strings.HasPrefix(path, dir) {
			continue
		}
		if !recursive {
			rest := path[len(dir):]
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				path = dir + rest[:i+1]
			}
		}
		seen[path] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for path := range seen {
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

// Files returns every existing path at id with its effective view.
func (t *Tree) Files(ctx context.Context, id string) (map[string]View, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, err := t.chain(id)
	if err != nil {
		return nil, &OpError{Op: "files", ID: id, Err: err}
	}
	all, err := t.layers(ctx, ids)
	if err != nil {
		return nil, &OpError{Op: "files", ID: id, Err: err}
	}
	out := make(map[string]View, len(all))
	for path, l := range all {
		if l.entry.Deleted {
			continue
		}
		out[path] = View{Status: StatusPresent, Content: l.entry.Content, Source: l.source}
	}
	return out, nil
}

// Overlay returns id's own entries, tombstones included, without consulting
// any ancestor.
func (t *Tree) Overlay(ctx context.Context, id string) (map[string]View, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, err := t.node(id); err != nil {
		return nil, &OpError{Op: "overlay", ID: id, Err: err}
	}
	entries, err := t.store.Entries(ctx, id)
	if err != nil {
		return nil, &OpError{Op: "overlay", ID: id, Err: err}
	}
	out := make(map[string]View, len(entries))
	for path, e := range entries {
		v := View{Status: StatusPresent, Content: e.Content, Source: id}
		if e.Deleted {
			v = View{Status: StatusDeleted, Source: id}
		}
		out[path] = v
	}
	return out, nil
}
