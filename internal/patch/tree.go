package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"patchmgr/api/internal/overlay"
	"patchmgr/api/internal/util"
)

const (
	DefaultRootID       = "root"
	DefaultMaxDepth     = 256
	DefaultDiffContext  = 3
	DefaultMaxDiffBytes = 1 << 20

	maxIDAttempts = 8
)

type Options struct {
	// RootID names the root when Open has to create it.
	RootID    string
	RootTitle string
	// MaxDepth caps every ancestor walk; deeper chains are ErrCorrupt.
	MaxDepth int
	// CacheSize is the number of resolved views kept; 0 disables the cache.
	CacheSize    int
	DiffContext  int
	MaxDiffBytes int
}

func (o Options) withDefaults() Options {
	if o.RootID == "" {
		o.RootID = DefaultRootID
	}
	if o.RootTitle == "" {
		o.RootTitle = "Baseline"
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.DiffContext <= 0 {
		o.DiffContext = DefaultDiffContext
	}
	if o.MaxDiffBytes <= 0 {
		o.MaxDiffBytes = DefaultMaxDiffBytes
	}
	return o
}

// Tree is the handle every operation goes through. The zero value is not
// usable; call Open.
type Tree struct {
	store overlay.Store
	opts  Options

	// mu guards nodes and rootID. Structural changes hold it exclusively;
	// reads and path writes hold it shared.
	mu     sync.RWMutex
	nodes  map[string]*node
	rootID string

	locks *pathLocks
	gen   atomic.Uint64
	cache *lru.Cache[viewKey, View]

	newID func() string
	now   func() time.Time
}

// Open loads every record from store and checks the tree shape. An empty
// store gets a fresh root.
func Open(ctx context.Context, store overlay.Store, opts Options) (*Tree, error) {
	opts = opts.withDefaults()
	t := &Tree{
		store: store,
		opts:  opts,
		nodes: make(map[string]*node),
		locks: newPathLocks(),
		newID: func() string { return util.NewID("p") },
		now:   time.Now,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[viewKey, View](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("view cache: %w", err)
		}
		t.cache = cache
	}

	records, err := store.Patches(ctx)
	if err != nil {
		return nil, fmt.Errorf("load patches: %w", err)
	}
	if len(records) == 0 {
		if err := validID(opts.RootID); err != nil {
			return nil, &OpError{Op: "open", ID: opts.RootID, Err: err}
		}
		at := t.now().UTC()
		rec := overlay.Record{ID: opts.RootID, Title: opts.RootTitle, Created: at, Modified: at}
		if err := store.CreatePatch(ctx, rec); err != nil {
			return nil, fmt.Errorf("create root: %w", err)
		}
		records = append(records, rec)
	}
	if err := t.build(records); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) build(records []overlay.Record) error {
	for _, rec := range records {
		n := &node{
			id:       rec.ID,
			title:    rec.Title,
			created:  rec.Created,
			children: make(map[string]struct{}),
		}
		n.touch(rec.Modified)
		if rec.Parent != "" {
			n.branch = &branch{parent: rec.Parent}
		} else {
			if t.rootID != "" {
				return &OpError{Op: "open", ID: rec.ID, Err: fmt.Errorf("%w: second root besides %s", ErrCorrupt, t.rootID)}
			}
			t.rootID = rec.ID
		}
		t.nodes[rec.ID] = n
	}
	if t.rootID == "" {
		return &OpError{Op: "open", Err: fmt.Errorf("%w: no root", ErrCorrupt)}
	}
	for id, n := range t.nodes {
		if n.isRoot() {
			continue
		}
		parent, ok := t.nodes[n.branch.parent]
		if !ok {
			return &OpError{Op: "open", ID: id, Err: fmt.Errorf("%w: missing parent %s", ErrCorrupt, n.branch.parent)}
		}
		parent.children[id] = struct{}{}
	}
	for id := range t.nodes {
		if _, err := t.chain(id); err != nil {
			return &OpError{Op: "open", ID: id, Err: err}
		}
	}
	return nil
}

// chain returns id followed by each of its ancestors up to the root.
// The caller holds t.mu.
func (t *Tree) chain(id string) ([]string, error) {
	ids := make([]string, 0, 8)
	cur := id
	for {
		n, ok := t.nodes[cur]
		if !ok {
			if len(ids) == 0 {
				return nil, ErrNotFound
			}
			return nil, ErrCorrupt
		}
		ids = append(ids, cur)
		if n.isRoot() {
			return ids, nil
		}
		if len(ids) >= t.opts.MaxDepth {
			return nil, ErrCorrupt
		}
		cur = n.branch.parent
	}
}

func (t *Tree) node(id string) (*node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// changed invalidates every cached view.
func (t *Tree) changed() {
	t.gen.Add(1)
}

func storeErr(err error) error {
	switch {
	case errors.Is(err, overlay.ErrPatchExists):
		return ErrConflict
	case errors.Is(err, overlay.ErrPatchNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func (t *Tree) Load(id string) (Patch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.node(id)
	if err != nil {
		return Patch{}, &OpError{Op: "load", ID: id, Err: err}
	}
	return n.snapshot(), nil
}

func (t *Tree) Root() Patch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[t.rootID].snapshot()
}

// List returns every patch depth-first from the root, siblings by id.
func (t *Tree) List() []Patch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Patch, 0, len(t.nodes))
	stack := []string{t.rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p := t.nodes[id].snapshot()
		out = append(out, p)
		for i := len(p.Children) - 1; i >= 0; i-- {
			stack = append(stack, p.Children[i])
		}
	}
	return out
}

// Ancestors returns the ids from id's parent up to the root.
func (t *Tree) Ancestors(id string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids, err := t.chain(id)
	if err != nil {
		return nil, &OpError{Op: "ancestors", ID: id, Err: err}
	}
	return ids[1:], nil
}

// CreateChild adds an empty patch under parentID. It is allowed on any
// parent, which becomes read-only.
func (t *Tree) CreateChild(ctx context.Context, parentID, title string) (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.node(parentID)
	if err != nil {
		return Patch{}, &OpError{Op: "create", ID: parentID, Err: err}
	}
	if !Allows(parent.state(), ActionCreateChild) {
		return Patch{}, &OpError{Op: "create", ID: parentID, Err: denial(parent.state(), ActionCreateChild)}
	}
	ancestry, err := t.chain(parentID)
	if err != nil {
		return Patch{}, &OpError{Op: "create", ID: parentID, Err: err}
	}
	if len(ancestry)+1 > t.opts.MaxDepth {
		return Patch{}, &OpError{Op: "create", ID: parentID, Err: fmt.Errorf("%w: tree depth limit %d", ErrForbidden, t.opts.MaxDepth)}
	}
	if title == "" {
		title = "Untitled patch"
	}

	at := t.now().UTC()
	var rec overlay.Record
	for attempt := 0; ; attempt++ {
		rec = overlay.Record{ID: t.newID(), Parent: parentID, Title: title, Created: at, Modified: at}
		err = overlay.ErrPatchExists
		if _, taken := t.nodes[rec.ID]; !taken {
			err = t.store.CreatePatch(ctx, rec)
		}
		if !errors.Is(err, overlay.ErrPatchExists) || attempt == maxIDAttempts {
			break
		}
	}
	if err != nil {
		return Patch{}, &OpError{Op: "create", ID: parentID, Err: storeErr(err)}
	}

	n := &node{
		id:       rec.ID,
		title:    rec.Title,
		created:  at,
		branch:   &branch{parent: parentID},
		children: make(map[string]struct{}),
	}
	n.touch(at)
	t.nodes[n.id] = n
	parent.children[n.id] = struct{}{}
	t.changed()
	return n.snapshot(), nil
}

// Rename changes a patch's id. Parent, children and overlay follow it.
func (t *Tree) Rename(ctx context.Context, id, newID string) (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.node(id)
	if err != nil {
		return Patch{}, &OpError{Op: "rename", ID: id, Err: err}
	}
	if state := n.state(); !Allows(state, ActionRename) {
		return Patch{}, &OpError{Op: "rename", ID: id, Err: denial(state, ActionRename)}
	}
	if err := validID(newID); err != nil {
		return Patch{}, &OpError{Op: "rename", ID: id, Err: fmt.Errorf("%w: id %q", err, newID)}
	}
	if newID == id {
		return n.snapshot(), nil
	}
	if _, taken := t.nodes[newID]; taken {
		return Patch{}, &OpError{Op: "rename", ID: id, Err: fmt.Errorf("%w: %s already exists", ErrConflict, newID)}
	}
	if err := t.store.RenamePatch(ctx, id, newID); err != nil {
		return Patch{}, &OpError{Op: "rename", ID: id, Err: storeErr(err)}
	}

	delete(t.nodes, id)
	n.id = newID
	t.nodes[newID] = n
	if n.isRoot() {
		t.rootID = newID
	} else {
		parent := t.nodes[n.branch.parent]
		delete(parent.children, id)
		parent.children[newID] = struct{}{}
	}
	for child := range n.children {
		t.nodes[child].branch.parent = newID
	}
	t.locks.forget(id)
	t.changed()
	return n.snapshot(), nil
}

// SetTitle changes a patch's title. Titles are metadata, so read-only
// patches may be retitled too.
func (t *Tree) SetTitle(ctx context.Context, id, title string) (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.node(id)
	if err != nil {
		return Patch{}, &OpError{Op: "retitle", ID: id, Err: err}
	}
	if strings.TrimSpace(title) == "" {
		return Patch{}, &OpError{Op: "retitle", ID: id, Err: fmt.Errorf("%w: empty title", ErrInvalid)}
	}
	if err := t.store.SetTitle(ctx, id, title); err != nil {
		return Patch{}, &OpError{Op: "retitle", ID: id, Err: storeErr(err)}
	}
	n.title = title
	return n.snapshot(), nil
}

// Delete removes a childless, non-root patch and its overlay.
func (t *Tree) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.node(id)
	if err != nil {
		return &OpError{Op: "delete", ID: id, Err: err}
	}
	if state := n.state(); !Allows(state, ActionDelete) {
		return &OpError{Op: "delete", ID: id, Err: denial(state, ActionDelete)}
	}
	if err := t.store.DropPatch(ctx, id); err != nil {
		return &OpError{Op: "delete", ID: id, Err: storeErr(err)}
	}
	t.detach(n)
	return nil
}

// detach removes n from the arena. The caller holds t.mu exclusively.
func (t *Tree) detach(n *node) {
	delete(t.nodes, n.id)
	if parent, ok := t.nodes[n.parentID()]; ok {
		delete(parent.children, n.id)
	}
	t.locks.forget(n.id)
	t.changed()
}
