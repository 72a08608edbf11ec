// Package patch implements the patch tree: named overlays of file edits
// stacked on a shared baseline, resolved by walking each patch's ancestor
// chain up to the root.
//
// A Tree owns the shape (which patch is whose parent) in memory and keeps
// every byte of content in an overlay.Store. Reads and path writes run in
// parallel; structural changes (create, rename, delete, merge) are
// exclusive.
package patch

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"patchmgr/api/internal/util"
)

type Kind string

const (
	KindRoot   Kind = "root"
	KindBranch Kind = "branch"
)

// Patch is a read-only snapshot of one node of the tree.
type Patch struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Parent   string    `json:"parent,omitempty"`
	Children []string  `json:"children"`
	Title    string    `json:"title"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	State    State     `json:"state"`
	ReadOnly bool      `json:"readOnly"`
}

// node is the arena entry. Only branch nodes carry a parent.
type node struct {
	id       string
	title    string
	created  time.Time
	modified atomic.Int64
	branch   *branch
	children map[string]struct{}
}

type branch struct {
	parent string
}

func (n *node) isRoot() bool { return n.branch == nil }

func (n *node) parentID() string {
	if n.branch == nil {
		return ""
	}
	return n.branch.parent
}

func (n *node) state() State {
	switch {
	case n.isRoot():
		return StateRoot
	case len(n.children) > 0:
		return StateLockedAncestor
	default:
		return StateEditableLeaf
	}
}

func (n *node) touch(at time.Time) {
	n.modified.Store(at.UnixNano())
}

func (n *node) snapshot() Patch {
	p := Patch{
		ID:       n.id,
		Kind:     KindBranch,
		Parent:   n.parentID(),
		Children: make([]string, 0, len(n.children)),
		Title:    n.title,
		Created:  n.created,
		Modified: time.Unix(0, n.modified.Load()).UTC(),
		State:    n.state(),
	}
	if n.isRoot() {
		p.Kind = KindRoot
	}
	p.ReadOnly = p.State.ReadOnly()
	for id := range n.children {
		p.Children = append(p.Children, id)
	}
	sort.Strings(p.Children)
	return p
}

func validID(id string) error {
	if !util.ValidID(id) {
		return ErrInvalid
	}
	return nil
}

// CleanPath validates a slash-separated relative path. A single leading
// slash is tolerated and dropped.
func CleanPath(p string) (string, error) {
	p = strings.TrimPrefix(p, "/")
	if p == "" || strings.ContainsRune(p, 0) {
		return "", ErrInvalid
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalid
		}
	}
	return p, nil
}

// cleanPrefix is CleanPath for directory prefixes, where "" means the
// whole tree and a trailing slash is allowed.
func cleanPrefix(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", nil
	}
	return CleanPath(p)
}
