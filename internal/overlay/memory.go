package overlay

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Nothing survives a restart.
//
// mu guards the set of patches; each patch guards its own entries, so Puts
// to different patches never wait on each other.
type Memory struct {
	mu      sync.RWMutex
	patches map[string]*memPatch
	now     func() time.Time
}

type memPatch struct {
	mu      sync.Mutex
	rec     Record
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{
		patches: make(map[string]*memPatch),
		now:     time.Now,
	}
}

func (m *Memory) Patches(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.patches))
	for _, p := range m.patches {
		p.mu.Lock()
		out = append(out, p.rec)
		p.mu.Unlock()
	}
	return out, nil
}

func (m *Memory) CreatePatch(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patches[rec.ID]; ok {
		return ErrPatchExists
	}
	m.patches[rec.ID] = &memPatch{rec: rec, entries: make(map[string]Entry)}
	return nil
}

func (m *Memory) RenamePatch(ctx context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patches[oldID]
	if !ok {
		return ErrPatchNotFound
	}
	if _, taken := m.patches[newID]; taken {
		return ErrPatchExists
	}
	delete(m.patches, oldID)
	p.rec.ID = newID
	m.patches[newID] = p
	for _, child := range m.patches {
		if child.rec.Parent == oldID {
			child.rec.Parent = newID
		}
	}
	return nil
}

func (m *Memory) DropPatch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patches[id]; !ok {
		return ErrPatchNotFound
	}
	delete(m.patches, id)
	return nil
}

func (m *Memory) SetTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patches[id]
	if !ok {
		return ErrPatchNotFound
	}
	p.rec.Title = title
	return nil
}

// lookup returns the patch with its lock held. Callers must hold m.mu for
// reading and unlock the patch.
func (m *Memory) lookup(id string) (*memPatch, bool) {
	p, ok := m.patches[id]
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	return p, true
}

func (m *Memory) Get(ctx context.Context, id, path string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.lookup(id)
	if !ok {
		return Entry{}, false, nil
	}
	defer p.mu.Unlock()
	entry, ok := p.entries[path]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (m *Memory) Put(ctx context.Context, id, path string, entry Entry) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.lookup(id)
	if !ok {
		return ErrPatchNotFound
	}
	defer p.mu.Unlock()
	p.entries[path] = entry.Clone()
	p.rec.Modified = m.now()
	return nil
}

func (m *Memory) Entries(ctx context.Context, id string) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.lookup(id)
	if !ok {
		return map[string]Entry{}, nil
	}
	defer p.mu.Unlock()
	out := make(map[string]Entry, len(p.entries))
	for path, entry := range p.entries {
		out[path] = entry.Clone()
	}
	return out, nil
}

func (m *Memory) MergePatch(ctx context.Context, from, into string, collapse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.patches[from]
	if !ok {
		return ErrPatchNotFound
	}
	target, ok := m.patches[into]
	if !ok {
		return ErrPatchNotFound
	}
	applyMerge(target.entries, src.entries, collapse)
	target.rec.Modified = m.now()
	delete(m.patches, from)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
