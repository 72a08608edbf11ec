package patch

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type pathKey struct {
	id   string
	path string
}

// pathLocks hands out one mutex per (patch, path). Writes to different keys
// never contend.
type pathLocks struct {
	m *xsync.MapOf[pathKey, *sync.Mutex]
}

func newPathLocks() *pathLocks {
	return &pathLocks{m: xsync.NewMapOf[pathKey, *sync.Mutex]()}
}

func (l *pathLocks) lock(id, path string) func() {
	mu, _ := l.m.LoadOrCompute(pathKey{id: id, path: path}, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

// forget drops every mutex belonging to id. Callers hold the tree lock
// exclusively, so no writer is inside one of them.
func (l *pathLocks) forget(id string) {
	l.m.Range(func(key pathKey, _ *sync.Mutex) bool {
		if key.id == id {
			l.m.Delete(key)
		}
		return true
	})
}
