package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	r\x00<id>              JSON Record
//	m\x00<id>              RFC 3339 modification time, newer than the record's
//	e\x00<id>\x00<path>    encoded Entry
const (
	prefixRecord   = 'r'
	prefixModified = 'm'
	prefixEntry    = 'e'
)

// Pebble keeps the overlay in an embedded LSM database. Multi-key
// operations go through a single batch so they are applied atomically.
type Pebble struct {
	db *pebble.DB
	// mu serialises structural read-modify-write sequences; pebble batches
	// do not read their own view of the database. Put only needs the
	// record to stay put, so it holds mu for reading.
	mu  sync.RWMutex
	now func() time.Time
}

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Pebble{db: db, now: time.Now}, nil
}

func recordKey(id string) []byte {
	return append([]byte{prefixRecord, 0}, id...)
}

func modifiedKey(id string) []byte {
	return append([]byte{prefixModified, 0}, id...)
}

func setModified(batch *pebble.Batch, id string, at time.Time) error {
	return batch.Set(modifiedKey(id), []byte(at.UTC().Format(time.RFC3339Nano)), nil)
}

func entryPrefix(id string) []byte {
	key := append([]byte{prefixEntry, 0}, id...)
	return append(key, 0)
}

func entryKey(id, path string) []byte {
	return append(entryPrefix(id), path...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *Pebble) getRecord(id string) (Record, bool, error) {
	val, closer, err := p.db.Get(recordKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get record %s: %w", id, err)
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, true, nil
}

func setRecord(batch *pebble.Batch, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return batch.Set(recordKey(rec.ID), raw, nil)
}

// scan calls fn for every key/value under prefix. Slices passed to fn are
// only valid for the duration of the call.
func (p *Pebble) scan(prefix []byte, fn func(key, value []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}
	return it.Close()
}

func (p *Pebble) Patches(ctx context.Context) ([]Record, error) {
	var out []Record
	err := p.scan([]byte{prefixRecord, 0}, func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}

	stamps := make(map[string]time.Time)
	prefix := []byte{prefixModified, 0}
	err = p.scan(prefix, func(key, value []byte) error {
		at, err := time.Parse(time.RFC3339Nano, string(value))
		if err != nil {
			return fmt.Errorf("decode modified %s: %w", key[len(prefix):], err)
		}
		stamps[string(key[len(prefix):])] = at
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	for i := range out {
		if at, ok := stamps[out[i].ID]; ok {
			out[i].Modified = at
		}
	}
	return out, nil
}

func (p *Pebble) CreatePatch(ctx context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok, err := p.getRecord(rec.ID); err != nil {
		return err
	} else if ok {
		return ErrPatchExists
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := setRecord(batch, rec); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) RenamePatch(ctx context.Context, oldID, newID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok, err := p.getRecord(oldID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPatchNotFound
	}
	if _, taken, err := p.getRecord(newID); err != nil {
		return err
	} else if taken {
		return ErrPatchExists
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(recordKey(oldID), nil); err != nil {
		return err
	}
	rec.ID = newID
	if err := setRecord(batch, rec); err != nil {
		return err
	}
	if err := p.moveModified(batch, oldID, newID); err != nil {
		return err
	}

	oldPrefix := entryPrefix(oldID)
	err = p.scan(oldPrefix, func(key, value []byte) error {
		path := string(key[len(oldPrefix):])
		if err := batch.Delete(key, nil); err != nil {
			return err
		}
		return batch.Set(entryKey(newID, path), value, nil)
	})
	if err != nil {
		return fmt.Errorf("rename entries %s: %w", oldID, err)
	}

	children, err := p.Patches(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Parent != oldID {
			continue
		}
		child.Parent = newID
		if err := setRecord(batch, child); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) DropPatch(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok, err := p.getRecord(id); err != nil {
		return err
	} else if !ok {
		return ErrPatchNotFound
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := p.dropInto(batch, id); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) moveModified(batch *pebble.Batch, oldID, newID string) error {
	val, closer, err := p.db.Get(modifiedKey(oldID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get modified %s: %w", oldID, err)
	}
	defer closer.Close()
	if err := batch.Delete(modifiedKey(oldID), nil); err != nil {
		return err
	}
	return batch.Set(modifiedKey(newID), append([]byte{}, val...), nil)
}

func (p *Pebble) dropInto(batch *pebble.Batch, id string) error {
	if err := batch.Delete(recordKey(id), nil); err != nil {
		return err
	}
	if err := batch.Delete(modifiedKey(id), nil); err != nil {
		return err
	}
	prefix := entryPrefix(id)
	return batch.DeleteRange(prefix, prefixEnd(prefix), nil)
}

func (p *Pebble) SetTitle(ctx context.Context, id, title string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok, err := p.getRecord(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPatchNotFound
	}
	rec.Title = title
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := setRecord(batch, rec); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) Get(ctx context.Context, id, path string) (Entry, bool, error) {
	val, closer, err := p.db.Get(entryKey(id, path))
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get entry %s:%s: %w", id, path, err)
	}
	defer closer.Close()
	entry, err := decodeEntry(val)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (p *Pebble) Put(ctx context.Context, id, path string, entry Entry) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok, err := p.getRecord(id); err != nil {
		return err
	} else if !ok {
		return ErrPatchNotFound
	}
	raw, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(entryKey(id, path), raw, nil); err != nil {
		return err
	}
	if err := setModified(batch, id, p.now()); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) Entries(ctx context.Context, id string) (map[string]Entry, error) {
	prefix := entryPrefix(id)
	out := make(map[string]Entry)
	err := p.scan(prefix, func(key, value []byte) error {
		entry, err := decodeEntry(value)
		if err != nil {
			return err
		}
		out[string(key[len(prefix):])] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entries %s: %w", id, err)
	}
	return out, nil
}

func (p *Pebble) MergePatch(ctx context.Context, from, into string, collapse bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok, err := p.getRecord(from); err != nil {
		return err
	} else if !ok {
		return ErrPatchNotFound
	}
	if _, ok, err := p.getRecord(into); err != nil {
		return err
	} else if !ok {
		return ErrPatchNotFound
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	prefix := entryPrefix(from)
	err := p.scan(prefix, func(key, value []byte) error {
		path := string(key[len(prefix):])
		if collapse && bytes.Equal(value, []byte{tagDeleted}) {
			return batch.Delete(entryKey(into, path), nil)
		}
		return batch.Set(entryKey(into, path), value, nil)
	})
	if err != nil {
		return fmt.Errorf("merge %s into %s: %w", from, into, err)
	}
	if err := setModified(batch, into, p.now()); err != nil {
		return err
	}
	if err := p.dropInto(batch, from); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) Ping(ctx context.Context) error { return nil }

func (p *Pebble) Close() error {
	return p.db.Close()
}
