package overlay

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	tagContent = 'c'
	tagDeleted = 'd'
)

// Entry is either file content or a tombstone.
type Entry struct {
	Content []byte
	Deleted bool
}

// Content returns an entry holding a copy of b.
func Content(b []byte) Entry {
	return Entry{Content: append([]byte{}, b...)}
}

// Tombstone returns an entry that marks a path as removed.
func Tombstone() Entry {
	return Entry{Deleted: true}
}

func (e Entry) Clone() Entry {
	if e.Deleted {
		return Tombstone()
	}
	return Content(e.Content)
}

// Equal reports whether both entries are tombstones or hold the same bytes.
func (e Entry) Equal(other Entry) bool {
	if e.Deleted || other.Deleted {
		return e.Deleted == other.Deleted
	}
	return bytes.Equal(e.Content, other.Content)
}

// Digest is a stable 64-bit hash of the entry.
func (e Entry) Digest() uint64 {
	if e.Deleted {
		return xxhash.Sum64String("\x00deleted")
	}
	return xxhash.Sum64(e.Content)
}

// MarshalBinary encodes the entry as a one-byte tag followed by the content.
func (e Entry) MarshalBinary() ([]byte, error) {
	if e.Deleted {
		return []byte{tagDeleted}, nil
	}
	out := make([]byte, 0, len(e.Content)+1)
	out = append(out, tagContent)
	return append(out, e.Content...), nil
}

func (e *Entry) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("decode entry: empty value")
	}
	switch data[0] {
	case tagDeleted:
		*e = Tombstone()
	case tagContent:
		*e = Content(data[1:])
	default:
		return fmt.Errorf("decode entry: unknown tag %q", data[0])
	}
	return nil
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	err := entry.UnmarshalBinary(data)
	return entry, err
}
