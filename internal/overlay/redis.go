package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMaxRetries = 16

// putScript writes one entry and stamps the patch's modification time,
// provided the patch record still exists.
//
//	KEYS: records, entries:<id>, modified
//	ARGV: id, path, entry, modified
var putScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
return 1
`)

// Redis keeps records in one hash, modification times in a second and each
// patch's entries in a hash of their own. Structural updates run as
// WATCH/MULTI/EXEC transactions on the records hash, so concurrent writers
// from other processes retry instead of interleaving. Put never watches the
// records hash; it runs as a single script.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis connects to url and verifies the server answers.
func NewRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, prefix), nil
}

func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "patchmgr:"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) recordsKey() string {
	return r.prefix + "patches"
}

func (r *Redis) modifiedKey() string {
	return r.prefix + "modified"
}

func formatModified(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (r *Redis) entriesKey(id string) string {
	return r.prefix + "entries:" + id
}

// update runs fn inside an optimistic transaction watching the records hash
// plus any extra keys, retrying when another client got there first.
func (r *Redis) update(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	keys = append([]string{r.recordsKey()}, keys...)
	for i := 0; i < redisMaxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction: too much contention on %s", r.recordsKey())
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (r *Redis) readRecord(ctx context.Context, c hashGetter, id string) (Record, bool, error) {
	raw, err := c.HGet(ctx, r.recordsKey(), id).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, true, nil
}

func encodeRecord(rec Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return string(raw), nil
}

func (r *Redis) Patches(ctx context.Context) ([]Record, error) {
	var records, modified *redis.MapStringStringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		records = pipe.HGetAll(ctx, r.recordsKey())
		modified = pipe.HGetAll(ctx, r.modifiedKey())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	stamps := modified.Val()
	out := make([]Record, 0, len(records.Val()))
	for id, raw := range records.Val() {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		if stamp, ok := stamps[id]; ok {
			at, err := time.Parse(time.RFC3339Nano, stamp)
			if err != nil {
				return nil, fmt.Errorf("decode modified %s: %w", id, err)
			}
			rec.Modified = at
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) CreatePatch(ctx context.Context, rec Record) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	created, err := r.client.HSetNX(ctx, r.recordsKey(), rec.ID, raw).Result()
	if err != nil {
		return fmt.Errorf("create patch %s: %w", rec.ID, err)
	}
	if !created {
		return ErrPatchExists
	}
	return nil
}

func (r *Redis) RenamePatch(ctx context.Context, oldID, newID string) error {
	return r.update(ctx, func(tx *redis.Tx) error {
		rec, ok, err := r.readRecord(ctx, tx, oldID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPatchNotFound
		}
		if _, taken, err := r.readRecord(ctx, tx, newID); err != nil {
			return err
		} else if taken {
			return ErrPatchExists
		}
		all, err := tx.HGetAll(ctx, r.recordsKey()).Result()
		if err != nil {
			return err
		}
		hasEntries, err := tx.Exists(ctx, r.entriesKey(oldID)).Result()
		if err != nil {
			return err
		}
		stamp, err := tx.HGet(ctx, r.modifiedKey(), oldID).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		rec.ID = newID
		renamed, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{newID: renamed}
		for id, raw := range all {
			var child Record
			if err := json.Unmarshal([]byte(raw), &child); err != nil {
				return fmt.Errorf("decode record %s: %w", id, err)
			}
			if child.Parent != oldID {
				continue
			}
			child.Parent = newID
			if updates[id], err = encodeRecord(child); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, r.recordsKey(), oldID)
			pipe.HSet(ctx, r.recordsKey(), updates)
			if hasEntries > 0 {
				pipe.Rename(ctx, r.entriesKey(oldID), r.entriesKey(newID))
			}
			pipe.HDel(ctx, r.modifiedKey(), oldID)
			if stamp != "" {
				pipe.HSet(ctx, r.modifiedKey(), newID, stamp)
			}
			return nil
		})
		return err
	}, r.entriesKey(oldID), r.entriesKey(newID))
}

func (r *Redis) DropPatch(ctx context.Context, id string) error {
	return r.update(ctx, func(tx *redis.Tx) error {
		if _, ok, err := r.readRecord(ctx, tx, id); err != nil {
			return err
		} else if !ok {
			return ErrPatchNotFound
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, r.recordsKey(), id)
			pipe.HDel(ctx, r.modifiedKey(), id)
			pipe.Del(ctx, r.entriesKey(id))
			return nil
		})
		return err
	}, r.entriesKey(id))
}

func (r *Redis) SetTitle(ctx context.Context, id, title string) error {
	return r.update(ctx, func(tx *redis.Tx) error {
		rec, ok, err := r.readRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPatchNotFound
		}
		rec.Title = title
		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.recordsKey(), id, encoded)
			return nil
		})
		return err
	})
}

func (r *Redis) Get(ctx context.Context, id, path string) (Entry, bool, error) {
	raw, err := r.client.HGet(ctx, r.entriesKey(id), path).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get entry %s:%s: %w", id, path, err)
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (r *Redis) Put(ctx context.Context, id, path string, entry Entry) error {
	raw, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	keys := []string{r.recordsKey(), r.entriesKey(id), r.modifiedKey()}
	stored, err := putScript.Run(ctx, r.client, keys, id, path, raw, formatModified(r.now())).Int()
	if err != nil {
		return fmt.Errorf("put entry %s:%s: %w", id, path, err)
	}
	if stored == 0 {
		return ErrPatchNotFound
	}
	return nil
}

func (r *Redis) Entries(ctx context.Context, id string) (map[string]Entry, error) {
	all, err := r.client.HGetAll(ctx, r.entriesKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("list entries %s: %w", id, err)
	}
	out := make(map[string]Entry, len(all))
	for path, raw := range all {
		entry, err := decodeEntry([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("entry %s:%s: %w", id, path, err)
		}
		out[path] = entry
	}
	return out, nil
}

func (r *Redis) MergePatch(ctx context.Context, from, into string, collapse bool) error {
	return r.update(ctx, func(tx *redis.Tx) error {
		if _, ok, err := r.readRecord(ctx, tx, from); err != nil {
			return err
		} else if !ok {
			return ErrPatchNotFound
		}
		if _, ok, err := r.readRecord(ctx, tx, into); err != nil {
			return err
		} else if !ok {
			return ErrPatchNotFound
		}
		src, err := tx.HGetAll(ctx, r.entriesKey(from)).Result()
		if err != nil {
			return err
		}

		sets := make(map[string]interface{}, len(src))
		var dels []string
		for path, raw := range src {
			if collapse && raw == string([]byte{tagDeleted}) {
				dels = append(dels, path)
				continue
			}
			sets[path] = raw
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(sets) > 0 {
				pipe.HSet(ctx, r.entriesKey(into), sets)
			}
			if len(dels) > 0 {
				pipe.HDel(ctx, r.entriesKey(into), dels...)
			}
			pipe.HSet(ctx, r.modifiedKey(), into, formatModified(r.now()))
			pipe.HDel(ctx, r.recordsKey(), from)
			pipe.HDel(ctx, r.modifiedKey(), from)
			pipe.Del(ctx, r.entriesKey(from))
			return nil
		})
		return err
	}, r.entriesKey(from), r.entriesKey(into))
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
