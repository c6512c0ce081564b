package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 100 * time.Millisecond

// Redis is a backend over a Redis server. Records live at
// prefix+"entry:"+key and every tag owns a set at prefix+"tag:"+tag.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedis creates a Redis backend. prefix namespaces every key, e.g.
// "tiercache:pages:". The backend owns client and closes it on Close.
func NewRedis(client *redis.Client, prefix string, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &Redis{client: client, prefix: prefix, timeout: timeout}
}

func (r *Redis) entryKey(key string) string { return r.prefix + "entry:" + key }
func (r *Redis) tagKey(tag string) string   { return r.prefix + "tag:" + tag }

func (r *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Get(ctx context.Context, key string) (*Record, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (r *Redis) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return ErrEmptyKey
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	old, _, err := r.Get(ctx, rec.Key)
	if err != nil {
		old = nil
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(rec.Key), data, ttl)
	if old != nil {
		for _, tag := range old.Tags {
			pipe.SRem(ctx, r.tagKey(tag), rec.Key)
		}
	}
	for _, tag := range rec.Tags {
		pipe.SAdd(ctx, r.tagKey(tag), rec.Key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %q: %w", rec.Key, err)
	}
	return nil
}

func (r *Redis) Has(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, r.entryKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Remove(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.entryKey(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis mget: %w", err)
	}

	removed := 0
	pipe := r.client.TxPipeline()
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		removed++
		pipe.Del(ctx, full[i])
		if rec, err := decodeRecord([]byte(s)); err == nil {
			for _, tag := range rec.Tags {
				pipe.SRem(ctx, r.tagKey(tag), keys[i])
			}
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis remove: %w", err)
	}
	return removed, nil
}

// scan collects every key matching pattern. It uses its own deadline since
// a full scan outlives the per-operation timeout.
func (r *Redis) scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %q: %w", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *Redis) ListEntries(ctx context.Context, offset, limit int) (EntryPage, error) {
	found, err := r.scan(ctx, r.entryKey("*"))
	if err != nil {
		return EntryPage{}, err
	}
	sort.Strings(found)

	rows := page(found, offset, limit)
	out := EntryPage{Rows: make([]EntrySummary, 0, len(rows)), Total: len(found)}
	if len(rows) == 0 {
		return out, nil
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()
	vals, err := r.client.MGet(ctx, rows...).Result()
	if err != nil {
		return EntryPage{}, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			rec = &Record{Key: strings.TrimPrefix(rows[i], r.entryKey(""))}
		}
		out.Rows = append(out.Rows, rec.Summary())
	}
	return out, nil
}

// ListTags counts live members of every tag set. Members whose record has
// expired are pruned on the way.
func (r *Redis) ListTags(ctx context.Context, offset, limit int) ([]TagCount, error) {
	tagKeys, err := r.scan(ctx, r.tagKey("*"))
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(tagKeys))
	for _, tk := range tagKeys {
		tag := strings.TrimPrefix(tk, r.tagKey(""))
		n, err := r.liveMembers(ctx, tk)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			counts[tag] = n
		}
	}
	return page(sortTagCounts(counts), offset, limit), nil
}

func (r *Redis) liveMembers(ctx context.Context, tagKey string) (int, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	members, err := r.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers %q: %w", tagKey, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	exists := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		exists[i] = pipe.Exists(ctx, r.entryKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis exists: %w", err)
	}

	var dead []any
	live := 0
	for i, cmd := range exists {
		if cmd.Val() > 0 {
			live++
		} else {
			dead = append(dead, members[i])
		}
	}
	if len(dead) > 0 {
		if err := r.client.SRem(ctx, tagKey, dead...).Err(); err != nil {
			return 0, fmt.Errorf("redis srem %q: %w", tagKey, err)
		}
	}
	return live, nil
}

// Clear deletes every key under the prefix. It refuses to run without one
// rather than wipe the whole database.
func (r *Redis) Clear(ctx context.Context) (int, error) {
	if r.prefix == "" {
		return 0, ErrNoPrefix
	}
	found, err := r.scan(ctx, r.prefix+"*")
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries := 0
	entryPrefix := r.entryKey("")
	for start := 0; start < len(found); start += 100 {
		batch := found[start:min(start+100, len(found))]
		for _, k := range batch {
			if strings.HasPrefix(k, entryPrefix) {
				entries++
			}
		}
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return 0, fmt.Errorf("redis clear: %w", err)
		}
	}
	return entries, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
