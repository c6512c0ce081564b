// Package cache implements a bounded, tag-indexed cache store over a
// pluggable backend.
package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/backend"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/tagindex"
)

// ErrEmptyKey is returned by Set for an empty key.
var ErrEmptyKey = errors.New("cache: empty key")

// Observer receives store events, typically to feed metrics.
type Observer interface {
	Evicted(store string, n int)
	BackendError(store, op string)
}

// Options configures a Store.
type Options struct {
	// Capacity is the maximum number of entries. Defaults to 1000.
	Capacity int
	// Policy overrides the default LRU policy.
	Policy Policy
	// BackendName is reported in stats, e.g. "memory" or "redis".
	BackendName string
	Observer    Observer
	// Now overrides the clock.
	Now func() time.Time
}

type meta struct {
	tags      []string
	createdAt time.Time
	expiresAt time.Time
	// retainUntil is when the backend may drop the record. Zero is never.
	retainUntil time.Time
	size        int
	gen         uint64
}

// Store is a fixed-capacity cache with a tag index. Mutations are
// serialized by a single writer lock held across the backend write and the
// index update, so the index and the entry set never diverge.
type Store struct {
	name        string
	capacity    int
	backend     backend.Backend
	backendName string
	observer    Observer
	now         func() time.Time

	mu     sync.Mutex
	policy Policy
	index  *tagindex.Index
	meta   map[string]*meta
	gen    uint64
	// nextPrune is the earliest retainUntil in meta, zero when none is set.
	nextPrune time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// PurgeResult reports how many entries a purge removed from one store.
type PurgeResult struct {
	Store  string `json:"store"`
	Purged int    `json:"purged"`
}

// Stats contains store statistics.
type Stats struct {
	Name      string `json:"name"`
	Backend   string `json:"backend"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Tags      int    `json:"tags"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
}

// New creates a store named name over b.
func New(name string, b backend.Backend, opts Options) (*Store, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.Policy == nil {
		p, err := NewLRUPolicy(opts.Capacity)
		if err != nil {
			return nil, err
		}
		opts.Policy = p
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		name:        name,
		capacity:    opts.Capacity,
		backend:     b,
		backendName: opts.BackendName,
		observer:    opts.Observer,
		now:         opts.Now,
		policy:      opts.Policy,
		index:       tagindex.New(),
		meta:        make(map[string]*meta),
	}, nil
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Capacity returns the maximum number of entries.
func (s *Store) Capacity() int { return s.capacity }

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.meta)
}

// Get returns the entry for key and marks it most recently used. A backend
// miss or failure is a miss. Expired entries are returned as-is.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool) {
	s.mu.Lock()
	m, ok := s.meta[key]
	var gen uint64
	if ok {
		gen = m.gen
	}
	s.mu.Unlock()
	if !ok {
		s.misses.Add(1)
		return nil, false
	}

	rec, found, err := s.backend.Get(ctx, key)
	if err != nil {
		s.backendError("get", err, zap.String("key", key))
		s.misses.Add(1)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, present := s.meta[key]
	if !present {
		s.misses.Add(1)
		return nil, false
	}
	if !found {
		// the backend dropped it; forget our metadata unless a newer write
		// landed while we were reading
		if cur.gen == gen {
			s.dropLocked(key)
		}
		s.misses.Add(1)
		return nil, false
	}
	s.policy.Touch(key)
	s.hits.Add(1)
	return &Entry{
		Key:                  key,
		Payload:              rec.Payload,
		Tags:                 rec.Tags,
		CreatedAt:            rec.CreatedAt,
		ExpiresAt:            rec.ExpiresAt,
		StaleWhileRevalidate: rec.StaleWhileRevalidate,
		StaleIfError:         rec.StaleIfError,
	}, true
}

// Set inserts or replaces key. The backend is written first; if that fails
// the error is returned and the index is left untouched. Entries pushed out
// by the policy are removed in the same critical section.
func (s *Store) Set(ctx context.Context, key string, payload []byte, tags []string, exp Expiry, opts SetOptions) error {
	if key == "" {
		return ErrEmptyKey
	}
	tags = dedupe(tags)
	now := s.now()
	rec := &backend.Record{
		Key:                  key,
		Payload:              payload,
		Tags:                 tags,
		CreatedAt:            now,
		ExpiresAt:            exp.deadline(now),
		StaleWhileRevalidate: opts.StaleWhileRevalidate,
		StaleIfError:         opts.StaleIfError,
	}

	retention := backend.Retention(rec, now)
	var retainUntil time.Time
	if retention > 0 {
		retainUntil = now.Add(retention)
	}

	s.mu.Lock()
	if err := s.backend.Set(ctx, rec, retention); err != nil {
		s.mu.Unlock()
		s.backendError("set", err, zap.String("key", key))
		return fmt.Errorf("cache %s: set %q: %w", s.name, key, err)
	}

	var oldTags []string
	if old, ok := s.meta[key]; ok {
		oldTags = old.tags
	}
	s.index.Replace(key, oldTags, tags)
	s.gen++
	s.meta[key] = &meta{
		tags:        tags,
		createdAt:   rec.CreatedAt,
		expiresAt:   rec.ExpiresAt,
		retainUntil: retainUntil,
		size:        len(payload),
		gen:         s.gen,
	}
	if !retainUntil.IsZero() && (s.nextPrune.IsZero() || retainUntil.Before(s.nextPrune)) {
		s.nextPrune = retainUntil
	}

	victims := s.policy.Admit(key)
	for _, v := range victims {
		s.forgetLocked(v)
	}
	if len(victims) > 0 {
		if _, err := s.backend.Remove(ctx, victims...); err != nil {
			s.backendError("evict", err, zap.Int("victims", len(victims)))
		}
	}
	s.mu.Unlock()

	if len(victims) > 0 {
		s.evictions.Add(int64(len(victims)))
		if s.observer != nil {
			s.observer.Evicted(s.name, len(victims))
		}
	}
	return nil
}

// PurgeTags removes every entry carrying any of tags. Each entry is removed
// once however many of the tags it carries.
func (s *Store) PurgeTags(ctx context.Context, tags []string) PurgeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	seen := make(map[string]struct{})
	var keys []string
	for _, tag := range tags {
		for _, k := range s.index.KeysForTag(tag) {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return s.purgeLocked(ctx, keys)
}

// PurgeKeys removes the given keys. Unknown keys are ignored.
func (s *Store) PurgeKeys(ctx context.Context, keys []string) PurgeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	var present []string
	for _, k := range dedupe(keys) {
		if _, ok := s.meta[k]; ok {
			present = append(present, k)
		}
	}
	return s.purgeLocked(ctx, present)
}

func (s *Store) purgeLocked(ctx context.Context, keys []string) PurgeResult {
	for _, k := range keys {
		s.dropLocked(k)
	}
	if len(keys) > 0 {
		if _, err := s.backend.Remove(ctx, keys...); err != nil {
			s.backendError("remove", err, zap.Int("keys", len(keys)))
		}
	}
	return PurgeResult{Store: s.name, Purged: len(keys)}
}

// PurgeAll empties the store and its index.
func (s *Store) PurgeAll(ctx context.Context) PurgeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	n := len(s.meta)
	if _, err := s.backend.Clear(ctx); err != nil {
		s.backendError("clear", err)
	}
	s.policy.Reset()
	s.index.Reset()
	s.meta = make(map[string]*meta)
	s.nextPrune = time.Time{}
	return PurgeResult{Store: s.name, Purged: n}
}

// pruneLocked forgets entries whose retention has passed. The backend is
// free to have dropped them already, so they no longer count as stored.
func (s *Store) pruneLocked() {
	now := s.now()
	if s.nextPrune.IsZero() || now.Before(s.nextPrune) {
		return
	}
	var next time.Time
	for key, m := range s.meta {
		if m.retainUntil.IsZero() {
			continue
		}
		if !now.Before(m.retainUntil) {
			s.dropLocked(key)
			continue
		}
		if next.IsZero() || m.retainUntil.Before(next) {
			next = m.retainUntil
		}
	}
	s.nextPrune = next
}

// dropLocked removes key from the policy, the index and the metadata.
func (s *Store) dropLocked(key string) {
	s.policy.Remove(key)
	s.forgetLocked(key)
}

// forgetLocked removes key's metadata and tag references.
func (s *Store) forgetLocked(key string) {
	m, ok := s.meta[key]
	if !ok {
		return
	}
	s.index.Replace(key, m.tags, nil)
	delete(s.meta, key)
}

// Entries lists entries from most to least recently used.
func (s *Store) Entries(offset, limit int) backend.EntryPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	keys := s.policy.Keys()
	slices.Reverse(keys)
	total := len(keys)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	keys = keys[offset:]
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}

	page := backend.EntryPage{Rows: make([]backend.EntrySummary, 0, len(keys)), Total: total}
	for _, k := range keys {
		m := s.meta[k]
		if m == nil {
			continue
		}
		page.Rows = append(page.Rows, backend.EntrySummary{
			Key:       k,
			Tags:      append([]string(nil), m.tags...),
			CreatedAt: m.createdAt,
			ExpiresAt: m.expiresAt,
			Size:      m.size,
		})
	}
	return page
}

// TagCounts returns the number of entries per tag.
func (s *Store) TagCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return s.index.TagCounts()
}

// KeysForTag returns the keys carrying tag.
func (s *Store) KeysForTag(tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return s.index.KeysForTag(tag)
}

// Stats returns a statistics snapshot.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	s.pruneLocked()
	size, tags := len(s.meta), s.index.Len()
	s.mu.Unlock()
	return Stats{
		Name:      s.name,
		Backend:   s.backendName,
		Size:      size,
		Capacity:  s.capacity,
		Tags:      tags,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Warm rebuilds the recency order and tag index from what the backend
// already holds, oldest write first. Entries beyond capacity are removed
// from the backend. It returns the number of entries loaded.
func (s *Store) Warm(ctx context.Context) (int, error) {
	const pageSize = 500
	var rows []backend.EntrySummary
	for offset := 0; ; offset += pageSize {
		pg, err := s.backend.ListEntries(ctx, offset, pageSize)
		if err != nil {
			return 0, fmt.Errorf("cache %s: warm: %w", s.name, err)
		}
		rows = append(rows, pg.Rows...)
		if len(pg.Rows) < pageSize || offset+pageSize >= pg.Total {
			break
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []string
	for _, row := range rows {
		tags := dedupe(row.Tags)
		var oldTags []string
		if old, ok := s.meta[row.Key]; ok {
			oldTags = old.tags
		}
		s.index.Replace(row.Key, oldTags, tags)
		s.gen++
		s.meta[row.Key] = &meta{
			tags:      tags,
			createdAt: row.CreatedAt,
			expiresAt: row.ExpiresAt,
			size:      row.Size,
			gen:       s.gen,
		}
		for _, v := range s.policy.Admit(row.Key) {
			s.forgetLocked(v)
			victims = append(victims, v)
		}
	}
	if len(victims) > 0 {
		if _, err := s.backend.Remove(ctx, victims...); err != nil {
			s.backendError("evict", err, zap.Int("victims", len(victims)))
		}
	}
	return len(s.meta), nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) backendError(op string, err error, fields ...zap.Field) {
	if s.observer != nil {
		s.observer.BackendError(s.name, op)
	}
	fields = append(fields,
		zap.String("store", s.name),
		zap.String("op", op),
		zap.Error(err),
	)
	logging.Warn("cache backend operation failed", fields...)
}

// dedupe drops empty and repeated strings, keeping first occurrences.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
