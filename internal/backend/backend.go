// Package backend defines the storage contract used by cache stores and
// provides in-process, Redis, Badger and SQLite implementations.
package backend

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("backend closed")
	// ErrEmptyKey is returned when a record has no key.
	ErrEmptyKey = errors.New("empty key")
	// ErrNoPrefix is returned by Clear on a shared keyspace with no prefix.
	ErrNoPrefix = errors.New("backend has no key prefix")
)

// Record is one stored cache entry.
type Record struct {
	Key       string
	Payload   []byte
	Tags      []string
	CreatedAt time.Time
	// ExpiresAt is when the entry stops being fresh. Zero means never.
	ExpiresAt            time.Time
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = bytes.Clone(r.Payload)
	c.Tags = append([]string(nil), r.Tags...)
	return &c
}

// Summary returns the listing view of r.
func (r *Record) Summary() EntrySummary {
	return EntrySummary{
		Key:       r.Key,
		Tags:      append([]string(nil), r.Tags...),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Size:      len(r.Payload),
	}
}

// EntrySummary is a payload-free view of a record for stats listings.
type EntrySummary struct {
	Key       string    `json:"key"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Size      int       `json:"size"`
}

// EntryPage is one page of a listing plus the total number of rows.
type EntryPage struct {
	Rows  []EntrySummary `json:"rows"`
	Total int            `json:"total"`
}

// TagCount is the number of entries carrying a tag.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Backend is the storage contract every driver satisfies. Implementations
// must be safe for concurrent use, and repeated identical calls must be
// idempotent.
type Backend interface {
	// Get returns the record for key. A missing key is reported with
	// ok=false and a nil error.
	Get(ctx context.Context, key string) (rec *Record, ok bool, err error)
	// Set stores rec. ttl bounds how long the backend retains it; zero
	// retains it until removed.
	Set(ctx context.Context, rec *Record, ttl time.Duration) error
	// Has reports whether key is stored.
	Has(ctx context.Context, key string) (bool, error)
	// Remove deletes keys and returns how many existed.
	Remove(ctx context.Context, keys ...string) (int, error)
	// ListEntries returns entries ordered by key.
	ListEntries(ctx context.Context, offset, limit int) (EntryPage, error)
	// ListTags returns tag usage ordered by count descending, then tag.
	ListTags(ctx context.Context, offset, limit int) ([]TagCount, error)
	// Clear removes everything and returns how many entries existed.
	Clear(ctx context.Context) (int, error)
	// Close releases resources.
	Close() error
}

// Retention returns how long a backend should keep rec: its remaining
// freshness plus the longest stale window. Zero means keep forever.
func Retention(rec *Record, now time.Time) time.Duration {
	if rec.ExpiresAt.IsZero() {
		return 0
	}
	ttl := rec.ExpiresAt.Sub(now)
	if stale := max(rec.StaleWhileRevalidate, rec.StaleIfError); stale > 0 {
		if ttl > math.MaxInt64-stale {
			return 0
		}
		ttl += stale
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// page slices rows by offset/limit. limit <= 0 means no limit.
func page[T any](rows []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// sortTagCounts orders by count descending, then tag ascending.
func sortTagCounts(counts map[string]int) []TagCount {
	out := make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}
