package backend

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryItem struct {
	rec      *Record
	deadline time.Time // zero = retained until removed
}

// Memory is an in-process map backend. It honors retention TTLs lazily on
// read.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	closed bool
	now    func() time.Time
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Record, bool, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, false, ErrClosed
	}
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !item.deadline.IsZero() && m.now().After(item.deadline) {
		m.mu.Lock()
		if cur, ok := m.items[key]; ok && cur.deadline.Equal(item.deadline) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return item.rec.Clone(), true, nil
}

func (m *Memory) Set(_ context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return ErrEmptyKey
	}
	item := memoryItem{rec: rec.Clone()}
	if ttl > 0 {
		item.deadline = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items[rec.Key] = item
	return nil
}

func (m *Memory) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Memory) Remove(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, key := range keys {
		if _, ok := m.items[key]; ok {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListEntries(_ context.Context, offset, limit int) (EntryPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return EntryPage{}, ErrClosed
	}
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := page(keys, offset, limit)
	out := EntryPage{Rows: make([]EntrySummary, 0, len(rows)), Total: len(keys)}
	for _, k := range rows {
		out.Rows = append(out.Rows, m.items[k].rec.Summary())
	}
	return out, nil
}

func (m *Memory) ListTags(_ context.Context, offset, limit int) ([]TagCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	counts := make(map[string]int)
	for _, item := range m.items {
		for _, tag := range item.rec.Tags {
			counts[tag]++
		}
	}
	return page(sortTagCounts(counts), offset, limit), nil
}

func (m *Memory) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := len(m.items)
	m.items = make(map[string]memoryItem)
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	return nil
}
