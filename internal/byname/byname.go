package byname

import (
	"sort"
	"sync"
)

// Manager is a generic thread-safe name → T store. Stores, tiers and
// route handlers are all registered by name through it.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item under name, replacing any previous one.
func (m *Manager[T]) Add(name string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[name] = item
	m.mu.Unlock()
}

// Get retrieves the item stored under name.
func (m *Manager[T]) Get(name string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[name]
	m.mu.RUnlock()
	return v, ok
}

// Remove deletes the item stored under name and reports whether it existed.
func (m *Manager[T]) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[name]; !ok {
		return false
	}
	delete(m.items, name)
	return true
}

// Names returns all registered names in sorted order.
func (m *Manager[T]) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.items))
	for name := range m.items {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Range iterates over all items. Return false from fn to stop early.
func (m *Manager[T]) Range(fn func(name string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, item := range m.items {
		if !fn(name, item) {
			break
		}
	}
}

// Snapshot returns a copy of the current name → item map.
func (m *Manager[T]) Snapshot() map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]T, len(m.items))
	for name, item := range m.items {
		out[name] = item
	}
	return out
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes all stored items.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}

// CollectStats builds a name → stats map using fn.
func CollectStats[T any, S any](m *Manager[T], fn func(T) S) map[string]S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]S, len(m.items))
	for name, item := range m.items {
		out[name] = fn(item)
	}
	return out
}
