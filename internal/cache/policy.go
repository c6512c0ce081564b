package cache

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Policy decides which keys leave a bounded store. It knows nothing about
// tags or payloads; the store applies its decisions. Implementations need
// not be safe for concurrent use.
type Policy interface {
	// Admit records an insert or overwrite of key and returns the keys that
	// must be dropped to stay within capacity. key is never among them.
	Admit(key string) (victims []string)
	// Touch marks key as most recently used if present.
	Touch(key string)
	Remove(key string)
	Contains(key string) bool
	// Keys returns tracked keys from least to most recently used.
	Keys() []string
	Len() int
	Reset()
}

// LRUPolicy evicts the least recently used key.
type LRUPolicy struct {
	lru      *simplelru.LRU[string, struct{}]
	capacity int
}

// NewLRUPolicy creates an LRU policy holding at most capacity keys.
func NewLRUPolicy(capacity int) (*LRUPolicy, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("lru capacity must be positive, got %d", capacity)
	}
	// no eviction callback: victims are chosen explicitly in Admit, so
	// Remove and Purge stay side-effect free
	lru, err := simplelru.NewLRU[string, struct{}](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &LRUPolicy{lru: lru, capacity: capacity}, nil
}

func (p *LRUPolicy) Admit(key string) []string {
	if p.lru.Contains(key) {
		p.lru.Get(key)
		return nil
	}
	var victims []string
	for p.lru.Len() >= p.capacity {
		k, _, ok := p.lru.RemoveOldest()
		if !ok {
			break
		}
		victims = append(victims, k)
	}
	p.lru.Add(key, struct{}{})
	return victims
}

func (p *LRUPolicy) Touch(key string) {
	p.lru.Get(key)
}

func (p *LRUPolicy) Remove(key string) {
	p.lru.Remove(key)
}

func (p *LRUPolicy) Contains(key string) bool {
	return p.lru.Contains(key)
}

func (p *LRUPolicy) Keys() []string {
	return p.lru.Keys()
}

func (p *LRUPolicy) Len() int {
	return p.lru.Len()
}

func (p *LRUPolicy) Reset() {
	p.lru.Purge()
}
