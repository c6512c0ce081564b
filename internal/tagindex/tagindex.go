// Package tagindex maps cache tags to the set of entry keys carrying them.
//
// An Index is not safe for concurrent use. The owning store serializes
// access so that entry writes and index updates are observed together.
package tagindex

import "sort"

// Index is a tag → set(key) mapping. A tag is present only while at least
// one key references it.
type Index struct {
	tags map[string]map[string]struct{}
	refs int
}

// New returns an empty index.
func New() *Index {
	return &Index{tags: make(map[string]map[string]struct{})}
}

// AddRef records that key carries tag. Adding an existing reference is a no-op.
func (ix *Index) AddRef(tag, key string) {
	keys, ok := ix.tags[tag]
	if !ok {
		keys = make(map[string]struct{})
		ix.tags[tag] = keys
	}
	if _, dup := keys[key]; dup {
		return
	}
	keys[key] = struct{}{}
	ix.refs++
}

// RemoveRef drops the reference from tag to key, deleting the tag once its
// key set is empty. Removing a missing reference is a no-op.
func (ix *Index) RemoveRef(tag, key string) {
	keys, ok := ix.tags[tag]
	if !ok {
		return
	}
	if _, present := keys[key]; !present {
		return
	}
	delete(keys, key)
	ix.refs--
	if len(keys) == 0 {
		delete(ix.tags, tag)
	}
}

// Replace moves key from oldTags to newTags. Old references are dropped
// before new ones are added, so a tag present in both keeps its reference.
func (ix *Index) Replace(key string, oldTags, newTags []string) {
	for _, tag := range oldTags {
		ix.RemoveRef(tag, key)
	}
	for _, tag := range newTags {
		ix.AddRef(tag, key)
	}
}

// KeysForTag returns the keys carrying tag. Cost is proportional to the
// number of matching keys.
func (ix *Index) KeysForTag(tag string) []string {
	keys := ix.tags[tag]
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// HasRef reports whether key is referenced by tag.
func (ix *Index) HasRef(tag, key string) bool {
	_, ok := ix.tags[tag][key]
	return ok
}

// TagCounts returns the number of keys per tag.
func (ix *Index) TagCounts() map[string]int {
	out := make(map[string]int, len(ix.tags))
	for tag, keys := range ix.tags {
		out[tag] = len(keys)
	}
	return out
}

// Tags returns all indexed tags in sorted order.
func (ix *Index) Tags() []string {
	out := make([]string, 0, len(ix.tags))
	for tag := range ix.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of distinct tags.
func (ix *Index) Len() int {
	return len(ix.tags)
}

// Refs returns the total number of tag → key references.
func (ix *Index) Refs() int {
	return ix.refs
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.tags = make(map[string]map[string]struct{})
	ix.refs = 0
}
