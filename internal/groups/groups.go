// Package groups maps cache group names to the tags they stand for, so a
// purge of a member tag also purges entries tagged with the group name.
package groups

import (
	"sort"
	"sync"
)

// Group is a named alias for a set of member tags.
type Group struct {
	Name    string   `json:"name" yaml:"name"`
	Members []string `json:"members" yaml:"members"`
}

// Registry holds the group definitions. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

// NewRegistry creates a registry holding groups.
func NewRegistry(groups ...Group) *Registry {
	r := &Registry{groups: make(map[string]map[string]struct{})}
	for _, g := range groups {
		r.groups[g.Name] = memberSet(g.Members)
	}
	return r
}

func memberSet(members []string) map[string]struct{} {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m != "" {
			set[m] = struct{}{}
		}
	}
	return set
}

// Define registers name with members, overwriting any previous definition.
func (r *Registry) Define(name string, members []string) {
	set := memberSet(members)
	r.mu.Lock()
	r.groups[name] = set
	r.mu.Unlock()
}

// Remove deletes a group. It reports whether the group existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[name]
	delete(r.groups, name)
	return ok
}

// Replace swaps the whole set of definitions, as on a config reload.
func (r *Registry) Replace(all []Group) {
	next := make(map[string]map[string]struct{}, len(all))
	for _, g := range all {
		next[g.Name] = memberSet(g.Members)
	}
	r.mu.Lock()
	r.groups = next
	r.mu.Unlock()
}

// Resolve expands tags with the name of every group whose members intersect
// them. The requested tags come first, unchanged; group names follow in
// sorted order. Only one level is expanded: requested tags that are
// themselves group names never match other groups, which keeps
// Resolve(Resolve(x)) equal to Resolve(x).
func (r *Registry) Resolve(tags []string) []string {
	requested := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, dup := requested[t]; dup {
			continue
		}
		requested[t] = struct{}{}
		out = append(out, t)
	}

	r.mu.RLock()
	var matched []string
	for name, members := range r.groups {
		if _, already := requested[name]; already {
			continue
		}
		for t := range requested {
			if _, isGroup := r.groups[t]; isGroup {
				continue
			}
			if _, ok := members[t]; ok {
				matched = append(matched, name)
				break
			}
		}
	}
	r.mu.RUnlock()

	sort.Strings(matched)
	return append(out, matched...)
}

// CountForTag returns how many groups list tag as a member.
func (r *Registry) CountForTag(tag string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, members := range r.groups {
		if _, ok := members[tag]; ok {
			n++
		}
	}
	return n
}

// Groups returns all definitions sorted by name, members sorted.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.groups))
	for name, members := range r.groups {
		g := Group{Name: name, Members: make([]string, 0, len(members))}
		for m := range members {
			g.Members = append(g.Members, m)
		}
		sort.Strings(g.Members)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
