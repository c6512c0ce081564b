// Package purge fans invalidation out across the registered cache stores.
package purge

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/tiercache/internal/backend"
	"github.com/wudi/tiercache/internal/byname"
	"github.com/wudi/tiercache/internal/cache"
	"github.com/wudi/tiercache/internal/groups"
	"github.com/wudi/tiercache/internal/logging"
)

// Purge kinds reported to the Observer.
const (
	KindAll  = "all"
	KindTags = "tags"
	KindKeys = "keys"
)

// Observer receives purge counts per store.
type Observer interface {
	Purged(store, kind string, n int)
}

// AllResult is the result of purging every store.
type AllResult struct {
	Success bool           `json:"success"`
	Purged  map[string]int `json:"purged"`
}

// TagsResult is the result of a tag purge. Tags is the requested list
// after group expansion.
type TagsResult struct {
	Tags   []string       `json:"tags"`
	Purged map[string]int `json:"purged"`
}

// KeysResult is the result of a key purge on one store.
type KeysResult struct {
	Store  string `json:"store"`
	Purged int    `json:"purged"`
}

// TagStat is the usage of one tag across stores.
type TagStat struct {
	Tag    string         `json:"tag"`
	Total  int            `json:"total"`
	Stores map[string]int `json:"stores"`
	Groups int            `json:"groups"`
}

// TagStatsPage is one page of TagStats.
type TagStatsPage struct {
	Rows  []TagStat `json:"rows"`
	Total int       `json:"total"`
}

// Service owns the store registry and the group registry. Stores are
// registered once at startup.
type Service struct {
	stores   *byname.Manager[*cache.Store]
	groups   *groups.Registry
	observer Observer
	tracer   trace.Tracer
}

// New creates a Service resolving groups through reg. A nil reg means no
// groups.
func New(reg *groups.Registry, obs Observer) *Service {
	if reg == nil {
		reg = groups.NewRegistry()
	}
	return &Service{
		stores:   byname.New[*cache.Store](),
		groups:   reg,
		observer: obs,
		tracer:   otel.Tracer("github.com/wudi/tiercache/internal/purge"),
	}
}

// Register adds a store under its name, replacing one of the same name.
func (s *Service) Register(st *cache.Store) {
	s.stores.Add(st.Name(), st)
}

// Store returns the named store.
func (s *Service) Store(name string) (*cache.Store, bool) {
	return s.stores.Get(name)
}

// Names returns the registered store names, sorted.
func (s *Service) Names() []string {
	return s.stores.Names()
}

// Groups returns the group registry.
func (s *Service) Groups() *groups.Registry {
	return s.groups
}

// Stats returns per-store statistics.
func (s *Service) Stats() map[string]cache.Stats {
	return byname.CollectStats(s.stores, (*cache.Store).Stats)
}

// PurgeAll empties every store.
func (s *Service) PurgeAll(ctx context.Context) AllResult {
	ctx, span := s.tracer.Start(ctx, "purge.all")
	defer span.End()

	purged := s.fanOut(ctx, KindAll, func(ctx context.Context, st *cache.Store) cache.PurgeResult {
		return st.PurgeAll(ctx)
	})
	logging.Info("purged all stores", zap.Any("purged", purged))
	return AllResult{Success: true, Purged: purged}
}

// PurgeTags expands tags through the group registry and purges the result
// from every store.
func (s *Service) PurgeTags(ctx context.Context, tags []string) TagsResult {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			clean = append(clean, t)
		}
	}
	expanded := s.groups.Resolve(clean)

	ctx, span := s.tracer.Start(ctx, "purge.tags", trace.WithAttributes(
		attribute.StringSlice("cache.tags", expanded),
	))
	defer span.End()

	if len(expanded) == 0 {
		return TagsResult{Tags: expanded, Purged: map[string]int{}}
	}
	purged := s.fanOut(ctx, KindTags, func(ctx context.Context, st *cache.Store) cache.PurgeResult {
		return st.PurgeTags(ctx, expanded)
	})
	logging.Info("purged tags",
		zap.Strings("tags", expanded),
		zap.Any("purged", purged),
	)
	return TagsResult{Tags: expanded, Purged: purged}
}

// PurgeKeys removes keys from the named store. An unknown store purges
// nothing.
func (s *Service) PurgeKeys(ctx context.Context, store string, keys []string) KeysResult {
	st, ok := s.stores.Get(store)
	if !ok {
		return KeysResult{Store: store}
	}
	ctx, span := s.tracer.Start(ctx, "purge.keys", trace.WithAttributes(
		attribute.String("cache.store", store),
		attribute.Int("cache.keys", len(keys)),
	))
	defer span.End()

	res := st.PurgeKeys(ctx, keys)
	if s.observer != nil {
		s.observer.Purged(store, KindKeys, res.Purged)
	}
	return KeysResult{Store: store, Purged: res.Purged}
}

// fanOut runs fn on every store concurrently and collects the counts.
func (s *Service) fanOut(ctx context.Context, kind string, fn func(context.Context, *cache.Store) cache.PurgeResult) map[string]int {
	var (
		mu     sync.Mutex
		purged = make(map[string]int, s.stores.Len())
		g      errgroup.Group
	)
	for name, st := range s.stores.Snapshot() {
		g.Go(func() error {
			res := fn(ctx, st)
			mu.Lock()
			purged[name] = res.Purged
			mu.Unlock()
			if s.observer != nil {
				s.observer.Purged(name, kind, res.Purged)
			}
			return nil
		})
	}
	_ = g.Wait()
	return purged
}

// Entries lists the named store's entries, most recently used first.
func (s *Service) Entries(store string, offset, limit int) (backend.EntryPage, bool) {
	st, ok := s.stores.Get(store)
	if !ok {
		return backend.EntryPage{}, false
	}
	return st.Entries(offset, limit), true
}

// TagStats aggregates tag usage across stores, highest total first and by
// tag name among equals.
func (s *Service) TagStats(offset, limit int) TagStatsPage {
	byTag := make(map[string]*TagStat)
	for name, st := range s.stores.Snapshot() {
		for tag, n := range st.TagCounts() {
			ts, ok := byTag[tag]
			if !ok {
				ts = &TagStat{Tag: tag, Stores: make(map[string]int)}
				byTag[tag] = ts
			}
			ts.Total += n
			ts.Stores[name] = n
		}
	}

	rows := make([]TagStat, 0, len(byTag))
	for _, ts := range byTag {
		ts.Groups = s.groups.CountForTag(ts.Tag)
		rows = append(rows, *ts)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].Tag < rows[j].Tag
	})

	total := len(rows)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return TagStatsPage{Rows: rows, Total: total}
}

// Close closes every store.
func (s *Service) Close() error {
	var errs []error
	s.stores.Range(func(_ string, st *cache.Store) bool {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return stderrors.Join(errs...)
}
