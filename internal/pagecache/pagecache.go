// Package pagecache reads and writes rendered output through cache stores,
// replaying stored cacheability into the render tree and applying the
// stale-while-revalidate and stale-if-error policies.
package pagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/tiercache/internal/cache"
	"github.com/wudi/tiercache/internal/cacheability"
	"github.com/wudi/tiercache/internal/logging"
)

// ErrNoStore is returned when a tier has no store configured.
var ErrNoStore = errors.New("pagecache: no store for tier")

// Status is how a lookup was served.
type Status string

const (
	StatusHit    Status = "HIT"
	StatusMiss   Status = "MISS"
	StatusStale  Status = "STALE"
	StatusBypass Status = "BYPASS"
)

// RenderFunc produces output for a scope. It declares cacheability on s.
type RenderFunc func(ctx context.Context, s *cacheability.Scope) ([]byte, error)

// Observer receives lookup results, typically to feed metrics.
type Observer interface {
	Lookup(store string, status Status)
}

// Options configures a Cache.
type Options struct {
	// Route, Component and Data are the tier stores. They may be shared.
	Route     *cache.Store
	Component *cache.Store
	Data      *cache.Store
	Observer  Observer
	// RefreshTimeout bounds background revalidation. Defaults to 30s.
	RefreshTimeout time.Duration
	Now            func() time.Time
}

// Cache bundles the tier stores and the revalidation machinery.
type Cache struct {
	route     *cache.Store
	component *cache.Store
	data      *cache.Store
	observer  Observer
	timeout   time.Duration
	now       func() time.Time
	tracer    trace.Tracer

	flight     singleflight.Group
	refreshing sync.WaitGroup
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		route:     opts.Route,
		component: opts.Component,
		data:      opts.Data,
		observer:  opts.Observer,
		timeout:   opts.RefreshTimeout,
		now:       opts.Now,
		tracer:    otel.Tracer("github.com/wudi/tiercache/internal/pagecache"),
	}
}

// Route returns the route tier store.
func (c *Cache) Route() *cache.Store { return c.route }

// Component reads through the component tier.
func (c *Cache) Component(ctx context.Context, parent *cacheability.Scope, key string, fn RenderFunc) ([]byte, error) {
	return c.Fetch(ctx, parent, c.component, key, fn)
}

// Data reads through the data tier.
func (c *Cache) Data(ctx context.Context, parent *cacheability.Scope, key string, fn RenderFunc) ([]byte, error) {
	return c.Fetch(ctx, parent, c.data, key, fn)
}

// Wait blocks until background refreshes finish.
func (c *Cache) Wait() {
	c.refreshing.Wait()
}

// Fetch returns the output for key, rendering with fn on a miss. A child of
// parent receives the cacheability of whatever is served: the stored
// metadata on a hit, or what fn declared on a render. Cacheable renders are
// written to store.
//
// Expired entries are served stale while the overage is within their
// stale-while-revalidate window, with a background refresh. Past that, fn
// runs synchronously and a failure falls back to the stale entry while the
// overage is within stale-if-error.
func (c *Cache) Fetch(ctx context.Context, parent *cacheability.Scope, store *cache.Store, key string, fn RenderFunc) ([]byte, error) {
	payload, _, err := c.lookup(ctx, parent, store, key, fn)
	return payload, err
}

func (c *Cache) lookup(ctx context.Context, parent *cacheability.Scope, store *cache.Store, key string, fn RenderFunc) ([]byte, Status, error) {
	if store == nil {
		return nil, StatusBypass, ErrNoStore
	}
	if parent == nil {
		parent = cacheability.RootAt(ctx, c.now)
	}
	ctx, span := c.tracer.Start(ctx, "pagecache.fetch", trace.WithAttributes(
		attribute.String("cache.store", store.Name()),
		attribute.String("cache.key", key),
	))
	defer span.End()

	scope := parent.ChildContext(ctx)
	defer scope.Finalize()

	payload, status, err := c.fetch(ctx, scope, store, key, fn)
	span.SetAttributes(attribute.String("cache.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.observer != nil {
		c.observer.Lookup(store.Name(), status)
	}
	return payload, status, err
}

func (c *Cache) fetch(ctx context.Context, scope *cacheability.Scope, store *cache.Store, key string, fn RenderFunc) ([]byte, Status, error) {
	entry, ok := store.Get(ctx, key)
	if !ok {
		payload, err := c.render(ctx, scope, store, key, fn)
		return payload, StatusMiss, err
	}

	now := c.now()
	if entry.IsFresh(now) {
		replay(scope, entry, now)
		return entry.Payload, StatusHit, nil
	}

	overage := entry.Overage(now)
	if entry.StaleWhileRevalidate > 0 && overage <= entry.StaleWhileRevalidate {
		replay(scope, entry, now)
		c.revalidate(store, key, fn)
		return entry.Payload, StatusStale, nil
	}

	payload, err := c.render(ctx, scope, store, key, fn)
	if err == nil {
		return payload, StatusMiss, nil
	}
	if entry.StaleIfError > 0 && overage <= entry.StaleIfError {
		logging.Warn("render failed, serving stale entry",
			zap.String("store", store.Name()),
			zap.String("key", key),
			zap.Duration("overage", overage),
			zap.Error(err),
		)
		replay(scope, entry, now)
		return entry.Payload, StatusStale, nil
	}
	return nil, StatusMiss, err
}

// render runs fn in its own scope so that a failed render leaves no
// declarations behind, then writes cacheable output through.
func (c *Cache) render(ctx context.Context, scope *cacheability.Scope, store *cache.Store, key string, fn RenderFunc) ([]byte, error) {
	rs := scope.ChildContext(ctx)
	payload, err := fn(ctx, rs)
	if err != nil {
		return nil, err
	}
	o := rs.Finalize()
	if o.Cacheable == cacheability.True {
		c.write(ctx, store, key, payload, o)
	}
	return payload, nil
}

func (c *Cache) write(ctx context.Context, store *cache.Store, key string, payload []byte, o cacheability.Outcome) {
	err := store.Set(ctx, key, payload, o.Tags, ExpiryFor(o.MaxAge), cache.SetOptions{
		StaleWhileRevalidate: window(o.StaleWhileRevalidate),
		StaleIfError:         window(o.StaleIfError),
	})
	if err != nil {
		// the output is still served, just not cached
		logging.Warn("cache write failed",
			zap.String("store", store.Name()),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// revalidate re-renders key in the background on a context detached from
// the request. Stale hits arriving while a refresh of the same key is in
// flight join it instead of starting another. A failure leaves the stale
// entry in place.
func (c *Cache) revalidate(store *cache.Store, key string, fn RenderFunc) {
	c.refreshing.Add(1)
	ch := c.flight.DoChan(store.Name()+"\x00"+key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		ctx, span := c.tracer.Start(ctx, "pagecache.revalidate", trace.WithAttributes(
			attribute.String("cache.store", store.Name()),
			attribute.String("cache.key", key),
		))
		defer span.End()

		root := cacheability.RootAt(ctx, c.now)
		payload, err := fn(ctx, root)
		if err != nil {
			span.RecordError(err)
			logging.Warn("background revalidation failed",
				zap.String("store", store.Name()),
				zap.String("key", key),
				zap.Error(err),
			)
			return nil, err
		}
		if o := root.Finalize(); o.Cacheable == cacheability.True {
			c.write(ctx, store, key, payload, o)
		}
		return nil, nil
	})
	go func() {
		defer c.refreshing.Done()
		<-ch
	}()
}

// replay declares a stored entry's metadata on scope. The max-age replayed
// is what is left of the entry's freshness.
func replay(scope *cacheability.Scope, e *cache.Entry, now time.Time) {
	o := cacheability.Outcome{Cacheable: cacheability.True, Tags: e.Tags}
	if d, ok := e.Remaining(now); ok {
		o.MaxAge = cacheability.SecsOf(d)
	} else {
		o.MaxAge = cacheability.Forever
	}
	if e.StaleWhileRevalidate > 0 {
		o.StaleWhileRevalidate = cacheability.SecsOf(e.StaleWhileRevalidate)
	}
	if e.StaleIfError > 0 {
		o.StaleIfError = cacheability.SecsOf(e.StaleIfError)
	}
	_ = scope.Declare(o)
}

// ExpiryFor maps a max-age window to a store expiry. Undefined and forever
// both keep the entry fresh indefinitely.
func ExpiryFor(maxAge cacheability.Seconds) cache.Expiry {
	if n, ok := maxAge.Int(); ok {
		return cache.In(time.Duration(n) * time.Second)
	}
	return cache.Forever()
}

// foreverWindow is how long a forever stale window is kept.
const foreverWindow = 365 * 24 * time.Hour

func window(s cacheability.Seconds) time.Duration {
	if s.IsForever() {
		return foreverWindow
	}
	return s.Duration()
}

// FetchJSON is Fetch for values stored as JSON.
func FetchJSON[T any](ctx context.Context, c *Cache, parent *cacheability.Scope, store *cache.Store, key string,
	fn func(ctx context.Context, s *cacheability.Scope) (T, error)) (T, error) {
	var zero T
	payload, err := c.Fetch(ctx, parent, store, key, func(ctx context.Context, s *cacheability.Scope) ([]byte, error) {
		v, err := fn(ctx, s)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return zero, fmt.Errorf("pagecache: decode %q: %w", key, err)
	}
	return out, nil
}
