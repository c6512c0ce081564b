// Package proxy serves configured path prefixes from an origin through the
// route cache tier. The origin's caching headers declare the route scope.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/cache"
	"github.com/wudi/tiercache/internal/cacheability"
	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/metrics"
	"github.com/wudi/tiercache/internal/middleware"
	"github.com/wudi/tiercache/internal/pagecache"
	"github.com/wudi/tiercache/internal/tracing"
)

// Options wires a Proxy to the rest of the process.
type Options struct {
	Cache *pagecache.Cache
	// Store resolves a route's store by name.
	Store   func(name string) (*cache.Store, bool)
	Headers cacheability.HeaderNames
	// Transports defaults to a pool built from the upstream config section.
	Transports *TransportPool
	Tracer     *tracing.Tracer
	Metrics    *metrics.Collector
}

// Route is one proxied prefix.
type Route struct {
	name     string
	prefix   string
	cfg      config.RouteConfig
	upstream *url.URL
	names    cacheability.HeaderNames
	handler  http.Handler
}

// Name returns the route name used in logs and metrics.
func (rt *Route) Name() string { return rt.name }

// Proxy dispatches requests to the route with the longest matching prefix.
type Proxy struct {
	routes     []*Route
	transports *TransportPool
	metrics    *metrics.Collector
}

// New builds a Proxy for cfg.Routes.
func New(cfg *config.Config, opts Options) (*Proxy, error) {
	if opts.Cache == nil || opts.Store == nil {
		return nil, fmt.Errorf("proxy: cache and store lookup are required")
	}
	if opts.Headers.Tags == "" {
		opts.Headers.Tags = cacheability.DefaultHeaderNames().Tags
	}
	if opts.Transports == nil {
		opts.Transports = NewTransportPool(TransportConfigFrom(cfg.Upstream))
	}

	p := &Proxy{transports: opts.Transports, metrics: opts.Metrics}
	for _, rc := range cfg.Routes {
		rt, err := newRoute(cfg, rc, opts)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}
		p.routes = append(p.routes, rt)
	}
	sort.SliceStable(p.routes, func(i, j int) bool {
		return len(p.routes[i].prefix) > len(p.routes[j].prefix)
	})
	return p, nil
}

func newRoute(cfg *config.Config, rc config.RouteConfig, opts Options) (*Route, error) {
	upstream, err := url.Parse(rc.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	storeName := cfg.RouteStore(rc)
	store, ok := opts.Store(storeName)
	if !ok {
		return nil, fmt.Errorf("unknown store %q", storeName)
	}
	transport, err := opts.Transports.Get(upstream.Host)
	if err != nil {
		return nil, err
	}

	rt := &Route{
		name:     rc.Name,
		prefix:   rc.PathPrefix,
		cfg:      rc,
		upstream: upstream,
		names:    opts.Headers,
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			// Let the transport negotiate compression so stored bodies
			// are always identity encoded.
			pr.Out.Header.Del("Accept-Encoding")
			tracing.InjectHeaders(pr.In, pr.Out)
		},
		Transport:      transport,
		ModifyResponse: rt.declare,
		ErrorHandler:   rt.upstreamFailed,
	}

	rt.handler = middleware.NewChain(
		opts.Cache.Middleware(store, pagecache.MiddlewareOptions{
			Methods:     rc.Methods,
			Vary:        rc.Vary,
			MaxBodySize: rc.MaxBodySize,
			Headers:     opts.Headers,
		}),
		tracing.SpanMiddleware(opts.Tracer, "proxy.upstream", withTimeout(rc.Timeout),
			attribute.String("tiercache.route", rt.name),
			attribute.String("tiercache.store", store.Name()),
		),
	).Then(rp)
	return rt, nil
}

// Routes returns the routes in match order.
func (p *Proxy) Routes() []*Route {
	return p.routes
}

func (p *Proxy) match(path string) *Route {
	for _, rt := range p.routes {
		if matchPrefix(rt.prefix, path) {
			return rt
		}
	}
	return nil
}

// matchPrefix matches whole path segments, so /blog does not match /blogroll.
func matchPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := p.match(r.URL.Path)
	if rt == nil {
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	rt.handler.ServeHTTP(sw, r)
	if p.metrics != nil {
		p.metrics.RecordRequest(rt.name, r.Method, sw.status, time.Since(start))
	}
}

// CloseIdleConnections drops idle origin connections.
func (p *Proxy) CloseIdleConnections() {
	p.transports.CloseIdleConnections()
}

// declare translates the origin's caching headers into the route scope.
// Non-2xx responses are left to the page cache, which never stores them.
func (rt *Route) declare(resp *http.Response) error {
	s := cacheability.FromContext(resp.Request.Context())
	if s == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	d, verdict := rt.directive(resp.Header)
	var err error
	switch verdict {
	case uncacheable:
		err = s.NoCache()
	case cacheable:
		err = s.Cache(d)
	default:
		if len(d.Tags) > 0 {
			err = s.Tag(d.Tags...)
		}
	}
	if err != nil {
		logging.Debug("route scope declaration ignored",
			zap.String("route", rt.name),
			zap.Error(err),
		)
	}
	return nil
}

type verdict int

const (
	undeclared verdict = iota
	cacheable
	uncacheable
)

// directive reads Cache-Control and the tag headers, falling back to the
// route defaults for windows the origin does not set. s-maxage wins over
// max-age. no-store, no-cache and private responses are never shared.
func (rt *Route) directive(h http.Header) (cacheability.Directive, verdict) {
	cc := parseCacheControl(h.Values("Cache-Control"))
	for _, k := range []string{"no-store", "no-cache", "private"} {
		if _, ok := cc[k]; ok {
			return cacheability.Directive{}, uncacheable
		}
	}

	d := cacheability.Directive{
		MaxAge:               rt.cfg.MaxAge,
		StaleWhileRevalidate: rt.cfg.StaleWhileRevalidate,
		StaleIfError:         rt.cfg.StaleIfError,
		Tags:                 rt.tags(h),
	}
	_, d.MustRevalidate = cc["must-revalidate"]
	if v, ok := cc["s-maxage"]; ok {
		d.MaxAge = v
	} else if v, ok := cc["max-age"]; ok {
		d.MaxAge = v
	}
	if v, ok := cc["stale-while-revalidate"]; ok {
		d.StaleWhileRevalidate = v
	}
	if v, ok := cc["stale-if-error"]; ok {
		d.StaleIfError = v
	}

	if d.MaxAge == "" {
		return d, undeclared
	}
	return d, cacheable
}

// tags collects the route's configured tags and those the origin sent in
// the tag header or Surrogate-Key.
func (rt *Route) tags(h http.Header) []string {
	tags := append([]string(nil), rt.cfg.Tags...)
	for _, name := range []string{rt.names.Tags, "Surrogate-Key"} {
		for _, v := range h.Values(name) {
			tags = append(tags, strings.FieldsFunc(v, func(r rune) bool {
				return r == ' ' || r == ','
			})...)
		}
	}
	return tags
}

// parseCacheControl maps lower-cased directive names to their unquoted
// values. Valueless directives map to "".
func parseCacheControl(values []string) map[string]string {
	out := make(map[string]string)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, val, _ := strings.Cut(part, "=")
			out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return out
}

func (rt *Route) upstreamFailed(w http.ResponseWriter, r *http.Request, err error) {
	logging.Warn("upstream request failed",
		zap.String("route", rt.name),
		zap.String("upstream", rt.upstream.Host),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	errors.ErrBadGateway.WriteJSON(w)
}

func withTimeout(d time.Duration) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
