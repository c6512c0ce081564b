package pagecache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/cache"
	"github.com/wudi/tiercache/internal/cacheability"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/middleware"
	"github.com/wudi/tiercache/internal/middleware/bufutil"
)

// MiddlewareOptions configures the route tier.
type MiddlewareOptions struct {
	// Methods that are looked up and stored. Defaults to GET and HEAD.
	Methods []string
	// Vary lists request headers that are part of the cache key.
	Vary []string
	// MaxBodySize is the largest body stored. Defaults to 1MB.
	MaxBodySize int64
	Headers     cacheability.HeaderNames
}

// response is a captured handler response as stored in the route tier.
type response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// upstreamError is a 5xx response. Returning it from a render lets an
// expired entry be served in its stale-if-error window; otherwise the
// response itself is passed through.
type upstreamError struct {
	resp *response
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.resp.Status)
}

// headers the middleware derives at serve time instead of storing
var derivedHeaders = []string{"Cache-Control", "Surrogate-Key", "ETag", "X-Cache", "Expires", "Age"}

// Key builds the route cache key: method, path, query and the values of
// the vary headers in name order.
func Key(r *http.Request, vary []string) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	if r.URL.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(r.URL.RawQuery)
	}
	if len(vary) > 0 {
		sorted := make([]string, len(vary))
		for i, h := range vary {
			sorted[i] = http.CanonicalHeaderKey(h)
		}
		sort.Strings(sorted)
		for _, h := range sorted {
			if v := r.Header.Get(h); v != "" {
				b.WriteByte('|')
				b.WriteString(h)
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}
	return b.String()
}

// IsMutatingMethod reports whether method may change server state.
func IsMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware serves requests through store. Each request gets a root scope,
// reachable by handlers with cacheability.FromContext. The root's directives
// become the response's caching headers, and the response is stored only
// when the root is explicitly cacheable.
func (c *Cache) Middleware(store *cache.Store, opts MiddlewareOptions) middleware.Middleware {
	methods := opts.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead}
	}
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = true
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	if opts.Headers.Tags == "" {
		opts.Headers.Tags = cacheability.DefaultHeaderNames().Tags
	}
	strip := append([]string{opts.Headers.Tags}, derivedHeaders...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed[r.Method] || IsMutatingMethod(r.Method) || bypassRequested(r) {
				if c.observer != nil && store != nil {
					c.observer.Lookup(store.Name(), StatusBypass)
				}
				w.Header().Set("X-Cache", string(StatusBypass))
				next.ServeHTTP(w, r)
				return
			}

			render := func(ctx context.Context, s *cacheability.Scope) ([]byte, error) {
				bw := bufutil.New()
				next.ServeHTTP(bw, r.Clone(cacheability.WithScope(ctx, s)))

				resp := &response{Status: bw.StatusCode, Header: bw.Captured(), Body: bw.Body.Bytes()}
				for _, h := range strip {
					resp.Header.Del(h)
				}
				if resp.Status >= 500 {
					return nil, &upstreamError{resp: resp}
				}
				if resp.Status < 200 || resp.Status >= 300 ||
					int64(len(resp.Body)) > opts.MaxBodySize ||
					resp.Header.Get("Set-Cookie") != "" {
					_ = s.NoCache()
				}
				return json.Marshal(resp)
			}

			root := cacheability.RootAt(r.Context(), c.now)
			key := Key(r, opts.Vary)
			payload, status, err := c.lookup(r.Context(), root, store, key, render)
			d := root.Directives()

			if err != nil {
				var ue *upstreamError
				if stderrors.As(err, &ue) {
					serve(w, r, ue.resp, d, opts.Headers, status)
					return
				}
				logging.Error("route render failed",
					zap.String("key", key),
					zap.Error(err),
				)
				errors.ErrBadGateway.WriteJSON(w)
				return
			}

			var resp response
			if err := json.Unmarshal(payload, &resp); err != nil {
				logging.Warn("dropping undecodable route entry",
					zap.String("store", store.Name()),
					zap.String("key", key),
					zap.Error(err),
				)
				store.PurgeKeys(r.Context(), []string{key})
				errors.ErrInternalServer.WriteJSON(w)
				return
			}
			serve(w, r, &resp, d, opts.Headers, status)
		})
	}
}

func bypassRequested(r *http.Request) bool {
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache")
}

func serve(w http.ResponseWriter, r *http.Request, resp *response, d cacheability.Directives, names cacheability.HeaderNames, status Status) {
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = v
	}
	d.Apply(h, names)
	h.Set("X-Cache", string(status))

	if d.Cacheable && resp.Status == http.StatusOK && len(resp.Body) > 0 {
		etag := ETag(resp.Body)
		h.Set("ETag", etag)
		if inm := r.Header.Get("If-None-Match"); inm != "" && MatchETag(inm, etag) {
			h.Del("Content-Length")
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}
