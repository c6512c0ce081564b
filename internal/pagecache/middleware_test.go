package pagecache

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/tiercache/internal/cacheability"
)

// declaringHandler declares d on the route scope and writes body.
func declaringHandler(calls *atomic.Int32, status int, body string, d *cacheability.Directive) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if d != nil {
			if s := cacheability.FromContext(r.Context()); s != nil {
				_ = s.Cache(*d)
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddleware_MissThenHit(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{})(declaringHandler(&calls, http.StatusOK, "home",
		&cacheability.Directive{MaxAge: "60", Tags: []string{"page:home", "menu"}}))

	first := do(h, "GET", "/home", nil)
	if first.Code != http.StatusOK || first.Body.String() != "home" {
		t.Fatalf("first = %d %q", first.Code, first.Body.String())
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q", got)
	}
	if got := first.Header().Get("Cache-Control"); got != "public, max-age=60" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := first.Header().Get("Cache-Tag"); got != "menu page:home" {
		t.Errorf("Cache-Tag = %q", got)
	}

	second := do(h, "GET", "/home", nil)
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q", got)
	}
	if second.Body.String() != "home" || second.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("replayed response = %q %v", second.Body.String(), second.Header())
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d", store.Len())
	}
}

func TestMiddleware_UndeclaredResponseIsNotCached(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=999")
		w.Write([]byte("dynamic"))
	})
	h := c.Middleware(store, MiddlewareOptions{})(inner)

	for i := 0; i < 2; i++ {
		rr := do(h, "GET", "/dyn", nil)
		if rr.Header().Get("X-Cache") != "MISS" {
			t.Errorf("X-Cache = %q", rr.Header().Get("X-Cache"))
		}
		if cc := rr.Header().Get("Cache-Control"); cc != "" {
			t.Errorf("Cache-Control = %q, want none", cc)
		}
	}
	if calls.Load() != 2 || store.Len() != 0 {
		t.Errorf("calls=%d len=%d", calls.Load(), store.Len())
	}
}

func TestMiddleware_NoStoreHeaderForUncacheable(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{
		Headers: cacheability.HeaderNames{NoStore: true},
	})(declaringHandler(&calls, http.StatusOK, "x", nil))

	if cc := do(h, "GET", "/x", nil).Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestMiddleware_ConditionalRequest(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{})(declaringHandler(&calls, http.StatusOK, "etagged",
		&cacheability.Directive{MaxAge: "60"}))

	first := do(h, "GET", "/e", nil)
	etag := first.Header().Get("ETag")
	if etag == "" || etag != ETag([]byte("etagged")) {
		t.Fatalf("ETag = %q", etag)
	}

	rr := do(h, "GET", "/e", map[string]string{"If-None-Match": etag})
	if rr.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("304 carried a body")
	}

	rr = do(h, "GET", "/e", map[string]string{"If-None-Match": `"other"`})
	if rr.Code != http.StatusOK {
		t.Errorf("mismatched etag status = %d", rr.Code)
	}
}

func TestMiddleware_Bypass(t *testing.T) {
	tests := []struct {
		name   string
		method string
		hdr    map[string]string
	}{
		{"post", "POST", nil},
		{"delete", "DELETE", nil},
		{"no-cache request", "GET", map[string]string{"Cache-Control": "no-cache"}},
		{"no-store request", "GET", map[string]string{"Cache-Control": "no-store"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store, _, obs := newTestCache(t)
			var calls atomic.Int32
			h := c.Middleware(store, MiddlewareOptions{})(declaringHandler(&calls, http.StatusOK, "x",
				&cacheability.Directive{MaxAge: "60"}))

			rr := do(h, tt.method, "/b", tt.hdr)
			if rr.Header().Get("X-Cache") != "BYPASS" {
				t.Errorf("X-Cache = %q", rr.Header().Get("X-Cache"))
			}
			if store.Len() != 0 {
				t.Errorf("bypassed response was stored")
			}
			if obs.get(StatusBypass) != 1 {
				t.Errorf("bypass not observed")
			}
		})
	}
}

func TestMiddleware_ErrorStatusNotCached(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{})(declaringHandler(&calls, http.StatusNotFound, "nope",
		&cacheability.Directive{MaxAge: "60"}))

	rr := do(h, "GET", "/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d", rr.Code)
	}
	if store.Len() != 0 {
		t.Errorf("404 was stored")
	}
}

func TestMiddleware_ServerErrorPassesThrough(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{})(declaringHandler(&calls, http.StatusBadGateway, "upstream",
		&cacheability.Directive{MaxAge: "60"}))

	rr := do(h, "GET", "/down", nil)
	if rr.Code != http.StatusBadGateway || rr.Body.String() != "upstream" {
		t.Errorf("response = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Cache-Control") != "" {
		t.Errorf("5xx got caching headers")
	}
}

func TestMiddleware_StaleIfErrorOnServerError(t *testing.T) {
	c, store, clk, _ := newTestCache(t)
	var failing atomic.Bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = cacheability.FromContext(r.Context()).Cache(cacheability.Directive{MaxAge: "1", StaleIfError: "9000"})
		w.Write([]byte("good"))
	})
	h := c.Middleware(store, MiddlewareOptions{})(inner)

	do(h, "GET", "/p", nil)
	failing.Store(true)
	clk.Advance(3 * time.Second)

	rr := do(h, "GET", "/p", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "good" {
		t.Fatalf("response = %d %q, want stale 200", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != "STALE" {
		t.Errorf("X-Cache = %q", rr.Header().Get("X-Cache"))
	}
}

func TestMiddleware_HeadHasNoBody(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{})(declaringHandler(&calls, http.StatusOK, "body",
		&cacheability.Directive{MaxAge: "60"}))

	rr := do(h, "HEAD", "/h", nil)
	if rr.Body.Len() != 0 {
		t.Errorf("HEAD body = %q", rr.Body.String())
	}
}

func TestMiddleware_OversizedBodyNotCached(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{MaxBodySize: 4})(declaringHandler(&calls, http.StatusOK, "too large",
		&cacheability.Directive{MaxAge: "60"}))

	rr := do(h, "GET", "/big", nil)
	if rr.Body.String() != "too large" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if store.Len() != 0 {
		t.Errorf("oversized body was stored")
	}
}

func TestMiddleware_SurrogateKey(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(store, MiddlewareOptions{
		Headers: cacheability.HeaderNames{Tags: "Cache-Tag", SurrogateKey: true},
	})(declaringHandler(&calls, http.StatusOK, "x", &cacheability.Directive{MaxAge: "60", Tags: []string{"a", "b"}}))

	rr := do(h, "GET", "/s", nil)
	if rr.Header().Get("Surrogate-Key") != "a b" || rr.Header().Get("Cache-Tag") != "a b" {
		t.Errorf("headers = %v", rr.Header())
	}
}

func TestKey(t *testing.T) {
	mk := func(target string, hdr map[string]string) *http.Request {
		r := httptest.NewRequest("GET", target, nil)
		for k, v := range hdr {
			r.Header.Set(k, v)
		}
		return r
	}
	vary := []string{"accept-language", "Accept"}

	tests := []struct {
		name string
		r    *http.Request
		want string
	}{
		{"path only", mk("/a", nil), "GET|/a"},
		{"query", mk("/a?x=1", nil), "GET|/a?x=1"},
		{"vary sorted", mk("/a", map[string]string{"Accept-Language": "de", "Accept": "text/html"}),
			"GET|/a|Accept=text/html|Accept-Language=de"},
		{"empty vary skipped", mk("/a", map[string]string{"Accept-Language": "de"}), "GET|/a|Accept-Language=de"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.r, vary); got != tt.want {
				t.Errorf("Key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMatchETag(t *testing.T) {
	etag := `"abc"`
	tests := []struct {
		inm  string
		want bool
	}{
		{`"abc"`, true},
		{`W/"abc"`, true},
		{`*`, true},
		{`"x", "abc"`, true},
		{`"x","y"`, false},
		{`abc`, false},
		{`"abc`, false},
	}
	for _, tt := range tests {
		if got := MatchETag(tt.inm, etag); got != tt.want {
			t.Errorf("MatchETag(%q) = %v, want %v", tt.inm, got, tt.want)
		}
	}
}
