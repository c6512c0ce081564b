package compression

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/tiercache/internal/config"
)

var page = strings.Repeat("<li>nav</li>", 200)

func handler(contentType, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, body)
	})
}

func serve(c *Compressor, h http.Handler, accept string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if accept != "" {
		r.Header.Set("Accept-Encoding", accept)
	}
	w := httptest.NewRecorder()
	c.Middleware()(h).ServeHTTP(w, r)
	return w
}

func TestNegotiateEncoding(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true})

	tests := []struct {
		accept string
		want   string
	}{
		{"gzip, deflate", "gzip"},
		{"gzip, br", "br"},
		{"zstd, gzip", "zstd"},
		{"br;q=0.5, gzip", "gzip"},
		{"*", "br"},
		{"br;q=0, *;q=0.1", "zstd"},
		{"deflate", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Accept-Encoding", tt.accept)
			if got := c.NegotiateEncoding(r); got != tt.want {
				t.Errorf("NegotiateEncoding(%q) = %q, want %q", tt.accept, got, tt.want)
			}
		})
	}
}

func TestNegotiateRestrictedAlgorithms(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, Algorithms: []string{"gzip"}})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Encoding", "br, zstd, gzip;q=0.5")
	if got := c.NegotiateEncoding(r); got != "gzip" {
		t.Errorf("expected gzip, got %q", got)
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: false})
	w := serve(c, handler("text/html", page), "gzip")
	if w.Header().Get("Content-Encoding") != "" {
		t.Error("disabled compressor should not encode")
	}
	if w.Body.String() != page {
		t.Error("body changed")
	}
}

func TestGzip(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, MinSize: 10})
	w := serve(c, handler("text/html; charset=utf-8", page), "gzip")

	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip, got %q", got)
	}
	if w.Header().Get("Content-Length") != "" {
		t.Error("Content-Length should be dropped")
	}
	if got := w.Header().Get("ETag"); got != `W/"v1"` {
		t.Errorf("expected weak ETag, got %q", got)
	}
	if w.Header().Get("Vary") != "Accept-Encoding" {
		t.Errorf("expected Vary, got %q", w.Header().Get("Vary"))
	}

	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != page {
		t.Error("decompressed body mismatch")
	}

	s := c.Stats()["gzip"]
	if s.Count != 1 || s.BytesIn != int64(len(page)) || s.BytesOut == 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestBrotliAndZstd(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, MinSize: 10, Level: 4})

	w := serve(c, handler("application/json", page), "br")
	if w.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("expected br, got %q", w.Header().Get("Content-Encoding"))
	}
	body, _ := io.ReadAll(brotli.NewReader(w.Body))
	if string(body) != page {
		t.Error("brotli body mismatch")
	}

	// twice, so the second request reuses a pooled encoder
	for i := 0; i < 2; i++ {
		w = serve(c, handler("application/json", page), "zstd")
		if w.Header().Get("Content-Encoding") != "zstd" {
			t.Fatalf("expected zstd, got %q", w.Header().Get("Content-Encoding"))
		}
		dec, err := zstd.NewReader(bytes.NewReader(w.Body.Bytes()))
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		body, err = io.ReadAll(dec)
		dec.Close()
		if err != nil || string(body) != page {
			t.Errorf("zstd body mismatch: %v", err)
		}
	}
	if c.Stats()["zstd"].Count != 2 {
		t.Errorf("expected 2 zstd responses, got %d", c.Stats()["zstd"].Count)
	}
}

func TestSmallBodyNotCompressed(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, MinSize: 1024})
	w := serve(c, handler("text/html", "<p>hi</p>"), "gzip")
	if w.Header().Get("Content-Encoding") != "" {
		t.Error("small body should not be compressed")
	}
	if w.Body.String() != "<p>hi</p>" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if w.Header().Get("ETag") != `"v1"` {
		t.Error("ETag should stay strong")
	}
}

func TestNonCompressibleType(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, MinSize: 10})
	w := serve(c, handler("image/png", page), "gzip")
	if w.Header().Get("Content-Encoding") != "" {
		t.Error("image/png should not be compressed")
	}
	if w.Body.String() != page {
		t.Error("body changed")
	}
}

func TestNotModifiedPassesThrough(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, MinSize: 10})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotModified)
	})
	w := serve(c, h, "gzip")
	if w.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", w.Code)
	}
	if w.Header().Get("Content-Encoding") != "" {
		t.Error("304 should not be encoded")
	}
}
