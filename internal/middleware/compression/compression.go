// Package compression encodes responses on the cache listener with the best
// algorithm the client accepts. Stored cache entries stay identity encoded;
// encoding happens per response.
package compression

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/middleware"
)

type encodingWriter interface {
	io.Writer
	Close() error
}

type optionalFlusher interface {
	Flush() error
}

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// pooledZstdWriter returns its encoder to the pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) { return pw.enc.Write(p) }

func (pw *pooledZstdWriter) Flush() error { return pw.enc.Flush() }

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

// Snapshot is the byte counts for one algorithm.
type Snapshot struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

type algoMetrics struct {
	bytesIn, bytesOut, count atomic.Int64
}

// server preference among equally acceptable encodings
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

var defaultContentTypes = []string{
	"text/html", "text/css", "text/plain", "text/javascript", "text/xml",
	"application/javascript", "application/json", "application/xml", "image/svg+xml",
}

// Compressor negotiates and applies response compression.
type Compressor struct {
	enabled      bool
	level        int
	minSize      int
	contentTypes map[string]bool
	algoOrder    []string
	metrics      map[string]*algoMetrics
	zstdPool     sync.Pool
}

// New creates a Compressor from cfg.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled:      cfg.Enabled,
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
		metrics:      make(map[string]*algoMetrics),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := make(map[string]bool)
	for _, a := range cfg.Algorithms {
		enabled[a] = true
	}
	for _, a := range defaultAlgoOrder {
		if len(enabled) == 0 || enabled[a] {
			c.algoOrder = append(c.algoOrder, a)
			c.metrics[a] = &algoMetrics{}
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultContentTypes
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	level := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool.New = func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		return enc
	}
	return c
}

// Middleware compresses responses for clients that accept it.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !c.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algo := c.NegotiateEncoding(r)
			if algo == "" || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			cw := newResponseWriter(w, c, algo)
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}

type encodingPref struct {
	encoding string
	quality  float64
}

func parseAcceptEncoding(header string) []encodingPref {
	var prefs []encodingPref
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc, params, _ := strings.Cut(part, ";")
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		prefs = append(prefs, encodingPref{encoding: strings.ToLower(strings.TrimSpace(enc)), quality: q})
	}
	return prefs
}

// NegotiateEncoding picks the highest-quality encoding the client accepts,
// preferring br, then zstd, then gzip on ties. It returns "" when nothing
// acceptable is enabled.
func (c *Compressor) NegotiateEncoding(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	client := make(map[string]float64, len(prefs))
	wildcard, hasWildcard := 0.0, false
	for _, p := range prefs {
		if p.encoding == "*" {
			wildcard, hasWildcard = p.quality, true
			continue
		}
		client[p.encoding] = p.quality
	}

	best, bestQ := "", 0.0
	for _, algo := range c.algoOrder {
		q, ok := client[algo]
		if !ok {
			if !hasWildcard {
				continue
			}
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = algo, q
		}
	}
	return best
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		gz, _ := gzip.NewWriterLevel(w, min(c.level, gzip.BestCompression))
		return gz
	}
}

// Stats returns byte counts per algorithm.
func (c *Compressor) Stats() map[string]Snapshot {
	out := make(map[string]Snapshot, len(c.metrics))
	for algo, m := range c.metrics {
		out[algo] = Snapshot{
			BytesIn:  m.bytesIn.Load(),
			BytesOut: m.bytesOut.Load(),
			Count:    m.count.Load(),
		}
	}
	return out
}

func (c *Compressor) compressible(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	return c.contentTypes[strings.TrimSpace(ct)]
}

// responseWriter buffers up to minSize bytes before deciding whether to
// compress. Small or non-compressible bodies pass through unchanged.
type responseWriter struct {
	http.ResponseWriter
	c           *Compressor
	algo        string
	enc         encodingWriter
	counter     *countWriter
	status      int
	buf         []byte
	decided     bool
	compressing bool
	wroteHeader bool
	bytesIn     int64
}

func newResponseWriter(w http.ResponseWriter, c *Compressor, algo string) *responseWriter {
	return &responseWriter{ResponseWriter: w, c: c, algo: algo, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader || w.decided {
		return
	}
	w.status = code
	// Bodiless statuses and non-compressible types are decided now.
	if code < 200 || code == http.StatusNoContent || code == http.StatusNotModified || !w.eligible() {
		w.decide(false)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		if !w.eligible() {
			w.decide(false)
			return w.ResponseWriter.Write(b)
		}
		w.buf = append(w.buf, b...)
		if len(w.buf) >= w.c.minSize {
			w.decide(true)
		}
		return len(b), nil
	}
	if w.compressing {
		w.bytesIn += int64(len(b))
		return w.enc.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) eligible() bool {
	h := w.Header()
	return h.Get("Content-Encoding") == "" && w.c.compressible(h.Get("Content-Type"))
}

// decide writes the header and any buffered body.
func (w *responseWriter) decide(compress bool) {
	w.decided = true
	w.compressing = compress
	h := w.ResponseWriter.Header()
	if compress {
		h.Del("Content-Length")
		h.Set("Content-Encoding", w.algo)
		h.Add("Vary", "Accept-Encoding")
		// The encoded body is a different representation.
		if etag := h.Get("ETag"); strings.HasPrefix(etag, `"`) {
			h.Set("ETag", "W/"+etag)
		}
		w.counter = &countWriter{w: w.ResponseWriter}
		w.enc = w.c.newEncodingWriter(w.counter, w.algo)
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)

	if len(w.buf) > 0 {
		if compress {
			w.bytesIn += int64(len(w.buf))
			w.enc.Write(w.buf)
		} else {
			w.ResponseWriter.Write(w.buf)
		}
		w.buf = nil
	}
}

// Close flushes the encoder and records metrics.
func (w *responseWriter) Close() {
	if !w.decided {
		w.decide(false)
		return
	}
	if !w.compressing {
		return
	}
	w.enc.Close()
	if m, ok := w.c.metrics[w.algo]; ok {
		m.bytesIn.Add(w.bytesIn)
		m.bytesOut.Add(w.counter.n)
		m.count.Add(1)
	}
}

func (w *responseWriter) Flush() {
	if !w.decided {
		w.decide(len(w.buf) >= w.c.minSize)
	}
	if w.compressing {
		if f, ok := w.enc.(optionalFlusher); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
