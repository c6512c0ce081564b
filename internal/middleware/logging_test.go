package middleware

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingDefault(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	})

	mw := Logging()
	final := mw(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	final.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "hello" {
		t.Errorf("expected body 'hello', got %q", rr.Body.String())
	}
}

func TestLoggingFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})

	final := RequestID()(LoggingWithConfig(LoggingConfig{Logger: zap.New(core)})(handler))

	req := httptest.NewRequest("GET", "/items?foo=bar", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()

	final.ServeHTTP(rr, req)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	want := map[string]any{
		"request_id": "req-1",
		"method":     "GET",
		"path":       "/items",
		"query":      "foo=bar",
		"status":     int64(http.StatusCreated),
		"body_bytes": int64(7),
		"cache":      "HIT",
		"user_agent": "test-agent",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %v (%T), want %v", k, fields[k], fields[k], v)
		}
	}
}

func TestLoggingOptionalFieldsOmitted(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	final := LoggingWithConfig(LoggingConfig{Logger: zap.New(core)})(handler)

	req := httptest.NewRequest("GET", "/simple", nil)
	req.Header.Del("User-Agent")
	final.ServeHTTP(httptest.NewRecorder(), req)

	fields := logs.All()[0].ContextMap()
	for _, k := range []string{"query", "cache", "user_agent"} {
		if _, ok := fields[k]; ok {
			t.Errorf("field %s should be omitted", k)
		}
	}
}

func TestLoggingSkipPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	final := LoggingWithConfig(LoggingConfig{
		SkipPaths: []string{"/health"},
		Logger:    zap.New(core),
	})(handler)

	for _, path := range []string{"/health", "/pages/1"} {
		req := httptest.NewRequest("GET", path, nil)
		final.ServeHTTP(httptest.NewRecorder(), req)
	}

	if n := logs.Len(); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
	if got := logs.All()[0].ContextMap()["path"]; got != "/pages/1" {
		t.Errorf("logged path = %v", got)
	}
}

func TestLoggingResponseWriterWriteHeader(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{
		ResponseWriter: rr,
		status:         http.StatusOK,
	}

	lrw.WriteHeader(http.StatusNotFound)

	if lrw.Status() != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", lrw.Status())
	}
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected underlying recorder to have status 404, got %d", rr.Code)
	}
}

func TestLoggingResponseWriterWrite(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{
		ResponseWriter: rr,
		status:         http.StatusOK,
	}

	data := []byte("hello world")
	n, err := lrw.Write(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}
	if lrw.BytesWritten() != int64(len(data)) {
		t.Errorf("expected BytesWritten()=%d, got %d", len(data), lrw.BytesWritten())
	}

	// Write more data and verify accumulation.
	more := []byte("!!!")
	n2, err := lrw.Write(more)
	if err != nil {
		t.Fatalf("unexpected error on second write: %v", err)
	}
	expected := int64(n + n2)
	if lrw.BytesWritten() != expected {
		t.Errorf("expected BytesWritten()=%d, got %d", expected, lrw.BytesWritten())
	}
}

func TestLoggingResponseWriterStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{
		ResponseWriter: rr,
		status:         http.StatusTeapot,
	}

	if lrw.Status() != http.StatusTeapot {
		t.Errorf("expected status %d, got %d", http.StatusTeapot, lrw.Status())
	}
}

func TestLoggingResponseWriterBytesWritten(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{
		ResponseWriter: rr,
		bytes:          42,
	}

	if lrw.BytesWritten() != 42 {
		t.Errorf("expected 42, got %d", lrw.BytesWritten())
	}
}

// flusherRecorder is an httptest.ResponseRecorder that also implements http.Flusher.
type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flusherRecorder) Flush() {
	f.flushed = true
}

func TestLoggingResponseWriterFlushDelegates(t *testing.T) {
	fr := &flusherRecorder{ResponseRecorder: httptest.NewRecorder()}
	lrw := &loggingResponseWriter{
		ResponseWriter: fr,
		status:         http.StatusOK,
	}

	lrw.Flush()

	if !fr.flushed {
		t.Error("Flush should delegate to underlying Flusher")
	}
}

func TestLoggingResponseWriterFlushNoFlusher(t *testing.T) {
	// Use a plain ResponseWriter that does not implement http.Flusher.
	lrw := &loggingResponseWriter{
		ResponseWriter: &nonFlusherWriter{header: make(http.Header)},
		status:         http.StatusOK,
	}

	// Should not panic even though the underlying writer doesn't support Flush.
	lrw.Flush()
}

// nonFlusherWriter implements http.ResponseWriter but not http.Flusher.
type nonFlusherWriter struct {
	header http.Header
}

func (nf *nonFlusherWriter) Header() http.Header         { return nf.header }
func (nf *nonFlusherWriter) Write(b []byte) (int, error)  { return len(b), nil }
func (nf *nonFlusherWriter) WriteHeader(int)              {}

func TestLoggingResponseWriterHijackNotSupported(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{
		ResponseWriter: rr,
		status:         http.StatusOK,
	}

	conn, rw, err := lrw.Hijack()
	if err != http.ErrNotSupported {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	if conn != nil {
		t.Error("expected nil conn")
	}
	if rw != nil {
		t.Error("expected nil rw")
	}
}

// hijackableWriter implements both http.ResponseWriter and http.Hijacker.
type hijackableWriter struct {
	http.ResponseWriter
	hijacked bool
}

func (hw *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hw.hijacked = true
	// Return a pipe as the connection for testing.
	server, client := net.Pipe()
	_ = server.Close()
	return client, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func TestLoggingResponseWriterHijackDelegates(t *testing.T) {
	hw := &hijackableWriter{ResponseWriter: httptest.NewRecorder()}
	lrw := &loggingResponseWriter{
		ResponseWriter: hw,
		status:         http.StatusOK,
	}

	conn, rw, err := lrw.Hijack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn == nil {
		t.Error("expected non-nil conn")
	}
	if rw == nil {
		t.Error("expected non-nil rw")
	}
	if !hw.hijacked {
		t.Error("Hijack should delegate to underlying Hijacker")
	}
	// Clean up the connection.
	if c, ok := conn.(io.Closer); ok {
		c.Close()
	}
}
