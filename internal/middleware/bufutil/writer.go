// Package bufutil provides an http.ResponseWriter that captures a whole
// response so it can be inspected and stored before anything reaches the
// client.
package bufutil

import (
	"bytes"
	"net/http"
)

// Writer captures status, headers and body. Headers are snapshotted when
// the status is first written, so later mutations by the handler do not
// leak into the captured response.
type Writer struct {
	StatusCode int
	Body       bytes.Buffer

	header      http.Header
	snapshot    http.Header
	wroteHeader bool
}

// New creates a Writer with status 200 and empty headers.
func New() *Writer {
	return &Writer{StatusCode: http.StatusOK, header: make(http.Header)}
}

// Header returns the mutable header map the handler writes to.
func (w *Writer) Header() http.Header { return w.header }

// WriteHeader records code; only the first call counts.
func (w *Writer) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.StatusCode = code
	w.snapshot = w.header.Clone()
}

// Write appends b to Body, implying a 200 when no status was written.
func (w *Writer) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Body.Write(b)
}

// Flush is a no-op so streaming handlers still work when captured.
func (w *Writer) Flush() {}

// Captured returns a copy of the headers as of the status line.
func (w *Writer) Captured() http.Header {
	if w.snapshot == nil {
		return w.header.Clone()
	}
	return w.snapshot.Clone()
}
