package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/middleware"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr, err := newTracer(config.TracingConfig{Enabled: true, ServiceName: "tiercache-test"}, sdktrace.WithSyncer(exp))
	if err != nil {
		t.Fatalf("newTracer: %v", err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, exp
}

func TestMiddlewareRecordsSpan(t *testing.T) {
	tr, exp := newRecordingTracer(t)

	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blog", nil))

	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("expected X-Trace-ID response header")
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /blog" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == "tiercache.cache_status" && a.Value.AsString() == "HIT" {
			found = true
		}
	}
	if !found {
		t.Errorf("cache status attribute missing: %v", spans[0].Attributes)
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	tr, exp := newRecordingTracer(t)

	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got)
	}
}

func TestDisabledTracer(t *testing.T) {
	tr, err := New(config.TracingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.enabled {
		t.Fatal("expected disabled tracer")
	}

	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer should not set X-Trace-ID")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSpanMiddleware(t *testing.T) {
	tr, exp := newRecordingTracer(t)

	passthrough := middleware.Middleware(func(next http.Handler) http.Handler { return next })
	h := SpanMiddleware(tr, "proxy.upstream", passthrough, attribute.String("tiercache.route", "blog"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "proxy.upstream" {
		t.Fatalf("spans = %v", spans)
	}
	if attrs := spans[0].Attributes; len(attrs) != 1 || attrs[0].Value.AsString() != "blog" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestInjectHeaders(t *testing.T) {
	src := httptest.NewRequest(http.MethodGet, "/", nil)
	src.Header.Set("traceparent", "00-abc-def-01")
	src.Header.Set("tracestate", "vendor=value")

	dst := httptest.NewRequest(http.MethodGet, "/", nil)
	InjectHeaders(src, dst)

	if dst.Header.Get("traceparent") != "00-abc-def-01" {
		t.Error("traceparent not propagated")
	}
	if dst.Header.Get("tracestate") != "vendor=value" {
		t.Error("tracestate not propagated")
	}
}
