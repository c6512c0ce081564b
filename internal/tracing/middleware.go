package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/tiercache/internal/middleware"
)

// SpanMiddleware wraps mw in an internal span called name carrying attrs,
// so upstream renders show up beneath the request span. With tracing
// disabled mw is returned unchanged.
func SpanMiddleware(tracer *Tracer, name string, mw middleware.Middleware, attrs ...attribute.KeyValue) middleware.Middleware {
	if tracer == nil || !tracer.enabled {
		return mw
	}
	return func(next http.Handler) http.Handler {
		inner := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attrs...),
			)
			defer span.End()
			inner.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
