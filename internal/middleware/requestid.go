package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	uuid.EnableRandPool()
}

// maximum accepted length of a client-supplied request ID
const maxRequestIDLen = 128

// RequestIDConfig configures the request ID middleware.
type RequestIDConfig struct {
	// Header carries the ID in both directions. Defaults to X-Request-ID.
	Header string
	// Generator makes new IDs. Defaults to random UUIDs.
	Generator func() string
	// TrustHeader reuses a well-formed incoming ID instead of generating one.
	TrustHeader bool
}

// DefaultRequestIDConfig trusts incoming IDs and generates UUIDs otherwise.
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      "X-Request-ID",
	TrustHeader: true,
}

// RequestID tags each request with an ID, forwarded upstream and echoed to
// the client.
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig is RequestID with a custom config.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = "X-Request-ID"
	}
	if cfg.Generator == nil {
		cfg.Generator = func() string { return uuid.New().String() }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cfg.TrustHeader {
				id = r.Header.Get(cfg.Header)
				if !validRequestID(id) {
					id = ""
				}
			}
			if id == "" {
				id = cfg.Generator()
			}
			r.Header.Set(cfg.Header, id)
			w.Header().Set(cfg.Header, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// validRequestID accepts printable ASCII up to maxRequestIDLen bytes, so
// client IDs cannot inject into logs or response headers.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

type requestIDKey struct{}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
