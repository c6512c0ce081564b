package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
)

// RecoveryConfig configures the recovery middleware.
type RecoveryConfig struct {
	// Stack captures the goroutine stack for OnPanic.
	Stack bool
	// OnPanic is called with the recovered value. Defaults to an error log.
	OnPanic func(r *http.Request, v any, stack []byte)
}

// DefaultRecoveryConfig logs panics with their stack.
var DefaultRecoveryConfig = RecoveryConfig{
	Stack:   true,
	OnPanic: logPanic,
}

func logPanic(r *http.Request, v any, stack []byte) {
	logging.Error("panic serving request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.Any("panic", v),
		zap.ByteString("stack", stack),
	)
}

// Recovery turns handler panics into 500 responses.
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig is Recovery with a custom config. http.ErrAbortHandler
// is re-raised so the server aborts the connection as usual.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	if cfg.OnPanic == nil {
		cfg.OnPanic = logPanic
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				var stack []byte
				if cfg.Stack {
					stack = debug.Stack()
				}
				cfg.OnPanic(r, v, stack)

				apiErr := errors.ErrInternalServer
				if id := RequestIDFromContext(r.Context()); id != "" {
					apiErr = apiErr.WithRequestID(id)
				}
				apiErr.WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
