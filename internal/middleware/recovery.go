package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Recovery returns a middleware that recovers from panics.
func Recovery(logger observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				// The reverse proxy aborts with this sentinel; re-panic so
				// net/http closes the connection quietly.
				if err == http.ErrAbortHandler {
					panic(err)
				}

				logger.WithContext(r.Context()).Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)
				metrics.RecordPanic()

				WriteJSONError(w, http.StatusInternalServerError, ErrInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
