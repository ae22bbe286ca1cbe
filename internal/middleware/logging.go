package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// accessInfo is filled in by inner handlers, which only see derived
// request contexts.
type accessInfo struct {
	mu    sync.Mutex
	route string
	user  string
}

type accessInfoKey struct{}

// SetRoute records the bound route for the access log entry of ctx.
func SetRoute(ctx context.Context, route string) {
	if info, ok := ctx.Value(accessInfoKey{}).(*accessInfo); ok {
		info.mu.Lock()
		info.route = route
		info.mu.Unlock()
	}
}

// SetUser records the resolved username for the access log entry of ctx.
func SetUser(ctx context.Context, username string) {
	if info, ok := ctx.Value(accessInfoKey{}).(*accessInfo); ok {
		info.mu.Lock()
		info.user = username
		info.mu.Unlock()
	}
}

// AccessLog returns a middleware that logs every request once it completes
// and records the per-route request metrics.
func AccessLog(logger observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := &accessInfo{}
			r = r.WithContext(context.WithValue(r.Context(), accessInfoKey{}, info))

			rw := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			info.mu.Lock()
			route, user := info.route, info.user
			info.mu.Unlock()
			if route == "" {
				route = unknownRoute
			}

			metrics.RecordHTTPRequest(route, r.Method, rw.status, duration)

			//nolint:contextcheck // request context carries the request ID
			logger.WithContext(r.Context()).Info("access",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.status),
				observability.Int("size", rw.size),
				observability.Duration("latency", duration),
				observability.String("remote_addr", r.RemoteAddr),
				observability.String("route", route),
				observability.String("user", user),
			)
		})
	}
}
