package middleware

import (
	"io"
	"net/http"
)

// unknownRoute is the label value used when no route was bound.
const unknownRoute = "unknown"

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderRetryAfter is the Retry-After header name.
	HeaderRetryAfter = "Retry-After"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// Error response bodies.
const (
	// ErrInternalServerError is the body written after a recovered panic.
	ErrInternalServerError = `{"error":"internal server error"}`

	// ErrServiceUnavailable is the body written when the directory cannot
	// be reached.
	ErrServiceUnavailable = `{"error":"service unavailable","message":"identity directory unavailable"}`

	// ErrRouteNotFound is the body written when no route matches the path.
	ErrRouteNotFound = `{"error":"not found","message":"no route matches the request path"}`

	// ErrBadGateway is the body written when the upstream cannot be reached.
	ErrBadGateway = `{"error":"bad gateway"}`
)

// WriteJSONError writes a canned JSON error body with the given status.
func WriteJSONError(w http.ResponseWriter, status int, body string) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// Chain applies middlewares so that the first one listed runs outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
