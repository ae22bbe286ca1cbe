package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors for proxy operations.
var (
	// ErrNoTarget indicates the request reached the proxy without a bound
	// target configuration.
	ErrNoTarget = errors.New("no target bound to request")

	// ErrNoUpstream indicates the bound route has no upstream.
	ErrNoUpstream = errors.New("route has no upstream")
)

// ProxyError represents a proxy-related error with details.
type ProxyError struct {
	Op     string
	Route  string
	Target string
	Cause  error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("proxy error [%s] route=%s target=%s: %v", e.Op, e.Route, e.Target, e.Cause)
	}
	if e.Route != "" {
		return fmt.Sprintf("proxy error [%s] route=%s: %v", e.Op, e.Route, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s]: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new ProxyError.
func NewProxyError(op, route, target string, cause error) *ProxyError {
	return &ProxyError{Op: op, Route: route, Target: target, Cause: cause}
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) bool {
	var proxyErr *ProxyError
	return errors.As(err, &proxyErr)
}
