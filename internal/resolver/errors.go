package resolver

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
)

// Resolution errors.
var (
	// ErrMalformedPrincipal indicates the authentication outcome lacks a
	// required attribute. The request continues as anonymous.
	ErrMalformedPrincipal = errors.New("resolver: malformed principal")

	// ErrUnavailable indicates the directory could not serve the resolution.
	// The request must be rejected with a retryable error.
	ErrUnavailable = errors.New("resolver: directory unavailable")
)

// ResolutionError describes a failed identity resolution.
type ResolutionError struct {
	Source   identity.Source
	Username string
	Err      error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("resolve %s principal %q: %v", e.Source, e.Username, e.Err)
	}
	return fmt.Sprintf("resolve %s principal: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err must be surfaced as a retryable
// service error.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
