// Package vault reads directory credentials from HashiCorp Vault.
package vault

import (
	"errors"
	"fmt"
)

// Common errors for Vault operations.
var (
	// ErrSecretNotFound indicates the secret was not found.
	ErrSecretNotFound = errors.New("vault: secret not found")

	// ErrInvalidPath indicates a malformed secret reference.
	ErrInvalidPath = errors.New("vault: invalid secret path")

	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("vault: invalid configuration")

	// ErrMissingKey indicates the secret exists but lacks the requested key.
	ErrMissingKey = errors.New("vault: key not present in secret")

	// ErrDisabled is returned by the disabled client.
	ErrDisabled = errors.New("vault: disabled")
)

// Error represents a failed Vault operation.
type Error struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vault %s on path %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}
