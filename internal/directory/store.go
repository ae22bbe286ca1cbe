// Package directory defines the account directory consumed by provisioning
// and its backends: in-memory, Redis and SQL (SQLite or PostgreSQL), plus a
// guard that bounds, times out and circuit-breaks every operation.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
)

// Store errors. Backends wrap them in *StoreError; match with errors.Is.
var (
	// ErrNotFound indicates the entry does not exist.
	ErrNotFound = errors.New("directory: not found")

	// ErrAlreadyExists indicates a unique key (username, short name, role
	// name) is already taken.
	ErrAlreadyExists = errors.New("directory: already exists")

	// ErrMalformedEntry indicates a stored entry cannot be decoded or
	// violates identity invariants.
	ErrMalformedEntry = errors.New("directory: malformed entry")

	// ErrUnavailable indicates the directory could not be reached in time.
	ErrUnavailable = errors.New("directory: unavailable")
)

// StoreError describes a failed directory operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("directory %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// unavailable wraps a transport failure so that it matches ErrUnavailable
// while keeping the cause.
func unavailable(op, key string, cause error) error {
	return storeError(op, key, fmt.Errorf("%w: %w", ErrUnavailable, cause))
}

// Store is the account repository. Implementations must be safe for
// concurrent use and must enforce uniqueness of usernames, organization
// short names and role names. Returned values are copies owned by the caller.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*identity.User, error)
	CreateUser(ctx context.Context, user *identity.User) error
	UpdateUser(ctx context.Context, user *identity.User) error

	FindOrgByShortName(ctx context.Context, shortName string) (*identity.Organization, error)
	CreateOrg(ctx context.Context, org *identity.Organization) error

	// AddMember appends username to the organization's ordered member list.
	// Adding an existing member is a no-op.
	AddMember(ctx context.Context, shortName, username string) error

	FindRoleByName(ctx context.Context, name string) (*identity.Role, error)
	CreateRole(ctx context.Context, role *identity.Role) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

func validateUser(op string, u *identity.User) error {
	if err := u.Validate(); err != nil {
		key := ""
		if u != nil {
			key = u.Username
		}
		return storeError(op, key, fmt.Errorf("%w: %w", ErrMalformedEntry, err))
	}
	return nil
}

func validateOrg(op string, o *identity.Organization) error {
	if o == nil || o.ShortName == "" || o.ID == "" {
		key := ""
		if o != nil {
			key = o.ShortName
		}
		return storeError(op, key, fmt.Errorf("%w: organization id and short name are required", ErrMalformedEntry))
	}
	return nil
}

func validateRole(op string, r *identity.Role) error {
	if r == nil || r.Name == "" {
		return storeError(op, "", fmt.Errorf("%w: role name is required", ErrMalformedEntry))
	}
	return nil
}
