package identity

import (
	"context"
	"sync"
)

// Resolved is the identity resolved for one request. User is nil for
// anonymous requests.
type Resolved struct {
	User         *User         `json:"user,omitempty"`
	Organization *Organization `json:"organization,omitempty"`
	Principal    Principal     `json:"principal,omitempty"`
}

// Anonymous reports whether no user was resolved.
func (r *Resolved) Anonymous() bool {
	return r == nil || r.User == nil
}

// Scope carries a request's principal and resolved identity. It is created
// once per request and discarded with it.
type Scope struct {
	mu        sync.Mutex
	principal Principal

	once     sync.Once
	resolved *Resolved
	err      error
}

type scopeContextKey struct{}

// NewContext returns a context carrying a fresh Scope. An existing scope is
// kept.
func NewContext(ctx context.Context) context.Context {
	if ScopeFromContext(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, scopeContextKey{}, &Scope{})
}

// ScopeFromContext returns the request scope, or nil.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeContextKey{}).(*Scope)
	return s
}

// SetPrincipal records the authentication outcome. It is ignored once the
// identity has been resolved.
func (s *Scope) SetPrincipal(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved == nil && s.err == nil {
		s.principal = p
	}
}

// Principal returns the authentication outcome, or the anonymous principal.
func (s *Scope) Principal() Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return Anonymous()
	}
	return s.principal
}

// Resolve runs fn at most once per scope and caches its result. Later calls
// return the same *Resolved and error without invoking fn.
func (s *Scope) Resolve(fn func(Principal) (*Resolved, error)) (*Resolved, error) {
	s.once.Do(func() {
		resolved, err := fn(s.Principal())
		s.mu.Lock()
		s.resolved, s.err = resolved, err
		s.mu.Unlock()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved, s.err
}

// Resolved returns the cached resolution. ok is false until Resolve ran.
func (s *Scope) Resolved() (r *Resolved, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved, s.resolved != nil || s.err != nil
}

// WithPrincipal records p in the request scope, creating one if needed.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = NewContext(ctx)
	ScopeFromContext(ctx).SetPrincipal(p)
	return ctx
}

// PrincipalFromContext returns the request's principal, anonymous if none.
func PrincipalFromContext(ctx context.Context) Principal {
	s := ScopeFromContext(ctx)
	if s == nil {
		return Anonymous()
	}
	return s.Principal()
}

// UserFromContext returns the resolved user. ok is false for anonymous or
// unresolved requests, never a partially populated user.
func UserFromContext(ctx context.Context) (*User, bool) {
	r := ResolvedFromContext(ctx)
	if r.Anonymous() {
		return nil, false
	}
	return r.User, true
}

// ResolvedFromContext returns the resolved identity or nil.
func ResolvedFromContext(ctx context.Context) *Resolved {
	s := ScopeFromContext(ctx)
	if s == nil {
		return nil
	}
	r, _ := s.Resolved()
	return r
}
