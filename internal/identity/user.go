// Package identity holds the canonical user and organization types resolved
// for each request, the authentication principals they are resolved from, and
// the request-scoped store that carries the resolution through the pipeline.
package identity

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Validation errors.
var (
	// ErrMissingUsername is returned when a user or candidate has no username.
	ErrMissingUsername = errors.New("identity: username is required")

	// ErrMissingID is returned when a resolved user has no id.
	ErrMissingID = errors.New("identity: user id is required")
)

// User is the canonical identity of a request.
type User struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	Email        string   `json:"email,omitempty"`
	FirstName    string   `json:"firstName,omitempty"`
	LastName     string   `json:"lastName,omitempty"`
	Organization string   `json:"organization,omitempty"`
	Roles        []string `json:"roles"`
	Telephone    string   `json:"telephone,omitempty"`
	Address      string   `json:"postalAddress,omitempty"`
	Title        string   `json:"title,omitempty"`
	Notes        string   `json:"notes,omitempty"`

	LastUpdated time.Time `json:"lastUpdated,omitempty"`

	// PasswordExpiryDays is the number of days until the directory password
	// expires. Nil when the directory does not report it.
	PasswordExpiryDays *int `json:"ldapRemainingDays,omitempty"`

	// ExternalAuth is true for users authenticated outside the directory.
	ExternalAuth bool `json:"isExternalAuth"`

	// Provider and ProviderSubject identify federated users; both are empty
	// for directory users.
	Provider        string `json:"oauth2Provider,omitempty"`
	ProviderSubject string `json:"oauth2Uid,omitempty"`
}

// Validate checks the invariants of a resolved user.
func (u *User) Validate() error {
	if u == nil || strings.TrimSpace(u.Username) == "" {
		return ErrMissingUsername
	}
	if strings.TrimSpace(u.ID) == "" {
		return ErrMissingID
	}
	return nil
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Roles = append([]string{}, u.Roles...)
	if u.PasswordExpiryDays != nil {
		days := *u.PasswordExpiryDays
		out.PasswordExpiryDays = &days
	}
	return &out
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FullName returns "first last", omitting absent parts.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsFederated reports whether the user came from a federated provider.
func (u *User) IsFederated() bool {
	return u.Provider != ""
}

// NormalizeRoles trims, deduplicates and sorts role names. The result is
// never nil.
func NormalizeRoles(roles ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, set := range roles {
		for _, r := range set {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// Organization groups users under a unique short name.
type Organization struct {
	ID          string   `json:"id"`
	ShortName   string   `json:"shortName"`
	DisplayName string   `json:"name,omitempty"`
	Members     []string `json:"members"`
}

// Clone returns a deep copy of the organization.
func (o *Organization) Clone() *Organization {
	if o == nil {
		return nil
	}
	out := *o
	out.Members = append([]string{}, o.Members...)
	return &out
}

// HasMember reports whether username is a member.
func (o *Organization) HasMember(username string) bool {
	for _, m := range o.Members {
		if m == username {
			return true
		}
	}
	return false
}

// Role is a named grant stored in the directory.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
