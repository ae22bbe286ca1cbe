package identity

// Source identifies the mechanism that authenticated a request.
type Source string

// Authentication sources.
const (
	SourceDirectory Source = "directory"
	SourceFederated Source = "federated"
	SourcePreAuth   Source = "preauth"
	SourceAnonymous Source = "anonymous"
)

// Principal is the outcome of authentication, before identity resolution.
type Principal interface {
	// Source returns the mechanism that produced the principal.
	Source() Source

	// Name returns the principal's username, possibly empty when malformed.
	Name() string
}

// DirectoryPrincipal carries a user already loaded from the directory, which
// is the source of truth for it.
type DirectoryPrincipal struct {
	User         *User         `json:"user"`
	Organization *Organization `json:"organization,omitempty"`
}

// Source implements Principal.
func (p *DirectoryPrincipal) Source() Source { return SourceDirectory }

// Name implements Principal.
func (p *DirectoryPrincipal) Name() string {
	if p.User == nil {
		return ""
	}
	return p.User.Username
}

// FederatedPrincipal carries the claims of an already validated federated
// login.
type FederatedPrincipal struct {
	Provider     string                 `json:"provider"`
	Subject      string                 `json:"subject"`
	Username     string                 `json:"username"`
	Email        string                 `json:"email,omitempty"`
	FirstName    string                 `json:"firstName,omitempty"`
	LastName     string                 `json:"lastName,omitempty"`
	Organization string                 `json:"organization,omitempty"`
	Roles        []string               `json:"roles,omitempty"`
	Claims       map[string]interface{} `json:"claims,omitempty"`
}

// Source implements Principal.
func (p *FederatedPrincipal) Source() Source { return SourceFederated }

// Name implements Principal.
func (p *FederatedPrincipal) Name() string { return p.Username }

// PreAuthPrincipal carries attributes asserted by a trusted upstream proxy.
type PreAuthPrincipal struct {
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	Organization string `json:"organization,omitempty"`
	Provider     string `json:"provider,omitempty"`
	ProviderID   string `json:"providerId,omitempty"`
}

// Source implements Principal.
func (p *PreAuthPrincipal) Source() Source { return SourcePreAuth }

// Name implements Principal.
func (p *PreAuthPrincipal) Name() string { return p.Username }

type anonymousPrincipal struct{}

func (anonymousPrincipal) Source() Source { return SourceAnonymous }
func (anonymousPrincipal) Name() string   { return "" }

// Anonymous returns the principal of an unauthenticated request.
func Anonymous() Principal {
	return anonymousPrincipal{}
}

// IsAnonymous reports whether p is nil or the anonymous principal.
func IsAnonymous(p Principal) bool {
	return p == nil || p.Source() == SourceAnonymous
}
