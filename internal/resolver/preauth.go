package resolver

import (
	"net/http"
	"strings"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
)

// PreAuthExtractor reads the principal asserted by a trusted upstream proxy.
// Headers from untrusted peers are removed by the sanitizer before the
// extractor runs.
type PreAuthExtractor struct {
	headers config.PreAuthHeaders
}

// NewPreAuthExtractor creates an extractor for the configured header names.
func NewPreAuthExtractor(headers config.PreAuthHeaders) *PreAuthExtractor {
	return &PreAuthExtractor{headers: headers}
}

// Extract returns the pre-authenticated principal, or false when the flag
// header is not "true". A flagged request without a username still yields a
// principal, which resolves as malformed.
func (e *PreAuthExtractor) Extract(h http.Header) (*identity.PreAuthPrincipal, bool) {
	if !strings.EqualFold(strings.TrimSpace(h.Get(e.headers.Flag)), "true") {
		return nil, false
	}

	get := func(name string) string {
		if name == "" {
			return ""
		}
		return strings.TrimSpace(h.Get(name))
	}
	return &identity.PreAuthPrincipal{
		Username:     get(e.headers.Username),
		Email:        get(e.headers.Email),
		FirstName:    get(e.headers.FirstName),
		LastName:     get(e.headers.LastName),
		Organization: get(e.headers.Organization),
		Provider:     get(e.headers.Provider),
		ProviderID:   get(e.headers.ProviderID),
	}, true
}

// Authenticate returns the pre-authenticated principal of r, or nil when the
// request carries none.
func (e *PreAuthExtractor) Authenticate(r *http.Request) (identity.Principal, error) {
	p, ok := e.Extract(r.Header)
	if !ok {
		return nil, nil
	}
	return p, nil
}
