package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
)

// ClaimMapping names the ID token claims holding user attributes. Nested
// claims use dot notation, e.g. "realm_access.roles".
type ClaimMapping struct {
	Username     string
	Email        string
	FirstName    string
	LastName     string
	Organization string
	Roles        string
}

// DefaultClaimMapping returns the standard OIDC claim names.
func DefaultClaimMapping() ClaimMapping {
	return ClaimMapping{
		Username:     "preferred_username",
		Email:        "email",
		FirstName:    "given_name",
		LastName:     "family_name",
		Organization: "org",
		Roles:        "roles",
	}
}

// FederatedPrincipalFromToken builds a principal from an ID token that the
// login flow has already verified. The token is not validated here.
func FederatedPrincipalFromToken(
	ctx context.Context, token jwt.Token, provider string, mapping ClaimMapping,
) (*identity.FederatedPrincipal, error) {
	if token == nil {
		return nil, fmt.Errorf("%w: no token", ErrMalformedPrincipal)
	}
	claims, err := token.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read token claims: %w", err)
	}

	p := &identity.FederatedPrincipal{
		Provider:     provider,
		Subject:      token.Subject(),
		Username:     stringClaim(claims, mapping.Username),
		Email:        stringClaim(claims, mapping.Email),
		FirstName:    stringClaim(claims, mapping.FirstName),
		LastName:     stringClaim(claims, mapping.LastName),
		Organization: stringClaim(claims, mapping.Organization),
		Roles:        stringSliceClaim(claims, mapping.Roles),
		Claims:       claims,
	}
	if p.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrMalformedPrincipal)
	}
	return p, nil
}

func nestedClaim(claims map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringClaim(claims map[string]interface{}, path string) string {
	v, ok := nestedClaim(claims, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func stringSliceClaim(claims map[string]interface{}, path string) []string {
	v, ok := nestedClaim(claims, path)
	if !ok {
		return nil
	}

	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case string:
		return strings.Fields(val)
	default:
		return nil
	}
}
