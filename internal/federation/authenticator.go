// Package federation turns ID tokens forwarded by the federated login flow
// into principals. It verifies signatures and standard claims only; the
// OIDC protocol exchange happens upstream.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/resolver"
)

// acceptableSkew tolerates clock drift between the identity provider and
// the gateway.
const acceptableSkew = 30 * time.Second

// ErrInvalidToken is returned for a token that fails verification.
var ErrInvalidToken = errors.New("federation: invalid ID token")

// Authenticator verifies a forwarded ID token and maps it to a federated
// principal.
type Authenticator struct {
	provider string
	header   string
	bearer   bool
	issuer   string
	audience string
	mapping  resolver.ClaimMapping
	keys     KeySource
	logger   observability.Logger
	clock    jwt.Clock
}

// Option is a functional option for configuring the Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithClock overrides the clock used for exp/nbf/iat checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.clock = jwt.ClockFunc(now)
	}
}

// NewAuthenticator creates an authenticator for cfg using keys for
// signature verification.
func NewAuthenticator(cfg config.FederationConfig, keys KeySource, opts ...Option) *Authenticator {
	header := cfg.TokenHeader
	if header == "" {
		header = config.DefaultTokenHeader
	}
	a := &Authenticator{
		provider: cfg.Provider,
		header:   header,
		bearer:   strings.EqualFold(header, config.DefaultTokenHeader),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		mapping: resolver.ClaimMapping{
			Username:     cfg.Claims.Username,
			Email:        cfg.Claims.Email,
			FirstName:    cfg.Claims.FirstName,
			LastName:     cfg.Claims.LastName,
			Organization: cfg.Claims.Organization,
			Roles:        cfg.Claims.Roles,
		},
		keys:   keys,
		logger: observability.NopLogger(),
	}
	if a.mapping.Username == "" {
		a.mapping = resolver.DefaultClaimMapping()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate returns the principal for the request's ID token. A request
// without a token yields a nil principal and no error.
func (a *Authenticator) Authenticate(r *http.Request) (identity.Principal, error) {
	raw := a.token(r.Header)
	if raw == "" {
		return nil, nil
	}

	ctx := r.Context()
	token, err := a.verify(ctx, raw)
	if err != nil {
		a.logger.WithContext(ctx).Debug("ID token rejected",
			observability.String("provider", a.provider),
			observability.Error(err),
		)
		return nil, err
	}

	p, err := resolver.FederatedPrincipalFromToken(ctx, token, a.provider, a.mapping)
	if err != nil {
		if errors.Is(err, resolver.ErrMalformedPrincipal) {
			a.logger.WithContext(ctx).Warn("ID token lacks required claims, continuing as anonymous",
				observability.String("provider", a.provider),
				observability.Error(err),
			)
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (a *Authenticator) token(h http.Header) string {
	value := strings.TrimSpace(h.Get(a.header))
	if !a.bearer {
		return value
	}
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (a *Authenticator) verify(ctx context.Context, raw string) (jwt.Token, error) {
	keys, err := a.keys.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification keys: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(acceptableSkew),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	if a.clock != nil {
		opts = append(opts, jwt.WithClock(a.clock))
	}

	token, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return token, nil
}
