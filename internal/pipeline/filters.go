package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/avapigw-identity/internal/federation"
	"github.com/vyrodovalexey/avapigw-identity/internal/headers"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/middleware"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/resolver"
	"github.com/vyrodovalexey/avapigw-identity/internal/sanitizer"
)

// DefaultRetryAfter is the Retry-After hint sent with directory outages.
const DefaultRetryAfter = 5 * time.Second

// Rejection reasons.
const (
	ReasonInvalidCredentials   = "invalid_credentials"
	ReasonAuthUnavailable      = "authentication_unavailable"
	ReasonDirectoryUnavailable = "directory_unavailable"
	ReasonClientCanceled       = "client_canceled"
	ReasonNoRoute              = "no_route"
	ReasonStageOrder           = "stage_order"
)

const errUnauthorized = `{"error":"unauthorized","message":"invalid credentials"}`

// SanitizeFilter strips spoofable inbound headers.
type SanitizeFilter struct {
	sanitizer *sanitizer.Sanitizer
}

// NewSanitizeFilter creates the SANITIZED stage.
func NewSanitizeFilter(s *sanitizer.Sanitizer) *SanitizeFilter {
	return &SanitizeFilter{sanitizer: s}
}

// Stage implements Filter.
func (f *SanitizeFilter) Stage() Stage { return StageSanitized }

// Wrap implements Filter.
func (f *SanitizeFilter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.sanitizer.Sanitize(r)
		next.ServeHTTP(w, r)
	})
}

// Authenticator produces a principal from a sanitized request. A nil
// principal with a nil error means the mechanism does not apply.
type Authenticator interface {
	Authenticate(r *http.Request) (identity.Principal, error)
}

// AuthenticateFilter records the authentication outcome in the request
// scope. A principal already placed in the scope by an upstream
// authenticator is kept.
type AuthenticateFilter struct {
	authenticators []Authenticator
	logger         observability.Logger
}

// NewAuthenticateFilter creates the AUTHENTICATED stage. Authenticators are
// tried in order; the first principal wins.
func NewAuthenticateFilter(logger observability.Logger, authenticators ...Authenticator) *AuthenticateFilter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuthenticateFilter{authenticators: authenticators, logger: logger}
}

// Stage implements Filter.
func (f *AuthenticateFilter) Stage() Stage { return StageAuthenticated }

// Wrap implements Filter.
func (f *AuthenticateFilter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !identity.IsAnonymous(identity.PrincipalFromContext(ctx)) {
			next.ServeHTTP(w, r)
			return
		}

		for _, a := range f.authenticators {
			p, err := a.Authenticate(r)
			if err != nil {
				if errors.Is(err, federation.ErrInvalidToken) {
					Reject(w, r, http.StatusUnauthorized, errUnauthorized, ReasonInvalidCredentials)
					return
				}
				f.logger.WithContext(ctx).Error("authentication failed", observability.Error(err))
				rejectUnavailable(w, r, DefaultRetryAfter, ReasonAuthUnavailable)
				return
			}
			if p != nil {
				identity.ScopeFromContext(ctx).SetPrincipal(p)
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ResolveFilter resolves the request principal to a user once per request.
type ResolveFilter struct {
	resolver   *resolver.Resolver
	retryAfter time.Duration
}

// NewResolveFilter creates the IDENTITY_RESOLVED stage. A non-positive
// retryAfter uses DefaultRetryAfter.
func NewResolveFilter(res *resolver.Resolver, retryAfter time.Duration) *ResolveFilter {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &ResolveFilter{resolver: res, retryAfter: retryAfter}
}

// Stage implements Filter.
func (f *ResolveFilter) Stage() Stage { return StageIdentityResolved }

// Wrap implements Filter.
func (f *ResolveFilter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resolved, err := f.resolver.ResolveRequest(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				Reject(w, r, 0, "", ReasonClientCanceled)
				return
			}
			rejectUnavailable(w, r, f.retryAfter, ReasonDirectoryUnavailable)
			return
		}
		if !resolved.Anonymous() {
			middleware.SetUser(ctx, resolved.User.Username)
			r = r.WithContext(observability.ContextWithUsername(ctx, resolved.User.Username))
		}
		next.ServeHTTP(w, r)
	})
}

func rejectUnavailable(w http.ResponseWriter, r *http.Request, retryAfter time.Duration, reason string) {
	w.Header().Set(middleware.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds())))
	Reject(w, r, http.StatusServiceUnavailable, middleware.ErrServiceUnavailable, reason)
}

// BindTargetFilter binds the matched route's header policy to the request.
type BindTargetFilter struct {
	routes *RouteTable
}

// NewBindTargetFilter creates the TARGET_CONFIG_BOUND stage.
func NewBindTargetFilter(routes *RouteTable) *BindTargetFilter {
	return &BindTargetFilter{routes: routes}
}

// Stage implements Filter.
func (f *BindTargetFilter) Stage() Stage { return StageTargetConfigBound }

// Wrap implements Filter.
func (f *BindTargetFilter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := f.routes.Match(r.URL.Path)
		if !ok {
			Reject(w, r, http.StatusNotFound, middleware.ErrRouteNotFound, ReasonNoRoute)
			return
		}

		t := TrackerFromContext(r.Context())
		if err := t.bind(route.target()); err != nil {
			Reject(w, r, http.StatusInternalServerError, middleware.ErrInternalServerError, ReasonStageOrder)
			return
		}

		ctx := observability.ContextWithRoute(r.Context(), route.ID)
		middleware.SetRoute(ctx, route.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContributeFilter adds the outbound identity headers for the bound target.
type ContributeFilter struct {
	pipeline *headers.Pipeline
}

// NewContributeFilter creates the HEADERS_CONTRIBUTED stage.
func NewContributeFilter(p *headers.Pipeline) *ContributeFilter {
	return &ContributeFilter{pipeline: p}
}

// Stage implements Filter.
func (f *ContributeFilter) Stage() Stage { return StageHeadersContributed }

// Wrap implements Filter. Without a bound target nothing is emitted; an
// unresolved identity is contributed as no user.
func (f *ContributeFilter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if target, ok := TrackerFromContext(ctx).Target(); ok {
			in := headers.Input{
				RouteID:  target.RouteID,
				Resolved: identity.ResolvedFromContext(ctx),
				Mappings: target.Mappings,
			}
			for name, values := range f.pipeline.Build(in) {
				r.Header[name] = values
			}
		}
		next.ServeHTTP(w, r)
	})
}
