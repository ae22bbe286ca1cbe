package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avapigw-identity/internal/account"
	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/directory"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

type countingProvisioner struct {
	calls atomic.Int32
	fn    func(ctx context.Context, c *identity.User) (*identity.User, error)
}

func (p *countingProvisioner) GetOrCreate(ctx context.Context, c *identity.User) (*identity.User, error) {
	p.calls.Add(1)
	return p.fn(ctx, c)
}

func echoProvisioner() *countingProvisioner {
	return &countingProvisioner{fn: func(_ context.Context, c *identity.User) (*identity.User, error) {
		u := c.Clone()
		u.ID = "provisioned-" + c.Username
		return u, nil
	}}
}

func preAuth(username, org string) *identity.PreAuthPrincipal {
	return &identity.PreAuthPrincipal{
		Username:     username,
		Email:        username + "@example.org",
		FirstName:    "First",
		LastName:     "Last",
		Organization: org,
		Provider:     "corp-sso",
		ProviderID:   "pid-" + username,
	}
}

func TestResolve_Anonymous(t *testing.T) {
	t.Parallel()

	r := New(WithProvisioner(echoProvisioner()))
	for _, p := range []identity.Principal{nil, identity.Anonymous()} {
		res, err := r.Resolve(context.Background(), p)
		require.NoError(t, err)
		assert.True(t, res.Anonymous())
	}
}

func TestResolve_DirectoryPrincipalUsedAsIs(t *testing.T) {
	t.Parallel()

	prov := echoProvisioner()
	r := New(WithProvisioner(prov))

	user := &identity.User{ID: "dir-1", Username: "jdoe", Organization: "acme", Roles: []string{"B", "A"}}
	org := &identity.Organization{ID: "o1", ShortName: "acme", DisplayName: "Acme"}
	res, err := r.Resolve(context.Background(), &identity.DirectoryPrincipal{User: user, Organization: org})
	require.NoError(t, err)

	assert.Equal(t, "dir-1", res.User.ID)
	assert.Equal(t, []string{"A", "B"}, res.User.Roles)
	assert.Equal(t, "Acme", res.Organization.DisplayName)
	assert.Equal(t, int32(0), prov.calls.Load())
}

func TestResolve_DirectoryPrincipalOrganizationLookup(t *testing.T) {
	t.Parallel()

	store := directory.NewMemoryStore()
	require.NoError(t, store.CreateOrg(context.Background(),
		&identity.Organization{ID: "o1", ShortName: "acme", DisplayName: "Acme Corp"}))

	r := New(WithOrganizations(store))
	res, err := r.Resolve(context.Background(), &identity.DirectoryPrincipal{
		User: &identity.User{ID: "1", Username: "jdoe", Organization: "acme"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Organization)
	assert.Equal(t, "Acme Corp", res.Organization.DisplayName)

	res, err = r.Resolve(context.Background(), &identity.DirectoryPrincipal{
		User: &identity.User{ID: "2", Username: "ann", Organization: "missing"},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Organization)
	assert.Equal(t, "missing", res.User.Organization)
}

func TestResolve_MalformedIsAnonymous(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("test")
	prov := echoProvisioner()
	r := New(WithProvisioner(prov), WithMetrics(metrics))

	principals := []identity.Principal{
		&identity.DirectoryPrincipal{},
		&identity.DirectoryPrincipal{User: &identity.User{Username: "no-id"}},
		&identity.FederatedPrincipal{Provider: "kc", Subject: "s"},
		preAuth("   ", "acme"),
	}
	for _, p := range principals {
		res, err := r.Resolve(context.Background(), p)
		require.NoError(t, err, "%T", p)
		assert.True(t, res.Anonymous(), "%T", p)
		assert.Equal(t, p, res.Principal)
	}
	assert.Equal(t, int32(0), prov.calls.Load())
}

func TestResolve_PreAuthProvisions(t *testing.T) {
	t.Parallel()

	var got *identity.User
	prov := &countingProvisioner{fn: func(_ context.Context, c *identity.User) (*identity.User, error) {
		got = c.Clone()
		u := c.Clone()
		u.ID = "new-id"
		return u, nil
	}}
	r := New(WithProvisioner(prov))

	res, err := r.Resolve(context.Background(), preAuth("jdoe", "acme"))
	require.NoError(t, err)
	assert.Equal(t, "new-id", res.User.ID)

	require.NotNil(t, got)
	assert.Equal(t, "jdoe", got.Username)
	assert.Equal(t, "jdoe@example.org", got.Email)
	assert.Equal(t, "acme", got.Organization)
	assert.Equal(t, "corp-sso", got.Provider)
	assert.Equal(t, "pid-jdoe", got.ProviderSubject)
	assert.True(t, got.ExternalAuth)
	assert.Empty(t, got.ID)

	require.NotNil(t, res.Organization)
	assert.Equal(t, "acme", res.Organization.ShortName)
}

func TestResolve_ProvisioningDisabledDeterministicID(t *testing.T) {
	t.Parallel()

	r := New()
	first, err := r.Resolve(context.Background(), preAuth("jdoe", ""))
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), preAuth("jdoe", ""))
	require.NoError(t, err)

	assert.NotEmpty(t, first.User.ID)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Nil(t, first.Organization)

	other, err := r.Resolve(context.Background(), preAuth("someone", ""))
	require.NoError(t, err)
	assert.NotEqual(t, first.User.ID, other.User.ID)
}

func TestResolve_ProvisioningDisabledFindsStoredAccount(t *testing.T) {
	t.Parallel()

	store := directory.NewMemoryStore()
	stored := &identity.User{ID: "stored-1", Username: "jdoe", Roles: []string{"ADMIN"}}
	require.NoError(t, store.CreateUser(context.Background(), stored))
	r := New(WithAccounts(account.NewManager(store, config.AccountsConfig{})))

	tests := []struct {
		name      string
		username  string
		wantID    string
		wantRoles []string
	}{
		{name: "stored", username: "jdoe", wantID: "stored-1", wantRoles: []string{"ADMIN"}},
		{name: "unknown", username: "ghost", wantID: DeterministicID(&identity.User{Username: "ghost", Provider: "corp-sso", ProviderSubject: "pid-ghost"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := r.Resolve(context.Background(), preAuth(tt.username, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, res.User.ID)
			assert.ElementsMatch(t, tt.wantRoles, res.User.Roles)

			_, err = store.FindUserByUsername(context.Background(), "ghost")
			assert.ErrorIs(t, err, directory.ErrNotFound)
		})
	}
}

func TestResolve_AccountLookupUnavailable(t *testing.T) {
	t.Parallel()

	down := &directory.StoreError{Op: "find_user", Err: fmt.Errorf("%w: timeout", directory.ErrUnavailable)}
	r := New(WithAccounts(finderFunc(func(context.Context, *identity.User) (*identity.User, error) {
		return nil, down
	})))

	res, err := r.Resolve(context.Background(), preAuth("jdoe", ""))
	assert.Nil(t, res)
	assert.True(t, IsUnavailable(err))
}

type finderFunc func(ctx context.Context, c *identity.User) (*identity.User, error)

func (f finderFunc) Find(ctx context.Context, c *identity.User) (*identity.User, error) { return f(ctx, c) }

func TestDeterministicID(t *testing.T) {
	t.Parallel()

	a := DeterministicID(&identity.User{Username: "a", Provider: "kc", ProviderSubject: "s1"})
	b := DeterministicID(&identity.User{Username: "renamed", Provider: "kc", ProviderSubject: "s1"})
	c := DeterministicID(&identity.User{Username: "a"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestResolve_UnavailableIsError(t *testing.T) {
	t.Parallel()

	down := &directory.StoreError{Op: "find_user", Err: fmt.Errorf("%w: timeout", directory.ErrUnavailable)}
	prov := &countingProvisioner{fn: func(context.Context, *identity.User) (*identity.User, error) {
		return nil, down
	}}
	r := New(WithProvisioner(prov))

	res, err := r.Resolve(context.Background(), preAuth("jdoe", "acme"))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, directory.ErrUnavailable)

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, identity.SourcePreAuth, resErr.Source)
	assert.Equal(t, "jdoe", resErr.Username)
}

func TestResolve_OrganizationLookupUnavailable(t *testing.T) {
	t.Parallel()

	r := New(WithOrganizations(orgFinderFunc(func(context.Context, string) (*identity.Organization, error) {
		return nil, &directory.StoreError{Op: "find_org", Err: directory.ErrUnavailable}
	})))

	_, err := r.Resolve(context.Background(), &identity.DirectoryPrincipal{
		User: &identity.User{ID: "1", Username: "jdoe", Organization: "acme"},
	})
	assert.True(t, IsUnavailable(err))
}

type orgFinderFunc func(ctx context.Context, shortName string) (*identity.Organization, error)

func (f orgFinderFunc) FindOrgByShortName(ctx context.Context, shortName string) (*identity.Organization, error) {
	return f(ctx, shortName)
}

func TestResolve_CallerCancelled(t *testing.T) {
	t.Parallel()

	prov := &countingProvisioner{fn: func(ctx context.Context, _ *identity.User) (*identity.User, error) {
		return nil, context.Canceled
	}}
	r := New(WithProvisioner(prov))

	_, err := r.Resolve(context.Background(), preAuth("jdoe", ""))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsUnavailable(err))
}

func TestResolveRequest_CachedPerRequest(t *testing.T) {
	t.Parallel()

	prov := echoProvisioner()
	r := New(WithProvisioner(prov))

	ctx := identity.WithPrincipal(context.Background(), preAuth("jdoe", ""))
	first, err := r.ResolveRequest(ctx)
	require.NoError(t, err)
	second, err := r.ResolveRequest(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), prov.calls.Load())

	u, ok := identity.UserFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, first.User, u)

	other := identity.WithPrincipal(context.Background(), preAuth("jdoe", ""))
	_, err = r.ResolveRequest(other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), prov.calls.Load())
}

func TestResolveRequest_NoScope(t *testing.T) {
	t.Parallel()

	res, err := New().ResolveRequest(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Anonymous())
}

func TestResolve_WithAccountManager(t *testing.T) {
	t.Parallel()

	store := directory.NewMemoryStore()
	mgr := account.NewManager(store, config.AccountsConfig{DefaultRoles: []string{"USER"}})
	r := New(WithProvisioner(mgr), WithOrganizations(store))

	first, err := r.Resolve(context.Background(), preAuth("jdoe", "acme"))
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), preAuth("jdoe", "acme"))
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, []string{"USER"}, first.User.Roles)
	require.NotNil(t, second.Organization)
	assert.Equal(t, []string{"jdoe"}, second.Organization.Members)
}

func TestCandidate(t *testing.T) {
	t.Parallel()

	c, err := Candidate(&identity.FederatedPrincipal{
		Provider: "kc", Subject: "abc", Username: " jdoe ", Roles: []string{"b", "a", "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "jdoe", c.Username)
	assert.Equal(t, []string{"a", "b"}, c.Roles)
	assert.Equal(t, "kc", c.Provider)
	assert.Equal(t, "abc", c.ProviderSubject)

	_, err = Candidate(&identity.DirectoryPrincipal{})
	assert.ErrorIs(t, err, ErrMalformedPrincipal)

	_, err = Candidate(&identity.PreAuthPrincipal{})
	assert.ErrorIs(t, err, identity.ErrMissingUsername)
}

func TestFederatedPrincipalFromToken(t *testing.T) {
	t.Parallel()

	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.SubjectKey, "sub-123"))
	require.NoError(t, tok.Set("preferred_username", "jdoe"))
	require.NoError(t, tok.Set("email", "jdoe@example.org"))
	require.NoError(t, tok.Set("given_name", "Jane"))
	require.NoError(t, tok.Set("family_name", "Doe"))
	require.NoError(t, tok.Set("org", "acme"))
	require.NoError(t, tok.Set("realm_access", map[string]interface{}{
		"roles": []interface{}{"ADMIN", "USER"},
	}))

	mapping := DefaultClaimMapping()
	mapping.Roles = "realm_access.roles"

	p, err := FederatedPrincipalFromToken(context.Background(), tok, "keycloak", mapping)
	require.NoError(t, err)
	assert.Equal(t, "keycloak", p.Provider)
	assert.Equal(t, "sub-123", p.Subject)
	assert.Equal(t, "jdoe", p.Username)
	assert.Equal(t, "jdoe@example.org", p.Email)
	assert.Equal(t, "Jane", p.FirstName)
	assert.Equal(t, "Doe", p.LastName)
	assert.Equal(t, "acme", p.Organization)
	assert.Equal(t, []string{"ADMIN", "USER"}, p.Roles)
	assert.Equal(t, "jdoe", p.Claims["preferred_username"])
}

func TestFederatedPrincipalFromToken_Malformed(t *testing.T) {
	t.Parallel()

	_, err := FederatedPrincipalFromToken(context.Background(), nil, "kc", DefaultClaimMapping())
	assert.ErrorIs(t, err, ErrMalformedPrincipal)

	tok := jwt.New()
	require.NoError(t, tok.Set("preferred_username", "jdoe"))
	_, err = FederatedPrincipalFromToken(context.Background(), tok, "kc", DefaultClaimMapping())
	assert.ErrorIs(t, err, ErrMalformedPrincipal)
}

func TestStringSliceClaim(t *testing.T) {
	t.Parallel()

	claims := map[string]interface{}{
		"list":   []string{"a", "b"},
		"mixed":  []interface{}{"a", 1, "b"},
		"spaced": "read write",
		"number": 3,
		"nested": map[string]interface{}{"inner": []interface{}{"x"}},
	}

	tests := []struct {
		path string
		want []string
	}{
		{"list", []string{"a", "b"}},
		{"mixed", []string{"a", "b"}},
		{"spaced", []string{"read", "write"}},
		{"number", nil},
		{"nested.inner", []string{"x"}},
		{"nested.missing", nil},
		{"list.deeper", nil},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stringSliceClaim(claims, tt.path), tt.path)
	}
}

func TestPreAuthExtractor(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.ApplyDefaults()
	e := NewPreAuthExtractor(cfg.PreAuth.Headers)

	tests := []struct {
		name    string
		headers map[string]string
		wantOK  bool
		want    *identity.PreAuthPrincipal
	}{
		{name: "no flag", headers: map[string]string{"X-Preauth-Username": "jdoe"}},
		{name: "flag false", headers: map[string]string{"X-Preauthenticated": "false", "X-Preauth-Username": "jdoe"}},
		{
			name: "full",
			headers: map[string]string{
				"X-Preauthenticated":    "TRUE",
				"X-Preauth-Username":    " jdoe ",
				"X-Preauth-Email":       "jdoe@example.org",
				"X-Preauth-Firstname":   "Jane",
				"X-Preauth-Lastname":    "Doe",
				"X-Preauth-Org":         "acme",
				"X-Preauth-Provider":    "corp",
				"X-Preauth-Provider-Id": "42",
			},
			wantOK: true,
			want: &identity.PreAuthPrincipal{
				Username: "jdoe", Email: "jdoe@example.org", FirstName: "Jane", LastName: "Doe",
				Organization: "acme", Provider: "corp", ProviderID: "42",
			},
		},
		{
			name:    "flag without username",
			headers: map[string]string{"X-Preauthenticated": "true"},
			wantOK:  true,
			want:    &identity.PreAuthPrincipal{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			p, ok := e.Extract(h)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPreAuthExtractor_Authenticate(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.ApplyDefaults()
	e := NewPreAuthExtractor(cfg.PreAuth.Headers)

	r, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	p, err := e.Authenticate(r)
	assert.NoError(t, err)
	assert.Nil(t, p)

	r.Header.Set("X-Preauthenticated", "true")
	r.Header.Set("X-Preauth-Username", "jdoe")
	p, err = e.Authenticate(r)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, identity.SourcePreAuth, p.Source())
	assert.Equal(t, "jdoe", p.Name())
}

func TestResolutionError_Message(t *testing.T) {
	t.Parallel()

	err := &ResolutionError{Source: identity.SourceFederated, Username: "jdoe", Err: ErrUnavailable}
	assert.Equal(t, `resolve federated principal "jdoe": resolver: directory unavailable`, err.Error())

	err = &ResolutionError{Source: identity.SourcePreAuth, Err: ErrMalformedPrincipal}
	assert.Equal(t, "resolve preauth principal: resolver: malformed principal", err.Error())
}
