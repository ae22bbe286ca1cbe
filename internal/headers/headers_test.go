package headers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

func fullUser() *identity.User {
	days := 7
	return &identity.User{
		ID:                 "u-1",
		Username:           "jdoe",
		Email:              "jdoe@example.org",
		FirstName:          "Jane",
		LastName:           "Doe",
		Organization:       "acme",
		Roles:              []string{"USER", "ADMIN"},
		Telephone:          "+1 555 0100",
		Address:            "1 Main St",
		Title:              "Engineer",
		Notes:              "n/a",
		LastUpdated:        time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		PasswordExpiryDays: &days,
		ExternalAuth:       true,
	}
}

func resolvedFor(u *identity.User) *identity.Resolved {
	return &identity.Resolved{
		User:         u,
		Organization: &identity.Organization{ID: "o-1", ShortName: "acme", DisplayName: "Acme Corp"},
		Principal:    &identity.PreAuthPrincipal{Username: u.Username},
	}
}

// headerForKind maps each switch to the header it controls.
var headerForKind = map[config.HeaderKind]string{
	config.HeaderProxy:          Proxy,
	config.HeaderUserID:         UserID,
	config.HeaderUsername:       Username,
	config.HeaderOrganization:   Organization,
	config.HeaderEmail:          Email,
	config.HeaderFirstName:      FirstName,
	config.HeaderLastName:       LastName,
	config.HeaderTelephone:      Telephone,
	config.HeaderRoles:          Roles,
	config.HeaderLastUpdated:    LastUpdated,
	config.HeaderAddress:        Address,
	config.HeaderTitle:          Title,
	config.HeaderNotes:          Notes,
	config.HeaderPasswordExpiry: PasswordExpiry,
	config.HeaderExternalAuth:   ExternalAuth,
}

func TestPipeline_AllDisabledEmitsNothing(t *testing.T) {
	t.Parallel()

	p := NewPipeline()
	for _, m := range []config.HeaderMappings{
		config.DefaultHeaderMappings(),
		config.DefaultHeaderMappings().EnableAll().DisableAll(),
	} {
		out := p.Build(Input{Resolved: resolvedFor(fullUser()), Mappings: m})
		assert.Empty(t, out)
	}
}

func TestPipeline_FullUser(t *testing.T) {
	t.Parallel()

	p := NewPipeline()
	out := p.Build(Input{Resolved: resolvedFor(fullUser()), Mappings: config.StandardHeaderMappings()})

	assert.Equal(t, "true", out.Get(Proxy))
	assert.Equal(t, "u-1", out.Get(UserID))
	assert.Equal(t, "jdoe", out.Get(Username))
	assert.Equal(t, "acme", out.Get(Organization))
	assert.Equal(t, "jdoe@example.org", out.Get(Email))
	assert.Equal(t, "Jane", out.Get(FirstName))
	assert.Equal(t, "Doe", out.Get(LastName))
	assert.Equal(t, "+1 555 0100", out.Get(Telephone))
	assert.Equal(t, "ADMIN;USER", out.Get(Roles))
	assert.Equal(t, "2024-05-06T07:08:09Z", out.Get(LastUpdated))
	assert.Equal(t, "1 Main St", out.Get(Address))
	assert.Equal(t, "Engineer", out.Get(Title))
	assert.Equal(t, "n/a", out.Get(Notes))
	assert.Equal(t, "7", out.Get(PasswordExpiry))
	assert.Equal(t, "true", out.Get(ExternalAuth))

	assert.Empty(t, out.Get(FullName))
	assert.Empty(t, out.Get(OrgName))
	assert.Empty(t, out.Get(JSONPayload))
}

func TestPipeline_PresentIffNonEmpty(t *testing.T) {
	t.Parallel()

	empty := &identity.User{ID: "u-2", Username: "bare", Roles: []string{}}
	emptyResolved := &identity.Resolved{User: empty, Principal: &identity.PreAuthPrincipal{Username: "bare"}}

	p := NewPipeline()
	for _, kind := range config.HeaderKinds() {
		kind := kind
		name := headerForKind[kind]
		require.NotEmpty(t, name, kind)

		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			m := config.DefaultHeaderMappings().With(kind, true)

			full := p.Build(Input{Resolved: resolvedFor(fullUser()), Mappings: m})
			assert.Len(t, full, 1)
			assert.NotEmpty(t, full.Get(name))

			sparse := p.Build(Input{Resolved: emptyResolved, Mappings: m})
			for k, values := range sparse {
				for _, v := range values {
					assert.NotEmpty(t, v, k)
				}
			}
			switch kind {
			case config.HeaderProxy, config.HeaderUserID, config.HeaderUsername, config.HeaderExternalAuth:
				assert.Len(t, sparse, 1)
			default:
				assert.Empty(t, sparse)
			}
		})
	}
}

func TestPipeline_EmptyRolesNoHeader(t *testing.T) {
	t.Parallel()

	u := fullUser()
	u.Roles = nil
	out := NewPipeline().Build(Input{
		Resolved: resolvedFor(u),
		Mappings: config.DefaultHeaderMappings().With(config.HeaderRoles, true),
	})
	_, ok := out[http.CanonicalHeaderKey(Roles)]
	assert.False(t, ok)
}

func TestPipeline_AnonymousHasNoIdentityHeaders(t *testing.T) {
	t.Parallel()

	m := config.DefaultHeaderMappings().EnableAll()
	p := NewPipeline()

	for _, r := range []*identity.Resolved{nil, {Principal: identity.Anonymous()}} {
		out := p.Build(Input{Resolved: r, Mappings: m})
		assert.Equal(t, http.Header{http.CanonicalHeaderKey(Proxy): {"true"}}, out)
	}
}

func TestPipeline_Extras(t *testing.T) {
	t.Parallel()

	m := config.DefaultHeaderMappings().With(config.HeaderExtrasSwitch, true)
	out := NewPipeline().Build(Input{Resolved: resolvedFor(fullUser()), Mappings: m})

	assert.Equal(t, "Jane Doe", out.Get(FullName))
	assert.Equal(t, "Acme Corp", out.Get(OrgName))
	assert.Len(t, out, 2)
}

func TestPipeline_OrganizationFromResolved(t *testing.T) {
	t.Parallel()

	u := fullUser()
	u.Organization = ""
	out := NewPipeline().Build(Input{
		Resolved: resolvedFor(u),
		Mappings: config.DefaultHeaderMappings().With(config.HeaderOrganization, true),
	})
	assert.Equal(t, "acme", out.Get(Organization))
}

func TestPipeline_JSONPayload(t *testing.T) {
	t.Parallel()

	m := config.DefaultHeaderMappings().With(config.HeaderJSONSwitch, true)
	out := NewPipeline().Build(Input{Resolved: resolvedFor(fullUser()), Mappings: m})
	require.Len(t, out, 1)

	decoded, err := DecodePayload(out.Get(JSONPayload))
	require.NoError(t, err)
	assert.Equal(t, "u-1", decoded.User.ID)
	assert.Equal(t, "jdoe", decoded.User.Username)
	assert.Equal(t, []string{"USER", "ADMIN"}, decoded.User.Roles)
	assert.Equal(t, "Acme Corp", decoded.Organization.DisplayName)
	assert.Equal(t, identity.SourcePreAuth, decoded.Source)
	assert.JSONEq(t, `{"username":"jdoe"}`, string(decoded.Principal))
}

func TestPipeline_JSONPayloadAnonymous(t *testing.T) {
	t.Parallel()

	m := config.DefaultHeaderMappings().With(config.HeaderJSONSwitch, true)
	out := NewPipeline().Build(Input{Resolved: &identity.Resolved{}, Mappings: m})
	assert.Empty(t, out)
}

func TestDecodePayload_Invalid(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload("%%%")
	assert.Error(t, err)
	_, err = DecodePayload("bm90IGpzb24=")
	assert.Error(t, err)
}

func TestPipeline_ContributorOrder(t *testing.T) {
	t.Parallel()

	names := make([]string, 0, 4)
	for _, c := range NewPipeline().Contributors() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"proxy", "user", "organization", "json"}, names)
}

type recordingContributor struct {
	name  string
	order *[]string
}

func (c recordingContributor) Name() string { return c.name }

func (c recordingContributor) Contribute(Input) Contribution {
	return func(out http.Header) {
		*c.order = append(*c.order, c.name)
		out.Set("x-"+c.name, "1")
	}
}

func TestPipeline_CustomContributorsAndMetrics(t *testing.T) {
	t.Parallel()

	var order []string
	metrics := observability.NewMetrics("test")
	p := NewPipeline(
		WithMetrics(metrics),
		WithContributors(recordingContributor{"b", &order}, recordingContributor{"a", &order}),
	)

	existing := http.Header{"Accept": {"*/*"}}
	p.Apply(existing, Input{})
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Equal(t, "*/*", existing.Get("Accept"))
	assert.Equal(t, "1", existing.Get("X-A"))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() == "test_headers_contributed_total" {
			for _, m := range f.GetMetric() {
				total += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), total)
}

func TestProxyContributor_CustomValue(t *testing.T) {
	t.Parallel()

	c := NewProxyContributor("edge-1")
	fn := c.Contribute(Input{Mappings: config.DefaultHeaderMappings().With(config.HeaderProxy, true)})
	require.NotNil(t, fn)
	out := http.Header{}
	fn(out)
	assert.Equal(t, "edge-1", out.Get(Proxy))

	assert.Nil(t, c.Contribute(Input{}))
}
