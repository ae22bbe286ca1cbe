package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUser_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		user *User
		want error
	}{
		{name: "nil", user: nil, want: ErrMissingUsername},
		{name: "blank username", user: &User{ID: "1", Username: "  "}, want: ErrMissingUsername},
		{name: "missing id", user: &User{Username: "alice"}, want: ErrMissingID},
		{name: "valid", user: &User{ID: "1", Username: "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.user.Validate(), tt.want)
		})
	}
}

func TestUser_Clone(t *testing.T) {
	t.Parallel()

	days := 12
	u := &User{ID: "1", Username: "alice", Roles: []string{"USER"}, PasswordExpiryDays: &days}
	c := u.Clone()

	assert.Equal(t, u, c)
	c.Roles[0] = "ADMIN"
	*c.PasswordExpiryDays = 1
	assert.Equal(t, "USER", u.Roles[0])
	assert.Equal(t, 12, *u.PasswordExpiryDays)
	assert.Nil(t, (*User)(nil).Clone())
}

func TestUser_Helpers(t *testing.T) {
	t.Parallel()

	u := &User{FirstName: "Ada", Roles: []string{"USER"}}
	assert.Equal(t, "Ada", u.FullName())
	u.LastName = "Lovelace"
	assert.Equal(t, "Ada Lovelace", u.FullName())
	assert.True(t, u.HasRole("USER"))
	assert.False(t, u.HasRole("ADMIN"))
	assert.False(t, u.IsFederated())
}

func TestNormalizeRoles(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{}, NormalizeRoles())
	assert.Equal(t, []string{"ADMIN", "USER"}, NormalizeRoles([]string{"USER", " ", "ADMIN"}, []string{"USER "}))
}

func TestOrganization(t *testing.T) {
	t.Parallel()

	o := &Organization{ID: "o1", ShortName: "c2c", Members: []string{"alice"}}
	c := o.Clone()
	c.Members = append(c.Members, "bob")

	assert.True(t, o.HasMember("alice"))
	assert.False(t, o.HasMember("bob"))
	assert.True(t, c.HasMember("bob"))
}

func TestPrincipals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		principal Principal
		source    Source
		name      string
	}{
		{&DirectoryPrincipal{User: &User{Username: "dir"}}, SourceDirectory, "dir"},
		{&DirectoryPrincipal{}, SourceDirectory, ""},
		{&FederatedPrincipal{Username: "fed"}, SourceFederated, "fed"},
		{&PreAuthPrincipal{Username: "pre"}, SourcePreAuth, "pre"},
		{Anonymous(), SourceAnonymous, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.source, tt.principal.Source())
		assert.Equal(t, tt.name, tt.principal.Name())
	}
	assert.True(t, IsAnonymous(nil))
	assert.True(t, IsAnonymous(Anonymous()))
	assert.False(t, IsAnonymous(&PreAuthPrincipal{}))
}

func TestScope_ResolveOnce(t *testing.T) {
	t.Parallel()

	ctx := WithPrincipal(context.Background(), &PreAuthPrincipal{Username: "alice"})
	scope := ScopeFromContext(ctx)
	require.NotNil(t, scope)

	var calls atomic.Int32
	resolve := func(p Principal) (*Resolved, error) {
		calls.Add(1)
		return &Resolved{User: &User{ID: "1", Username: p.Name()}, Principal: p}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Resolved, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := scope.Resolve(resolve)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}

	u, ok := UserFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)
	assert.Same(t, results[0], ResolvedFromContext(ctx))
}

func TestScope_ResolveErrorCached(t *testing.T) {
	t.Parallel()

	ctx := NewContext(context.Background())
	scope := ScopeFromContext(ctx)
	boom := errors.New("boom")

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := scope.Resolve(func(Principal) (*Resolved, error) {
			calls++
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 1, calls)

	_, ok := scope.Resolved()
	assert.True(t, ok)
	_, ok = UserFromContext(ctx)
	assert.False(t, ok)
}

func TestScope_PrincipalFrozenAfterResolve(t *testing.T) {
	t.Parallel()

	ctx := NewContext(context.Background())
	scope := ScopeFromContext(ctx)
	assert.Equal(t, SourceAnonymous, scope.Principal().Source())

	_, _ = scope.Resolve(func(p Principal) (*Resolved, error) {
		return &Resolved{Principal: p}, nil
	})
	scope.SetPrincipal(&PreAuthPrincipal{Username: "late"})

	assert.True(t, IsAnonymous(PrincipalFromContext(ctx)))
}

func TestContext_NoScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Nil(t, ScopeFromContext(ctx))
	assert.Nil(t, ResolvedFromContext(ctx))
	assert.True(t, IsAnonymous(PrincipalFromContext(ctx)))
	_, ok := UserFromContext(ctx)
	assert.False(t, ok)

	scoped := NewContext(ctx)
	assert.Same(t, ScopeFromContext(scoped), ScopeFromContext(NewContext(scoped)))
}

func TestNewAccountCreated(t *testing.T) {
	t.Parallel()

	u := &User{ID: "1", Username: "alice", Roles: []string{"USER"}}
	ev := NewAccountCreated(u)
	u.Roles[0] = "ADMIN"

	assert.Equal(t, "USER", ev.User.Roles[0])
	assert.False(t, ev.OccurredAt.IsZero())
}
