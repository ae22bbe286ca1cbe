package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Directory: DirectoryConfig{Type: DirectoryTypeMemory},
		Accounts:  AccountsConfig{Provisioning: true},
		Routes: []RouteConfig{
			{ID: "api", PathPrefix: "/api", Upstream: "http://backend:8080"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:     "provisioning without directory",
			mutate:   func(c *Config) { c.Directory.Type = DirectoryTypeNone },
			wantPath: "accounts.provisioning",
		},
		{
			name:     "unknown directory type",
			mutate:   func(c *Config) { c.Directory.Type = "ldap" },
			wantPath: "directory.type",
		},
		{
			name:     "redis without url",
			mutate:   func(c *Config) { c.Directory.Type = DirectoryTypeRedis },
			wantPath: "directory.redis.url",
		},
		{
			name: "redis vault path without vault",
			mutate: func(c *Config) {
				c.Directory.Type = DirectoryTypeRedis
				c.Directory.Redis.URL = "redis://localhost:6379"
				c.Directory.Redis.PasswordVaultPath = "secret/redis"
			},
			wantPath: "directory.redis.passwordVaultPath",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Directory.Type = DirectoryTypeSQL
				c.Directory.SQL.Driver = SQLDriverSQLite
			},
			wantPath: "directory.sql.sqlitePath",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Directory.Type = DirectoryTypeSQL
				c.Directory.SQL = SQLDirectoryConfig{Driver: SQLDriverPostgres, Database: "idp", User: "gw"}
			},
			wantPath: "directory.sql.host",
		},
		{
			name:     "bad protected pattern",
			mutate:   func(c *Config) { c.Security.ProtectedHeaderPatterns = []string{"(unclosed"} },
			wantPath: "security.protectedHeaderPatterns[0]",
		},
		{
			name: "bad trusted proxy",
			mutate: func(c *Config) {
				c.PreAuth.Enabled = true
				c.PreAuth.TrustedProxies = []string{"10.0.0.1", "10.0.0.0/8", "proxy.local"}
			},
			wantPath: "preauth.trustedProxies[2]",
		},
		{
			name: "pre-auth header in sec- namespace",
			mutate: func(c *Config) {
				c.PreAuth.Enabled = true
				c.PreAuth.Headers.Username = "sec-preauth-user"
			},
			wantPath: "preauth.headers",
		},
		{
			name: "pre-auth header matches protected pattern",
			mutate: func(c *Config) {
				c.PreAuth.Enabled = true
				c.Security.ProtectedHeaderPatterns = []string{"^x-preauth-"}
			},
			wantPath: "preauth.headers",
		},
		{
			name: "protected pattern ignored when pre-auth disabled",
			mutate: func(c *Config) {
				c.Security.ProtectedHeaderPatterns = []string{"^x-preauth-"}
			},
		},
		{
			name: "federation without provider",
			mutate: func(c *Config) {
				c.Federation.Enabled = true
				c.Federation.JWKSURL = "https://idp.example.com/jwks"
			},
			wantPath: "federation.provider",
		},
		{
			name: "federation without jwks url",
			mutate: func(c *Config) {
				c.Federation.Enabled = true
				c.Federation.Provider = "keycloak"
			},
			wantPath: "federation.jwksUrl",
		},
		{
			name: "federation valid",
			mutate: func(c *Config) {
				c.Federation.Enabled = true
				c.Federation.Provider = "keycloak"
				c.Federation.JWKSURL = "https://idp.example.com/jwks"
			},
		},
		{
			name:     "duplicate route",
			mutate:   func(c *Config) { c.Routes = append(c.Routes, c.Routes[0]) },
			wantPath: "routes[1].id",
		},
		{
			name:     "route prefix without slash",
			mutate:   func(c *Config) { c.Routes[0].PathPrefix = "api" },
			wantPath: "routes[0].pathPrefix",
		},
		{
			name:     "relative upstream",
			mutate:   func(c *Config) { c.Routes[0].Upstream = "backend:8080/x" },
			wantPath: "routes[0].upstream",
		},
		{
			name:     "redis notifications without url",
			mutate:   func(c *Config) { c.Notifications.Type = NotificationTypeRedis },
			wantPath: "notifications.redisUrl",
		},
		{
			name: "notifications without provisioning",
			mutate: func(c *Config) {
				c.Accounts.Provisioning = false
				c.Notifications.Type = NotificationTypeChannel
			},
			wantPath: "notifications.type",
		},
		{
			name:     "blank default role",
			mutate:   func(c *Config) { c.Accounts.DefaultRoles = []string{" "} },
			wantPath: "accounts.defaultRoles[0]",
		},
		{
			name:     "same admin and gateway listener",
			mutate:   func(c *Config) { c.Server.AdminListen = c.Server.Listen },
			wantPath: "server.adminListen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if tt.wantPath == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()

	err := ValidateConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is nil")
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: b", ValidationErrors{{Path: "a", Message: "b"}}.Error())
	assert.Contains(t, ValidationErrors{{Path: "a", Message: "b"}, {Message: "c"}}.Error(), "2 validation errors")
}
