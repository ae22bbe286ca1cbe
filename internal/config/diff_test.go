package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRestartRequired(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		cfg := &Config{
			Directory: DirectoryConfig{Type: DirectoryTypeMemory},
			Routes:    []RouteConfig{{ID: "api", PathPrefix: "/api", Upstream: "http://backend"}},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{name: "identical", mutate: func(*Config) {}},
		{
			name: "routes apply live",
			mutate: func(c *Config) {
				c.Routes = append(c.Routes, RouteConfig{ID: "geo", PathPrefix: "/geo", Upstream: "http://geo"})
			},
		},
		{
			name:   "directory",
			mutate: func(c *Config) { c.Directory.Type = DirectoryTypeRedis },
			want:   []string{"directory"},
		},
		{
			name: "listener and accounts",
			mutate: func(c *Config) {
				c.Server.Listen = ":8181"
				c.Accounts.Provisioning = true
			},
			want: []string{"server", "accounts"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := base()
			tt.mutate(next)
			assert.Equal(t, tt.want, RestartRequired(base(), next))
		})
	}
}

func TestRestartRequired_Nil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, RestartRequired(nil, &Config{}))
}
