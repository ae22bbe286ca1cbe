package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/retry"
)

// Client provides Vault operations.
type Client interface {
	// IsEnabled returns true if Vault is enabled.
	IsEnabled() bool

	// KV returns the KV secrets engine client.
	KV() KVClient
}

// KVClient reads secrets from a KV v2 engine, falling back to the v1 layout.
type KVClient interface {
	Read(ctx context.Context, mount, path string) (map[string]interface{}, error)
}

type vaultClient struct {
	api    *vaultapi.Client
	logger observability.Logger
	retry  *retry.Config
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*vaultClient)

// WithRetry overrides the retry policy used for reads.
func WithRetry(cfg *retry.Config) ClientOption {
	return func(c *vaultClient) {
		c.retry = cfg
	}
}

// New creates a Vault client authenticated with a static token. A disabled
// configuration yields a client whose reads fail with ErrDisabled.
func New(cfg config.VaultConfig, logger observability.Logger, opts ...ClientOption) (Client, error) {
	if !cfg.Enabled {
		return disabledClient{}, nil
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.Timeout.OrDefault(config.DefaultVaultTimeout)
	apiConfig.MaxRetries = 0

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, newError("init", "", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	c := &vaultClient{
		api:    api,
		logger: logger.With(observability.String("component", "vault")),
		retry: &retry.Config{
			MaxRetries:     2,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *vaultClient) IsEnabled() bool { return true }

func (c *vaultClient) KV() KVClient { return c }

// Read reads a secret. Missing or soft-deleted secrets are not retried.
func (c *vaultClient) Read(ctx context.Context, mount, path string) (map[string]interface{}, error) {
	if mount == "" || path == "" {
		return nil, newError("kv_read", mount+"/"+path, ErrInvalidPath)
	}
	fullPath := fmt.Sprintf("%s/data/%s", mount, path)

	secret, err := retry.DoValue(ctx, c.retry, func(ctx context.Context) (*vaultapi.Secret, error) {
		s, err := c.api.Logical().ReadWithContext(ctx, fullPath)
		if err != nil {
			var respErr *vaultapi.ResponseError
			if errors.As(err, &respErr) && respErr.StatusCode < 500 {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		return s, nil
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.logger.Warn("vault read failed, retrying",
				observability.String("path", fullPath),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		return nil, newError("kv_read", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, newError("kv_read", fullPath, ErrSecretNotFound)
	}

	dataValue, hasData := secret.Data["data"]
	if hasData && dataValue == nil {
		return nil, newError("kv_read", fullPath, ErrSecretNotFound)
	}
	data, ok := dataValue.(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	c.logger.Debug("secret read", observability.String("path", fullPath))
	return data, nil
}

// ReadPassword resolves a "mount/path" reference and returns its "password" key.
func ReadPassword(ctx context.Context, client Client, ref string) (string, error) {
	return ReadKey(ctx, client, ref, "password")
}

// ReadKey resolves a "mount/path" reference and returns the string under key.
func ReadKey(ctx context.Context, client Client, ref, key string) (string, error) {
	if client == nil || !client.IsEnabled() {
		return "", newError("kv_read", ref, ErrDisabled)
	}
	mount, path, ok := strings.Cut(ref, "/")
	if !ok || mount == "" || path == "" {
		return "", newError("kv_read", ref, ErrInvalidPath)
	}

	data, err := client.KV().Read(ctx, mount, path)
	if err != nil {
		return "", err
	}

	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", newError("kv_read", ref, fmt.Errorf("%w: %q", ErrMissingKey, key))
	}
	return v, nil
}

type disabledClient struct{}

func (disabledClient) IsEnabled() bool { return false }

func (disabledClient) KV() KVClient { return disabledKV{} }

type disabledKV struct{}

func (disabledKV) Read(context.Context, string, string) (map[string]interface{}, error) {
	return nil, ErrDisabled
}
