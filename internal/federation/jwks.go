package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// maxJWKSSize bounds the JWKS response body.
const maxJWKSSize = 1 << 20

// ErrNoKeys is returned when no key set has been fetched yet.
var ErrNoKeys = errors.New("federation: no JWKS available")

// KeySource supplies the verification keys for ID tokens.
type KeySource interface {
	Keys(ctx context.Context) (jwk.Set, error)
}

// StaticKeys is a KeySource backed by a fixed key set.
type StaticKeys struct {
	set jwk.Set
}

// NewStaticKeys wraps set.
func NewStaticKeys(set jwk.Set) *StaticKeys {
	return &StaticKeys{set: set}
}

// ParseStaticKeys parses a JSON key set.
func ParseStaticKeys(data []byte) (*StaticKeys, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return &StaticKeys{set: set}, nil
}

// Keys returns the fixed key set.
func (s *StaticKeys) Keys(context.Context) (jwk.Set, error) {
	if s.set == nil {
		return nil, ErrNoKeys
	}
	return s.set, nil
}

// JWKSCache caches the key set published at a remote URL. A failed refresh
// keeps serving the previously fetched keys.
type JWKSCache struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     observability.Logger

	mu        sync.RWMutex
	keys      jwk.Set
	lastFetch time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// CacheOption is a functional option for configuring a JWKSCache.
type CacheOption func(*JWKSCache)

// WithHTTPClient sets the client used to fetch the key set.
func WithHTTPClient(client *http.Client) CacheOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger observability.Logger) CacheOption {
	return func(c *JWKSCache) {
		c.logger = logger
	}
}

// NewJWKSCache creates a cache for url. A non-positive ttl means one hour.
func NewJWKSCache(url string, ttl time.Duration, opts ...CacheOption) *JWKSCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &JWKSCache{
		url: url,
		ttl: ttl,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: observability.NopLogger(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the cached key set, refreshing it once it is older than the
// TTL.
func (c *JWKSCache) Keys(ctx context.Context) (jwk.Set, error) {
	c.mu.RLock()
	keys, lastFetch := c.keys, c.lastFetch
	c.mu.RUnlock()

	if keys != nil && time.Since(lastFetch) <= c.ttl {
		return keys, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if keys == nil {
			return nil, fmt.Errorf("%w: %w", ErrNoKeys, err)
		}
		c.logger.Warn("failed to refresh JWKS, using cached keys",
			observability.String("url", c.url),
			observability.Time("lastFetch", lastFetch),
			observability.Error(err),
		)
		return keys, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys, nil
}

// Refresh fetches the key set from the remote URL.
func (c *JWKSCache) Refresh(ctx context.Context) error {
	c.logger.Debug("refreshing JWKS", observability.String("url", c.url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("JWKS endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	c.mu.Lock()
	c.keys = set
	c.lastFetch = time.Now()
	c.mu.Unlock()

	c.logger.Info("JWKS refreshed",
		observability.String("url", c.url),
		observability.Int("keyCount", set.Len()),
	)
	return nil
}

// StartAutoRefresh refreshes the key set in the background every interval,
// half the TTL when interval is not positive.
func (c *JWKSCache) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl / 2
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := c.Refresh(ctx); err != nil {
			c.logger.Error("initial JWKS fetch failed", observability.Error(err))
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Error("JWKS refresh failed", observability.Error(err))
				}
			}
		}
	}()
}

// Stop stops the auto-refresh goroutine.
func (c *JWKSCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// LastFetch returns the time of the last successful fetch.
func (c *JWKSCache) LastFetch() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetch
}

// URL returns the JWKS URL.
func (c *JWKSCache) URL() string {
	return c.url
}
