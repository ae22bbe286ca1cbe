package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/vault"
)

// Key layout under the configured prefix:
//
//	user:<username>          JSON user
//	org:<shortName>          JSON organization without members
//	org:<shortName>:members  sorted set of usernames, scored by join sequence
//	org:<shortName>:seq      join sequence counter
//	role:<name>              JSON role
const (
	userKeyPart = "user:"
	orgKeyPart  = "org:"
	roleKeyPart = "role:"
)

// RedisStore is a Store backed by Redis. Uniqueness relies on SETNX.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger observability.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string, logger observability.Logger) *RedisStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(observability.String("component", "directory.redis")),
	}
}

// OpenRedis connects to the configured Redis, resolving the password from
// Vault when a vault path is set, and verifies the connection.
func OpenRedis(
	ctx context.Context, cfg config.RedisDirectoryConfig, vaultClient vault.Client, logger observability.Logger,
) (*RedisStore, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	rawURL := cfg.URL
	if cfg.PasswordVaultPath != "" {
		pw, err := vault.ReadPassword(ctx, vaultClient, cfg.PasswordVaultPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read redis password from vault path %s: %w", cfg.PasswordVaultPath, err)
		}
		rawURL, err = applyPasswordToURL(rawURL, pw)
		if err != nil {
			return nil, err
		}
		logger.Info("redis password resolved from vault", observability.String("vaultPath", cfg.PasswordVaultPath))
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	store := NewRedisStore(client, cfg.KeyPrefix, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis directory initialized", observability.String("keyPrefix", cfg.KeyPrefix))
	return store, nil
}

func applyPasswordToURL(rawURL, password string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse redis URL: %w", err)
	}
	var username string
	if u.User != nil {
		username = u.User.Username()
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}

func (s *RedisStore) userKey(username string) string {
	return s.prefix + userKeyPart + username
}

func (s *RedisStore) orgKey(shortName string) string {
	return s.prefix + orgKeyPart + shortName
}

func (s *RedisStore) membersKey(shortName string) string {
	return s.orgKey(shortName) + ":members"
}

func (s *RedisStore) seqKey(shortName string) string {
	return s.orgKey(shortName) + ":seq"
}

func (s *RedisStore) roleKey(name string) string {
	return s.prefix + roleKeyPart + name
}

// mapRedisError converts redis.Nil to ErrNotFound and every other failure to
// ErrUnavailable.
func mapRedisError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return storeError(op, key, ErrNotFound)
	default:
		return unavailable(op, key, err)
	}
}

func (s *RedisStore) getJSON(ctx context.Context, op, key, name string, v interface{}) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return mapRedisError(op, name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.logger.Warn("malformed directory entry",
			observability.String("key", key),
			observability.Error(err),
		)
		return storeError(op, name, fmt.Errorf("%w: %w", ErrMalformedEntry, err))
	}
	return nil
}

func (s *RedisStore) setNX(ctx context.Context, op, key, name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return storeError(op, name, err)
	}
	ok, err := s.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return mapRedisError(op, name, err)
	}
	if !ok {
		return storeError(op, name, ErrAlreadyExists)
	}
	return nil
}

func (s *RedisStore) FindUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	var u identity.User
	if err := s.getJSON(ctx, "find_user", s.userKey(username), username, &u); err != nil {
		return nil, err
	}
	if err := u.Validate(); err != nil {
		return nil, storeError("find_user", username, fmt.Errorf("%w: %w", ErrMalformedEntry, err))
	}
	u.Roles = identity.NormalizeRoles(u.Roles)
	return &u, nil
}

func (s *RedisStore) CreateUser(ctx context.Context, user *identity.User) error {
	if err := validateUser("create_user", user); err != nil {
		return err
	}
	return s.setNX(ctx, "create_user", s.userKey(user.Username), user.Username, user)
}

func (s *RedisStore) UpdateUser(ctx context.Context, user *identity.User) error {
	if err := validateUser("update_user", user); err != nil {
		return err
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return storeError("update_user", user.Username, err)
	}
	ok, err := s.client.SetXX(ctx, s.userKey(user.Username), raw, 0).Result()
	if err != nil {
		return mapRedisError("update_user", user.Username, err)
	}
	if !ok {
		return storeError("update_user", user.Username, ErrNotFound)
	}
	return nil
}

func (s *RedisStore) FindOrgByShortName(ctx context.Context, shortName string) (*identity.Organization, error) {
	var o identity.Organization
	if err := s.getJSON(ctx, "find_org", s.orgKey(shortName), shortName, &o); err != nil {
		return nil, err
	}
	members, err := s.client.ZRange(ctx, s.membersKey(shortName), 0, -1).Result()
	if err != nil {
		return nil, mapRedisError("find_org", shortName, err)
	}
	o.Members = members
	return &o, nil
}

func (s *RedisStore) CreateOrg(ctx context.Context, org *identity.Organization) error {
	if err := validateOrg("create_org", org); err != nil {
		return err
	}
	stored := org.Clone()
	members := stored.Members
	stored.Members = nil
	if err := s.setNX(ctx, "create_org", s.orgKey(org.ShortName), org.ShortName, stored); err != nil {
		return err
	}
	for _, m := range members {
		if err := s.AddMember(ctx, org.ShortName, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) AddMember(ctx context.Context, shortName, username string) error {
	exists, err := s.client.Exists(ctx, s.orgKey(shortName)).Result()
	if err != nil {
		return mapRedisError("add_member", shortName, err)
	}
	if exists == 0 {
		return storeError("add_member", shortName, ErrNotFound)
	}

	seq, err := s.client.Incr(ctx, s.seqKey(shortName)).Result()
	if err != nil {
		return mapRedisError("add_member", shortName, err)
	}
	err = s.client.ZAddNX(ctx, s.membersKey(shortName), redis.Z{Score: float64(seq), Member: username}).Err()
	return mapRedisError("add_member", shortName, err)
}

func (s *RedisStore) FindRoleByName(ctx context.Context, name string) (*identity.Role, error) {
	var r identity.Role
	if err := s.getJSON(ctx, "find_role", s.roleKey(name), name, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RedisStore) CreateRole(ctx context.Context, role *identity.Role) error {
	if err := validateRole("create_role", role); err != nil {
		return err
	}
	return s.setNX(ctx, "create_role", s.roleKey(role.Name), role.Name, role)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return mapRedisError("ping", "", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
