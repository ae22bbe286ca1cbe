package directory

import (
	"context"
	"sync"

	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
)

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*identity.User
	orgs  map[string]*identity.Organization
	roles map[string]*identity.Role
}

// NewMemoryStore creates an empty in-memory directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*identity.User),
		orgs:  make(map[string]*identity.Organization),
		roles: make(map[string]*identity.Role),
	}
}

func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, storeError("find_user", username, ErrNotFound)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *identity.User) error {
	if err := validateUser("create_user", user); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return storeError("create_user", user.Username, ErrAlreadyExists)
	}
	s.users[user.Username] = user.Clone()
	return nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, user *identity.User) error {
	if err := validateUser("update_user", user); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; !ok {
		return storeError("update_user", user.Username, ErrNotFound)
	}
	s.users[user.Username] = user.Clone()
	return nil
}

func (s *MemoryStore) FindOrgByShortName(_ context.Context, shortName string) (*identity.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[shortName]
	if !ok {
		return nil, storeError("find_org", shortName, ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) CreateOrg(_ context.Context, org *identity.Organization) error {
	if err := validateOrg("create_org", org); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ShortName]; ok {
		return storeError("create_org", org.ShortName, ErrAlreadyExists)
	}
	s.orgs[org.ShortName] = org.Clone()
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, shortName, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[shortName]
	if !ok {
		return storeError("add_member", shortName, ErrNotFound)
	}
	if !o.HasMember(username) {
		o.Members = append(o.Members, username)
	}
	return nil
}

func (s *MemoryStore) FindRoleByName(_ context.Context, name string) (*identity.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	if !ok {
		return nil, storeError("find_role", name, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CreateRole(_ context.Context, role *identity.Role) error {
	if err := validateRole("create_role", role); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.Name]; ok {
		return storeError("create_role", role.Name, ErrAlreadyExists)
	}
	cp := *role
	s.roles[role.Name] = &cp
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
