package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memUser struct {
	ident Identity
	roles map[string]struct{}
}

// MemoryStore is a Store kept in process memory. Role names are stored as
// given, like the roles table, so normalization behaves the same as on
// PostgreSQL.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]*memUser
	byName map[string]int64
	roles  map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*memUser),
		byName: make(map[string]int64),
		roles:  make(map[string]struct{}),
	}
}

func (m *MemoryStore) snapshot(u *memUser) *Identity {
	ident := u.ident
	names := make([]string, 0, len(u.roles))
	for n := range u.roles {
		names = append(names, n)
	}
	ident.Roles = rolesFromNames(names)
	return &ident
}

func (m *MemoryStore) GetByUsername(_ context.Context, username string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.snapshot(m.users[id]), nil
}

func (m *MemoryStore) GetByID(_ context.Context, id int64) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.snapshot(u), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Identity, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, *m.snapshot(u))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res, nil
}

func (m *MemoryStore) Create(_ context.Context, nu NewUser) (*Identity, error) {
	if err := validateNewUser(&nu); err != nil {
		return nil, err
	}
	hash, err := hashPassword(nu.Password)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[nu.Username]; ok {
		return nil, ErrUserExists
	}
	for _, r := range nu.Roles.Slice() {
		if _, ok := m.roles[string(r)]; !ok {
			return nil, ErrUnknownRole
		}
	}
	m.nextID++
	u := &memUser{
		ident: Identity{
			ID:           m.nextID,
			Username:     nu.Username,
			Email:        nu.Email,
			PasswordHash: hash,
			Active:       !nu.Inactive,
			Superuser:    nu.Superuser,
			CreatedAt:    time.Now().UTC(),
		},
		roles: make(map[string]struct{}),
	}
	for _, r := range nu.Roles.Slice() {
		u.roles[string(r)] = struct{}{}
	}
	m.users[u.ident.ID] = u
	m.byName[u.ident.Username] = u.ident.ID
	return m.snapshot(u), nil
}

func (m *MemoryStore) SetActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.ident.Active = active
	return nil
}

func (m *MemoryStore) AssignRole(_ context.Context, id int64, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if _, ok := m.roles[string(role)]; !ok {
		return ErrUnknownRole
	}
	u.roles[string(role)] = struct{}{}
	return nil
}

func (m *MemoryStore) RevokeRole(_ context.Context, id int64, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	delete(u.roles, string(role))
	return nil
}

func (m *MemoryStore) EnsureRoles(_ context.Context, roles []Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range roles {
		m.roles[string(r)] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) RoleNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.roles))
	for n := range m.roles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) MergeRole(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[to]; !ok {
		return ErrUnknownRole
	}
	for _, u := range m.users {
		if _, ok := u.roles[from]; ok {
			delete(u.roles, from)
			u.roles[to] = struct{}{}
		}
	}
	delete(m.roles, from)
	return nil
}
