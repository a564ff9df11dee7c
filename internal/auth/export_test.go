package auth

// addRawRole stores a role name without canonicalizing it.
func (m *MemoryStore) addRawRole(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[name] = struct{}{}
}

// assignRawRole assigns a stored role by its exact name.
func (m *MemoryStore) assignRawRole(id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if _, ok := m.roles[name]; !ok {
		return ErrUnknownRole
	}
	u.roles[name] = struct{}{}
	return nil
}
