package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
		err  bool
	}{
		{"Admin", RoleAdmin, false},
		{"admin", RoleAdmin, false},
		{"  SECRETARIO ", RoleSecretario, false},
		{"revisor", RoleRevisor, false},
		{"Vecino", RoleVecino, false},
		{"Presidente", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.err {
				require.ErrorIs(t, err, ErrUnknownRole)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoleSetIntersects(t *testing.T) {
	panel := NewRoleSet(RoleAdmin, RoleSecretario)

	assert.True(t, NewRoleSet(RoleAdmin).Intersects(panel))
	assert.True(t, NewRoleSet(RoleSecretario, RoleVecino).Intersects(panel))
	assert.False(t, NewRoleSet(RoleVecino).Intersects(panel))
	assert.False(t, NewRoleSet(RoleRevisor, RoleVecino).Intersects(panel))

	var empty RoleSet
	for _, r := range Roles {
		assert.False(t, empty.Intersects(NewRoleSet(r)), "empty set must not intersect %s", r)
	}
	assert.False(t, NewRoleSet(Roles...).Intersects(empty))
}

func TestRoleSetWithWithout(t *testing.T) {
	s := NewRoleSet().With(RoleVecino).With(RoleRevisor)
	assert.Equal(t, []Role{RoleRevisor, RoleVecino}, s.Slice())

	s = s.Without(RoleVecino)
	assert.True(t, s.Has(RoleRevisor))
	assert.False(t, s.Has(RoleVecino))
	assert.Equal(t, "{Revisor}", s.String())

	assert.False(t, s.Has(Role("Presidente")))
}

func TestRoleSetJSON(t *testing.T) {
	b, err := json.Marshal(NewRoleSet(RoleVecino, RoleAdmin))
	require.NoError(t, err)
	assert.JSONEq(t, `["Admin","Vecino"]`, string(b))

	var s RoleSet
	require.NoError(t, json.Unmarshal([]byte(`["secretario"]`), &s))
	assert.Equal(t, NewRoleSet(RoleSecretario), s)

	require.ErrorIs(t, json.Unmarshal([]byte(`["Tesorero"]`), &s), ErrUnknownRole)
}

func TestRoleSetYAML(t *testing.T) {
	var doc struct {
		Roles RoleSet `yaml:"roles"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("roles: [admin, Revisor]\n"), &doc))
	assert.Equal(t, NewRoleSet(RoleAdmin, RoleRevisor), doc.Roles)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "- Admin")
}

func TestIdentityJSONHidesHash(t *testing.T) {
	b, err := json.Marshal(Identity{Username: "vecino1", PasswordHash: "secret-hash"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret-hash")
}
