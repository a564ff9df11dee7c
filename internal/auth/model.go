package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Role string

const (
	RoleAdmin      Role = "Admin"
	RoleSecretario Role = "Secretario"
	RoleRevisor    Role = "Revisor"
	RoleVecino     Role = "Vecino"
)

// Roles lists every role in canonical order. The bit of a role in a RoleSet
// is its index here.
var Roles = []Role{RoleAdmin, RoleSecretario, RoleRevisor, RoleVecino}

var ErrUnknownRole = errors.New("unknown role")

// ParseRole maps any letter case of a canonical name to the canonical Role.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	for _, r := range Roles {
		if strings.EqualFold(s, string(r)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) bit() RoleSet {
	for i, c := range Roles {
		if c == r {
			return 1 << i
		}
	}
	return 0
}

// RoleSet is a set of roles stored as a bitmask.
type RoleSet uint8

func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= r.bit()
	}
	return s
}

// ParseRoleSet parses role names, failing on the first unknown one.
func ParseRoleSet(names []string) (RoleSet, error) {
	var s RoleSet
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return 0, err
		}
		s |= r.bit()
	}
	return s, nil
}

func (s RoleSet) Has(r Role) bool {
	b := r.bit()
	return b != 0 && s&b != 0
}

func (s RoleSet) Intersects(o RoleSet) bool {
	return s&o != 0
}

func (s RoleSet) Empty() bool {
	return s == 0
}

func (s RoleSet) With(r Role) RoleSet {
	return s | r.bit()
}

func (s RoleSet) Without(r Role) RoleSet {
	return s &^ r.bit()
}

func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(Roles))
	for _, r := range Roles {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RoleSet) Strings() []string {
	roles := s.Slice()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func (s RoleSet) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}

func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseRoleSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s RoleSet) MarshalYAML() (interface{}, error) {
	return s.Strings(), nil
}

func (s *RoleSet) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	parsed, err := ParseRoleSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Identity struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	Superuser    bool      `json:"superuser"`
	Roles        RoleSet   `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUser is the input to Store.Create. Password is plain text; the store
// hashes it.
type NewUser struct {
	Username  string
	Email     string
	Password  string
	Superuser bool
	Inactive  bool
	Roles     RoleSet
}
