package access

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"juntaut/internal/auth"
)

const (
	ResourcePanel = "panel"
	ResourceAdmin = "admin"
)

// Action is what a caller wants to do with a resource.
type Action string

const (
	ActionView   Action = "view"
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionDelete Action = "delete"
)

// Actions lists every action in display order.
var Actions = []Action{ActionView, ActionAdd, ActionChange, ActionDelete}

var ErrUnknownAction = errors.New("unknown action")

func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, a := range Actions {
		if s == string(a) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// ActionForMethod maps an HTTP method to the action it performs.
func ActionForMethod(method string) Action {
	switch method {
	case http.MethodPost:
		return ActionAdd
	case http.MethodPut, http.MethodPatch:
		return ActionChange
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionView
	}
}

// Resource is a protected endpoint and the rule that guards it. Roles may
// view it; Grants lists the roles allowed each other action. When Superuser
// is set both are ignored and only superusers pass.
type Resource struct {
	Name      string                  `json:"name"`
	Path      string                  `json:"path"`
	Label     string                  `json:"label"`
	Roles     auth.RoleSet            `json:"roles"`
	Grants    map[Action]auth.RoleSet `json:"grants,omitempty"`
	Superuser bool                    `json:"superuser,omitempty"`
}

// RolesFor returns the roles allowed to perform a on the resource.
func (r Resource) RolesFor(a Action) auth.RoleSet {
	if a == ActionView {
		return r.Roles
	}
	return r.Grants[a]
}

// Policy is the ordered list of protected resources.
type Policy struct {
	resources []Resource
}

func DefaultPolicy() *Policy {
	return &Policy{resources: []Resource{
		{
			Name:  ResourcePanel,
			Path:  "/panel/",
			Label: "Panel",
			Roles: auth.NewRoleSet(auth.RoleAdmin, auth.RoleSecretario),
			Grants: map[Action]auth.RoleSet{
				ActionAdd:    auth.NewRoleSet(auth.RoleAdmin, auth.RoleSecretario),
				ActionChange: auth.NewRoleSet(auth.RoleAdmin, auth.RoleSecretario),
				ActionDelete: auth.NewRoleSet(auth.RoleAdmin),
			},
		},
		{
			Name:      ResourceAdmin,
			Path:      "/admin/",
			Label:     "Administración",
			Superuser: true,
		},
	}}
}

type policyFile struct {
	Resources []struct {
		Name      string                  `yaml:"name"`
		Path      string                  `yaml:"path"`
		Label     string                  `yaml:"label"`
		Roles     *auth.RoleSet           `yaml:"roles"`
		Grants    map[string]auth.RoleSet `yaml:"grants"`
		Superuser *bool                   `yaml:"superuser"`
	} `yaml:"resources"`
}

// LoadPolicy starts from DefaultPolicy and applies the resources: section of
// the YAML file at path. Entries naming an existing resource override the
// fields they set; new names are appended. A missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, err
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, entry := range pf.Resources {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, errors.New("policy resource without name")
		}
		res, idx := p.lookup(name)
		if idx < 0 {
			res = Resource{Name: name, Label: name}
		}
		if entry.Path != "" {
			res.Path = entry.Path
		}
		if entry.Label != "" {
			res.Label = entry.Label
		}
		if entry.Roles != nil {
			res.Roles = *entry.Roles
		}
		if entry.Grants != nil {
			grants, err := parseGrants(entry.Grants)
			if err != nil {
				return nil, fmt.Errorf("policy resource %q: %w", name, err)
			}
			res.Grants = grants
		}
		if entry.Superuser != nil {
			res.Superuser = *entry.Superuser
		}
		if res.Path == "" {
			return nil, fmt.Errorf("policy resource %q without path", name)
		}
		if !strings.HasPrefix(res.Path, "/") {
			return nil, fmt.Errorf("policy resource %q: path must start with /", name)
		}
		if idx < 0 {
			p.resources = append(p.resources, res)
		} else {
			p.resources[idx] = res
		}
	}
	return p, nil
}

// parseGrants reads the add/change/delete role lists. View is set through
// roles, so a view key is rejected.
func parseGrants(in map[string]auth.RoleSet) (map[Action]auth.RoleSet, error) {
	out := make(map[Action]auth.RoleSet, len(in))
	for key, roles := range in {
		a, err := ParseAction(key)
		if err != nil {
			return nil, err
		}
		if a == ActionView {
			return nil, errors.New("grants cannot set view, use roles")
		}
		out[a] = roles
	}
	return out, nil
}

func (p *Policy) lookup(name string) (Resource, int) {
	for i, r := range p.resources {
		if r.Name == name {
			return r, i
		}
	}
	return Resource{}, -1
}

func (p *Policy) Get(name string) (Resource, bool) {
	r, i := p.lookup(name)
	return r, i >= 0
}

func (p *Policy) Resources() []Resource {
	out := make([]Resource, len(p.resources))
	copy(out, p.resources)
	return out
}
