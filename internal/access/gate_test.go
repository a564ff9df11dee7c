package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"juntaut/internal/audit"
	"juntaut/internal/auth"
)

type recordingSink struct {
	decisions []audit.Decision
}

func (r *recordingSink) Decision(_ context.Context, d audit.Decision) { r.decisions = append(r.decisions, d) }
func (r *recordingSink) Change(context.Context, audit.Change)        {}

func identity(name string, roles ...auth.Role) *auth.Identity {
	return &auth.Identity{ID: 1, Username: name, Active: true, Roles: auth.NewRoleSet(roles...)}
}

func panel(t *testing.T) Resource {
	t.Helper()
	res, ok := DefaultPolicy().Get(ResourcePanel)
	require.True(t, ok)
	return res
}

func TestEvaluate(t *testing.T) {
	res := panel(t)
	inactive := identity("baja", auth.RoleAdmin)
	inactive.Active = false
	super := identity("root")
	super.Superuser = true

	tests := []struct {
		name string
		id   *auth.Identity
		res  Resource
		want error
	}{
		{"anonymous", nil, res, ErrUnauthenticated},
		{"inactive with role", inactive, res, ErrUnauthenticated},
		{"vecino on panel", identity("vecino1", auth.RoleVecino), res, ErrForbidden},
		{"admin on panel", identity("admin1", auth.RoleAdmin), res, nil},
		{"admin on admin-only panel", identity("admin1", auth.RoleAdmin), Resource{Name: ResourcePanel, Path: "/panel/", Roles: auth.NewRoleSet(auth.RoleAdmin)}, nil},
		{"secretario on admin-only panel", identity("sec1", auth.RoleSecretario), Resource{Name: ResourcePanel, Path: "/panel/", Roles: auth.NewRoleSet(auth.RoleAdmin)}, ErrForbidden},
		{"secretario on panel", identity("sec1", auth.RoleSecretario), res, nil},
		{"mixed roles", identity("multi", auth.RoleVecino, auth.RoleSecretario), res, nil},
		{"no roles", identity("nadie"), res, ErrForbidden},
		{"superuser without roles on panel", super, res, ErrForbidden},
		{"empty required set", identity("admin1", auth.Roles...), Resource{Name: "closed", Path: "/closed/"}, ErrForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Evaluate(tc.id, tc.res)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEvaluateAction(t *testing.T) {
	res := panel(t)
	actas := Resource{
		Name:  "actas",
		Path:  "/actas/",
		Roles: auth.NewRoleSet(auth.RoleSecretario, auth.RoleRevisor),
		Grants: map[Action]auth.RoleSet{
			ActionAdd:    auth.NewRoleSet(auth.RoleSecretario),
			ActionChange: auth.NewRoleSet(auth.RoleSecretario),
		},
	}
	super := identity("root")
	super.Superuser = true
	admin, _ := DefaultPolicy().Get(ResourceAdmin)

	tests := []struct {
		name   string
		id     *auth.Identity
		res    Resource
		action Action
		want   error
	}{
		{"anonymous add", nil, res, ActionAdd, ErrUnauthenticated},
		{"secretario adds on panel", identity("sec1", auth.RoleSecretario), res, ActionAdd, nil},
		{"secretario deletes on panel", identity("sec1", auth.RoleSecretario), res, ActionDelete, ErrForbidden},
		{"admin deletes on panel", identity("admin1", auth.RoleAdmin), res, ActionDelete, nil},
		{"revisor views actas", identity("rev1", auth.RoleRevisor), actas, ActionView, nil},
		{"revisor changes actas", identity("rev1", auth.RoleRevisor), actas, ActionChange, ErrForbidden},
		{"secretario changes actas", identity("sec1", auth.RoleSecretario), actas, ActionChange, nil},
		{"no delete grant on actas", identity("sec1", auth.Roles...), actas, ActionDelete, ErrForbidden},
		{"superuser deletes on admin", super, admin, ActionDelete, nil},
		{"admin role deletes on admin", identity("admin1", auth.RoleAdmin), admin, ActionDelete, ErrForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := EvaluateAction(tc.id, tc.res, tc.action)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAllowed(t *testing.T) {
	res := panel(t)
	assert.Nil(t, Allowed(nil, res))
	assert.Nil(t, Allowed(identity("vecino1", auth.RoleVecino), res))
	assert.Equal(t, []Action{ActionView, ActionAdd, ActionChange}, Allowed(identity("sec1", auth.RoleSecretario), res))
	assert.Equal(t, Actions, Allowed(identity("admin1", auth.RoleAdmin), res))
}

func TestActionForMethod(t *testing.T) {
	for method, want := range map[string]Action{
		http.MethodGet:     ActionView,
		http.MethodHead:    ActionView,
		http.MethodOptions: ActionView,
		http.MethodPost:    ActionAdd,
		http.MethodPut:     ActionChange,
		http.MethodPatch:   ActionChange,
		http.MethodDelete:  ActionDelete,
	} {
		assert.Equal(t, want, ActionForMethod(method), method)
	}
}

func TestEvaluateSuperuserResource(t *testing.T) {
	res, ok := DefaultPolicy().Get(ResourceAdmin)
	require.True(t, ok)

	super := identity("root")
	super.Superuser = true
	assert.NoError(t, Evaluate(super, res))
	assert.ErrorIs(t, Evaluate(identity("admin1", auth.RoleAdmin), res), ErrForbidden)
	assert.ErrorIs(t, Evaluate(nil, res), ErrUnauthenticated)
}

func TestCheckRecordsDecision(t *testing.T) {
	sink := &recordingSink{}
	g := NewGate(DefaultPolicy(), sink, "/accounts/login/")
	res := panel(t)

	require.ErrorIs(t, g.Check(context.Background(), identity("vecino1", auth.RoleVecino), res), ErrForbidden)
	require.NoError(t, g.Check(context.Background(), identity("admin1", auth.RoleAdmin), res))
	require.ErrorIs(t, g.Check(context.Background(), nil, res), ErrUnauthenticated)

	require.Len(t, sink.decisions, 3)
	assert.Equal(t, audit.OutcomeForbidden, sink.decisions[0].Outcome)
	assert.Equal(t, "vecino1", sink.decisions[0].Username)
	assert.Equal(t, []string{"Vecino"}, sink.decisions[0].Roles)
	assert.Equal(t, audit.OutcomePermit, sink.decisions[1].Outcome)
	assert.Equal(t, audit.OutcomeUnauthenticated, sink.decisions[2].Outcome)
	assert.Equal(t, "panel", sink.decisions[2].Resource)
	assert.Equal(t, "view", sink.decisions[2].Action)

	require.ErrorIs(t, g.CheckAction(context.Background(), identity("sec1", auth.RoleSecretario), res, ActionDelete), ErrForbidden)
	assert.Equal(t, "delete", sink.decisions[3].Action)
	assert.Equal(t, audit.OutcomeForbidden, sink.decisions[3].Outcome)
}

func TestRequireMiddleware(t *testing.T) {
	g := NewGate(DefaultPolicy(), &recordingSink{}, "/accounts/login/")
	h := g.Require(panel(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	serve := func(id *auth.Identity) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/panel/?tab=actas", nil)
		if id != nil {
			req = req.WithContext(auth.WithIdentity(req.Context(), id))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/accounts/login/?next=%2Fpanel%2F%3Ftab%3Dactas", rec.Header().Get("Location"))

	rec = serve(identity("vecino1", auth.RoleVecino))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())

	rec = serve(identity("admin1", auth.RoleAdmin))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/panel/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), identity("sec1", auth.RoleSecretario)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNav(t *testing.T) {
	g := NewGate(DefaultPolicy(), &recordingSink{}, "/accounts/login/")

	assert.Equal(t, []NavItem{
		{Label: "Inicio", URL: "/"},
		{Label: "Ingresar", URL: "/accounts/login/"},
	}, g.Nav(nil))

	assert.Equal(t, []NavItem{{Label: "Inicio", URL: "/"}}, g.Nav(identity("vecino1", auth.RoleVecino)))

	assert.Equal(t, []NavItem{
		{Label: "Inicio", URL: "/"},
		{Label: "Panel", URL: "/panel/"},
	}, g.Nav(identity("admin1", auth.RoleAdmin)))

	super := identity("root", auth.RoleSecretario)
	super.Superuser = true
	assert.Equal(t, []NavItem{
		{Label: "Inicio", URL: "/"},
		{Label: "Panel", URL: "/panel/"},
		{Label: "Administración", URL: "/admin/"},
	}, g.Nav(super))
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resources:
  - name: panel
    roles: [admin]
  - name: actas
    path: /actas/
    label: Actas
    roles: [Secretario, Revisor]
    grants:
      add: [Secretario]
      Change: [secretario]
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	res := p.Resources()
	require.Len(t, res, 3)
	assert.Equal(t, "panel", res[0].Name)
	assert.Equal(t, "/panel/", res[0].Path)
	assert.Equal(t, auth.NewRoleSet(auth.RoleAdmin), res[0].Roles)
	assert.Equal(t, "admin", res[1].Name)
	assert.Equal(t, "actas", res[2].Name)
	assert.True(t, res[2].Roles.Has(auth.RoleRevisor))
	assert.Equal(t, auth.NewRoleSet(auth.RoleSecretario), res[2].RolesFor(ActionChange))
	assert.True(t, res[2].RolesFor(ActionDelete).Empty())
	assert.Equal(t, auth.NewRoleSet(auth.RoleAdmin), res[0].RolesFor(ActionDelete), "panel keeps default grants")
}

func TestLoadShippedPolicy(t *testing.T) {
	p, err := LoadPolicy(filepath.Join("..", "..", "config", "provision.yaml"))
	require.NoError(t, err)
	actas, ok := p.Get("actas")
	require.True(t, ok)
	assert.NoError(t, EvaluateAction(identity("rev1", auth.RoleRevisor), actas, ActionView))
	assert.ErrorIs(t, EvaluateAction(identity("rev1", auth.RoleRevisor), actas, ActionDelete), ErrForbidden)
}

func TestLoadPolicyErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := LoadPolicy(write("role.yaml", "resources:\n  - name: panel\n    roles: [Tesorero]\n"))
	assert.ErrorIs(t, err, auth.ErrUnknownRole)

	_, err = LoadPolicy(write("path.yaml", "resources:\n  - name: extra\n    roles: [Admin]\n"))
	assert.Error(t, err)

	_, err = LoadPolicy(write("rel.yaml", "resources:\n  - name: extra\n    path: extra/\n"))
	assert.Error(t, err)

	_, err = LoadPolicy(write("action.yaml", "resources:\n  - name: panel\n    grants:\n      approve: [Admin]\n"))
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = LoadPolicy(write("view.yaml", "resources:\n  - name: panel\n    grants:\n      view: [Admin]\n"))
	assert.Error(t, err)

	p, err := LoadPolicy(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Len(t, p.Resources(), 2)
}
