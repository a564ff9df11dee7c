package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"juntaut/internal/audit"
	"juntaut/internal/auth"
	"juntaut/internal/logging"
)

type changeSink struct {
	changes []audit.Change
}

func (s *changeSink) Decision(context.Context, audit.Decision) {}
func (s *changeSink) Change(_ context.Context, c audit.Change) { s.changes = append(s.changes, c) }

type fixture struct {
	audit  *audit.MemoryStore
	store  *auth.MemoryStore
	sink   *changeSink
	router *mux.Router
	actor  *auth.Identity
	vecino *auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := auth.NewMemoryStore()
	require.NoError(t, store.EnsureRoles(ctx, auth.Roles))

	actor, err := store.Create(ctx, auth.NewUser{Username: "root", Password: "s3cret", Superuser: true})
	require.NoError(t, err)
	vecino, err := store.Create(ctx, auth.NewUser{
		Username: "vecino1",
		Password: "vecino",
		Roles:    auth.NewRoleSet(auth.RoleVecino),
	})
	require.NoError(t, err)

	sink := &changeSink{}
	trail := audit.NewMemoryStore(0)
	h := &Handler{Store: store, Sink: sink, Logger: logging.Discard(), Audit: trail}
	r := mux.NewRouter()
	h.Routes(r.PathPrefix("/admin").Subrouter())

	return &fixture{audit: trail, store: store, sink: sink, router: r, actor: actor, vecino: vecino}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.actor))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/admin/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var s Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 2, s.Users)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.Superusers)
	assert.Equal(t, 1, s.Roles["Vecino"])
	assert.Equal(t, 0, s.Roles["Admin"])
}

func TestListUsers(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/admin/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	var users []auth.Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 2)
	assert.Equal(t, "root", users[0].Username)
	assert.Equal(t, auth.NewRoleSet(auth.RoleVecino), users[1].Roles)
}

func TestCreateUser(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/users", `{"username":"sec1","password":"pw","roles":["secretario"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var u auth.Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, "sec1", u.Username)
	assert.True(t, u.Roles.Has(auth.RoleSecretario))

	require.Len(t, f.sink.changes, 1)
	assert.Equal(t, "create_user", f.sink.changes[0].Action)
	assert.Equal(t, "root", f.sink.changes[0].Actor)

	rec = f.do(http.MethodPost, "/admin/users", `{"username":"sec1","password":"pw"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/admin/users", `{"username":"","password":"pw"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/admin/users", `{"username":"x","password":"pw","roles":["Tesorero"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/admin/users", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Len(t, f.sink.changes, 1)
}

func TestRoleAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := "/admin/users/" + itoa(f.vecino.ID) + "/roles/"

	rec := f.do(http.MethodPut, path+"Secretario", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err := f.store.GetByID(ctx, f.vecino.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.NewRoleSet(auth.RoleVecino, auth.RoleSecretario), got.Roles)

	rec = f.do(http.MethodDelete, path+"vecino", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err = f.store.GetByID(ctx, f.vecino.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.NewRoleSet(auth.RoleSecretario), got.Roles)

	require.Len(t, f.sink.changes, 2)
	assert.Equal(t, "assign_role", f.sink.changes[0].Action)
	assert.Equal(t, "Secretario", f.sink.changes[0].Detail)
	assert.Equal(t, "revoke_role", f.sink.changes[1].Action)
	assert.Equal(t, f.vecino.ID, f.sink.changes[1].TargetID)

	rec = f.do(http.MethodPut, path+"Tesorero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, "/admin/users/999/roles/Admin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetActive(t *testing.T) {
	f := newFixture(t)
	path := "/admin/users/" + itoa(f.vecino.ID)

	rec := f.do(http.MethodPatch, path, `{"active":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err := f.store.GetByID(context.Background(), f.vecino.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.Len(t, f.sink.changes, 1)
	assert.Equal(t, "deactivate", f.sink.changes[0].Action)

	rec = f.do(http.MethodPatch, path, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPatch, "/admin/users/999", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUser(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/admin/users/"+itoa(f.vecino.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vecino1"`)

	rec = f.do(http.MethodGet, "/admin/users/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestListAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.audit.Insert(ctx, &audit.Entry{Kind: "decision", Username: "vecino1", Resource: "panel", Outcome: audit.OutcomeForbidden}))
	require.NoError(t, f.audit.Insert(ctx, &audit.Entry{Kind: "change", Username: "root", Action: "assign_role", TargetID: 2}))

	rec := f.do(http.MethodGet, "/admin/audit?outcome=forbidden", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "vecino1", entries[0].Username)

	rec = f.do(http.MethodGet, "/admin/audit?kind=nothing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
