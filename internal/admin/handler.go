// Package admin serves the superuser-only identity administration endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"juntaut/internal/audit"
	"juntaut/internal/auth"
)

type Handler struct {
	Store  auth.Store
	Sink   audit.Sink
	Logger *slog.Logger
	// Audit backs GET /audit. The route is not mounted when nil.
	Audit audit.Store
}

// Routes mounts the endpoints on r, which is expected to already be guarded
// by the superuser gate.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/", h.summary).Methods(http.MethodGet)
	r.HandleFunc("/users", h.listUsers).Methods(http.MethodGet)
	r.HandleFunc("/users", h.createUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{id:[0-9]+}", h.getUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id:[0-9]+}", h.setActive).Methods(http.MethodPatch)
	r.HandleFunc("/users/{id:[0-9]+}/roles/{role}", h.assignRole).Methods(http.MethodPut)
	r.HandleFunc("/users/{id:[0-9]+}/roles/{role}", h.revokeRole).Methods(http.MethodDelete)
	if h.Audit != nil {
		r.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)
	}
}

type Summary struct {
	Users      int            `json:"users"`
	Active     int            `json:"active"`
	Superusers int            `json:"superusers"`
	Roles      map[string]int `json:"roles"`
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.List(r.Context())
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "list users", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s := Summary{Roles: make(map[string]int, len(auth.Roles))}
	for _, role := range auth.Roles {
		s.Roles[string(role)] = 0
	}
	for _, u := range users {
		s.Users++
		if u.Active {
			s.Active++
		}
		if u.Superuser {
			s.Superusers++
		}
		for _, role := range u.Roles.Slice() {
			s.Roles[string(role)]++
		}
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.List(r.Context())
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "list users", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if users == nil {
		users = []auth.Identity{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	u, err := h.Store.GetByID(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type createRequest struct {
	Username  string       `json:"username"`
	Email     string       `json:"email"`
	Password  string       `json:"password"`
	Roles     auth.RoleSet `json:"roles"`
	Superuser bool         `json:"superuser"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, auth.ErrUnknownRole) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	u, err := h.Store.Create(r.Context(), auth.NewUser{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		Superuser: req.Superuser,
		Roles:     req.Roles,
	})
	if err != nil {
		h.storeError(w, r, "create user", err)
		return
	}
	h.record(r, u.ID, "create_user", u.Username+" "+u.Roles.String())
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	if err := h.Store.SetActive(r.Context(), id, *payload.Active); err != nil {
		h.storeError(w, r, "set active", err)
		return
	}
	action := "deactivate"
	if *payload.Active {
		action = "activate"
	}
	h.record(r, id, action, "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, "assign_role", h.Store.AssignRole)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, "revoke_role", h.Store.RevokeRole)
}

func (h *Handler) changeRole(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	apply func(ctx context.Context, id int64, role auth.Role) error,
) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	role, err := auth.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := apply(r.Context(), id, role); err != nil {
		h.storeError(w, r, action, err)
		return
	}
	h.record(r, id, action, string(role))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Kind:     q.Get("kind"),
		Username: q.Get("username"),
		Resource: q.Get("resource"),
		Outcome:  audit.Outcome(q.Get("outcome")),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}

	entries, err := h.Audit.List(r.Context(), filter)
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "list audit", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) record(r *http.Request, target int64, action, detail string) {
	c := audit.Change{
		Time:     time.Now().UTC(),
		TargetID: target,
		Action:   action,
		Detail:   detail,
	}
	if actor := auth.IdentityFromContext(r.Context()); actor != nil {
		c.Actor = actor.Username
	}
	h.Sink.Change(r.Context(), c)
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "username already taken")
	case errors.Is(err, auth.ErrBlankCredentials):
		writeError(w, http.StatusBadRequest, "username and password are required")
	case errors.Is(err, auth.ErrUnknownRole):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.ErrorContext(r.Context(), op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
