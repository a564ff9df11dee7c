package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"juntaut/internal/access"
	"juntaut/internal/auth"
)

const (
	// LoginPath is where the gate sends unauthenticated requests.
	LoginPath       = "/accounts/login/"
	defaultNextPath = "/panel/"
	maxLoginBody    = 1 << 16
)

type handlers struct {
	auth          *auth.Service
	gate          *access.Gate
	logger        *slog.Logger
	secureCookies bool
}

type page struct {
	Message string           `json:"message,omitempty"`
	Section string           `json:"section,omitempty"`
	Actions []access.Action  `json:"actions,omitempty"`
	User    *auth.Identity   `json:"user"`
	Nav     []access.NavItem `json:"nav"`
}

func (h *handlers) home(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id != nil && !id.Active {
		id = nil
	}
	writeJSON(w, http.StatusOK, page{
		Message: "Bienvenido a la Junta de Vecinos",
		User:    id,
		Nav:     h.gate.Nav(id),
	})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// section renders any gated resource. The gate has already run, so other
// methods are refused only after the caller passed it.
func (h *handlers) section(res access.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id := auth.IdentityFromContext(r.Context())
		writeJSON(w, http.StatusOK, page{
			Section: res.Label,
			Actions: access.Allowed(id, res),
			User:    id,
			Nav:     h.gate.Nav(id),
		})
	}
}

func (h *handlers) loginForm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"action": LoginPath,
		"method": http.MethodPost,
		"fields": []string{"username", "password", "next"},
		"next":   safeNext(r.URL.Query().Get("next")),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Next     string `json:"next"`
}

func readLogin(r *http.Request) (loginRequest, error) {
	var req loginRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
		req.Next = r.PostForm.Get("next")
	}
	if req.Next == "" {
		req.Next = r.URL.Query().Get("next")
	}
	return req, nil
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)
	req, err := readLogin(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	user, token, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrTooManyAttempts):
		h.logger.WarnContext(r.Context(), "login throttled", "username", req.Username)
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.logger.InfoContext(r.Context(), "login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "login", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	auth.SetSessionCookie(w, token, h.auth.TTL(), h.secureCookies)
	h.logger.InfoContext(r.Context(), "login", "username", user.Username)
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
		return
	}
	http.Redirect(w, r, safeNext(req.Next), http.StatusSeeOther)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, h.secureCookies)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// safeNext returns next when it is a path on this site, else the default.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return defaultNextPath
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return defaultNextPath
	}
	return next
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
