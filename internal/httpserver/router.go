package httpserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"juntaut/internal/access"
	"juntaut/internal/admin"
	"juntaut/internal/audit"
	"juntaut/internal/auth"
)

type Deps struct {
	Logger        *slog.Logger
	Auth          *auth.Service
	Gate          *access.Gate
	Audit         audit.Sink
	AuditLog      audit.Store
	AllowedHosts  []string
	SecureCookies bool
}

func NewRouter(d Deps) http.Handler {
	h := &handlers{
		auth:          d.Auth,
		gate:          d.Gate,
		logger:        d.Logger,
		secureCookies: d.SecureCookies,
	}
	r := mux.NewRouter()

	r.HandleFunc("/", h.home).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)

	r.HandleFunc(LoginPath, h.loginForm).Methods(http.MethodGet)
	r.HandleFunc(LoginPath, h.login).Methods(http.MethodPost)
	r.HandleFunc("/accounts/logout/", h.logout).Methods(http.MethodPost)

	adminHandler := &admin.Handler{
		Store:  d.Auth.Store(),
		Sink:   d.Audit,
		Logger: d.Logger,
		Audit:  d.AuditLog,
	}
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	for _, res := range d.Gate.Policy().Resources() {
		guard := d.Gate.Require(res)
		switch res.Name {
		case access.ResourceAdmin:
			sub := r.PathPrefix(strings.TrimSuffix(res.Path, "/")).Subrouter()
			sub.Use(guard)
			adminHandler.Routes(sub)
			// Unmatched paths and methods under the prefix still pass the guard.
			sub.PathPrefix("/").Handler(notFound)
		default:
			r.Handle(res.Path, guard(h.section(res)))
		}
	}

	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	var handler http.Handler = r
	handler = auth.SessionMiddleware(d.Auth, d.Logger)(handler)
	handler = withAllowedHosts(d.AllowedHosts, d.Logger)(handler)
	handler = withRecover(d.Logger)(handler)
	handler = withRequestLog(d.Logger)(handler)
	handler = withRequestID(handler)
	return handler
}
