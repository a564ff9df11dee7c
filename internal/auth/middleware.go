package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"juntaut/internal/logging"
)

// SessionCookie is the cookie holding the session token.
const SessionCookie = "sessionid"

type contextKey string

const identityContextKey contextKey = "juntaut_identity"

func WithIdentity(ctx context.Context, u *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, u)
}

// IdentityFromContext returns the authenticated identity, or nil for an
// anonymous request.
func IdentityFromContext(ctx context.Context) *Identity {
	u, _ := ctx.Value(identityContextKey).(*Identity)
	return u
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// SessionMiddleware attaches the identity behind the request's session token,
// if any. A missing or unusable token leaves the request anonymous; the access
// gate decides what anonymous requests may see.
func SessionMiddleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, err := svc.Resolve(r.Context(), token)
			if err != nil {
				if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrUserNotFound) && !errors.Is(err, ErrInactive) {
					logger.ErrorContext(r.Context(), "resolve session", "err", err)
				}
				next.ServeHTTP(w, r)
				return
			}
			ctx := logging.WithUser(WithIdentity(r.Context(), user), user.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SetSessionCookie stores token in an HttpOnly cookie.
func SetSessionCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Service) TTL() time.Duration {
	return s.ttl
}
