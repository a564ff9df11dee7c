// Package access decides whether an identity may reach a protected resource.
//
// The rule is a set intersection: a request is permitted when the caller's
// roles share at least one role with the set the resource grants for the
// requested action. Anonymous or inactive callers are unauthenticated and are
// sent to the login flow; authenticated callers without a shared role are
// forbidden.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"juntaut/internal/audit"
	"juntaut/internal/auth"
	"juntaut/internal/logging"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Evaluate applies the view rule without side effects.
func Evaluate(id *auth.Identity, res Resource) error {
	return EvaluateAction(id, res, ActionView)
}

// EvaluateAction applies the rule for action a without side effects.
func EvaluateAction(id *auth.Identity, res Resource, a Action) error {
	if id == nil || !id.Active {
		return ErrUnauthenticated
	}
	if res.Superuser {
		if id.Superuser {
			return nil
		}
		return ErrForbidden
	}
	if !id.Roles.Intersects(res.RolesFor(a)) {
		return ErrForbidden
	}
	return nil
}

// Allowed lists the actions id may perform on res, in display order.
func Allowed(id *auth.Identity, res Resource) []Action {
	var out []Action
	for _, a := range Actions {
		if EvaluateAction(id, res, a) == nil {
			out = append(out, a)
		}
	}
	return out
}

type Gate struct {
	policy    *Policy
	sink      audit.Sink
	loginPath string
	now       func() time.Time
}

func NewGate(policy *Policy, sink audit.Sink, loginPath string) *Gate {
	return &Gate{
		policy:    policy,
		sink:      sink,
		loginPath: loginPath,
		now:       time.Now,
	}
}

func (g *Gate) Policy() *Policy {
	return g.policy
}

func (g *Gate) LoginPath() string {
	return g.loginPath
}

// Check evaluates the view rule and records the decision.
func (g *Gate) Check(ctx context.Context, id *auth.Identity, res Resource) error {
	return g.CheckAction(ctx, id, res, ActionView)
}

func (g *Gate) CheckAction(ctx context.Context, id *auth.Identity, res Resource, a Action) error {
	err := EvaluateAction(id, res, a)
	d := audit.Decision{
		Time:      g.now().UTC(),
		RequestID: logging.RequestID(ctx),
		Resource:  res.Name,
		Action:    string(a),
		Outcome:   outcomeOf(err),
	}
	if id != nil {
		d.UserID = id.ID
		d.Username = id.Username
		d.Roles = id.Roles.Strings()
	}
	g.sink.Decision(ctx, d)
	return err
}

func outcomeOf(err error) audit.Outcome {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return audit.OutcomeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return audit.OutcomeForbidden
	default:
		return audit.OutcomePermit
	}
}

// Require guards next with the rule for res, taking the action from the
// request method. Unauthenticated requests are redirected to the login path
// with a next parameter; forbidden ones get 403.
func (g *Gate) Require(res Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.IdentityFromContext(r.Context())
			switch err := g.CheckAction(r.Context(), id, res, ActionForMethod(r.Method)); {
			case errors.Is(err, ErrUnauthenticated):
				http.Redirect(w, r, g.LoginURL(r.URL.RequestURI()), http.StatusFound)
			case errors.Is(err, ErrForbidden):
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (g *Gate) LoginURL(next string) string {
	if next == "" {
		return g.loginPath
	}
	return g.loginPath + "?next=" + url.QueryEscape(next)
}
