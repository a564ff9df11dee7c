// Package audit records access decisions and role assignment changes.
package audit

import (
	"context"
	"log/slog"
	"time"
)

type Outcome string

const (
	OutcomePermit          Outcome = "permit"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeForbidden       Outcome = "forbidden"
)

// Decision is one evaluation of the access gate.
type Decision struct {
	Kind      string    `json:"kind"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action,omitempty"`
	Outcome   Outcome   `json:"outcome"`
}

// Change is an administrative mutation of an identity.
type Change struct {
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
	Actor    string    `json:"actor"`
	TargetID int64     `json:"target_id"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
}

type Sink interface {
	Decision(ctx context.Context, d Decision)
	Change(ctx context.Context, c Change)
}

// LogSink writes events to a structured logger. Denials are logged at warn.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Decision(ctx context.Context, d Decision) {
	level := slog.LevelInfo
	if d.Outcome != OutcomePermit {
		level = slog.LevelWarn
	}
	s.Logger.Log(ctx, level, "access decision",
		"resource", d.Resource,
		"action", d.Action,
		"outcome", string(d.Outcome),
		"user_id", d.UserID,
		"username", d.Username,
		"roles", d.Roles,
	)
}

func (s LogSink) Change(ctx context.Context, c Change) {
	s.Logger.InfoContext(ctx, "identity changed",
		"actor", c.Actor,
		"target_id", c.TargetID,
		"action", c.Action,
		"detail", c.Detail,
	)
}

// Multi fans out to every sink.
type Multi []Sink

func (m Multi) Decision(ctx context.Context, d Decision) {
	for _, s := range m {
		s.Decision(ctx, d)
	}
}

func (m Multi) Change(ctx context.Context, c Change) {
	for _, s := range m {
		s.Change(ctx, c)
	}
}
