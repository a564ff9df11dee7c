package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Entry is the stored form of a Decision or a Change. For a change,
// Username is the actor.
type Entry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Action    string    `json:"action,omitempty"`
	TargetID  int64     `json:"target_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

type Filter struct {
	Kind     string
	Username string
	Resource string
	Outcome  Outcome
	Since    time.Time
	Until    time.Time
	Limit    int
}

const (
	defaultLimit = 200
	maxLimit     = 1000
)

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > maxLimit {
		return defaultLimit
	}
	return f.Limit
}

func (f Filter) match(e *Entry) bool {
	switch {
	case f.Kind != "" && e.Kind != f.Kind:
		return false
	case f.Username != "" && e.Username != f.Username:
		return false
	case f.Resource != "" && e.Resource != f.Resource:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case !f.Since.IsZero() && e.Time.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Time.After(f.Until):
		return false
	}
	return true
}

type Store interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

func entryFromDecision(d Decision) *Entry {
	return &Entry{
		Kind:      "decision",
		Time:      d.Time,
		RequestID: d.RequestID,
		Username:  d.Username,
		UserID:    d.UserID,
		Roles:     d.Roles,
		Resource:  d.Resource,
		Outcome:   d.Outcome,
		Action:    d.Action,
	}
}

func entryFromChange(c Change) *Entry {
	return &Entry{
		Kind:     "change",
		Time:     c.Time,
		Username: c.Actor,
		Action:   c.Action,
		TargetID: c.TargetID,
		Detail:   c.Detail,
	}
}

// StoreSink persists every event so it can be queried from the admin API.
type StoreSink struct {
	Store  Store
	Logger *slog.Logger
}

func (s StoreSink) Decision(ctx context.Context, d Decision) {
	if err := s.Store.Insert(ctx, entryFromDecision(d)); err != nil {
		s.Logger.ErrorContext(ctx, "store access decision", "err", err)
	}
}

func (s StoreSink) Change(ctx context.Context, c Change) {
	if err := s.Store.Insert(ctx, entryFromChange(c)); err != nil {
		s.Logger.ErrorContext(ctx, "store identity change", "err", err)
	}
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, e *Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	roles := e.Roles
	if roles == nil {
		roles = []string{}
	}
	const q = `
		INSERT INTO audit_log (kind, ts, request_id, username, user_id, roles, resource, outcome, action, target_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	return s.db.QueryRowContext(ctx, q,
		e.Kind,
		e.Time,
		e.RequestID,
		e.Username,
		e.UserID,
		pq.Array(roles),
		e.Resource,
		string(e.Outcome),
		e.Action,
		e.TargetID,
		e.Detail,
	).Scan(&e.ID)
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, clause+" $"+strconv.Itoa(len(args)))
	}
	if f.Kind != "" {
		add("kind =", f.Kind)
	}
	if f.Username != "" {
		add("username =", f.Username)
	}
	if f.Resource != "" {
		add("resource =", f.Resource)
	}
	if f.Outcome != "" {
		add("outcome =", string(f.Outcome))
	}
	if !f.Since.IsZero() {
		add("ts >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <=", f.Until)
	}

	query := "SELECT id, kind, ts, request_id, username, user_id, roles, resource, outcome, action, target_id, detail FROM audit_log WHERE " +
		strings.Join(clauses, " AND ") + " ORDER BY ts DESC, id DESC LIMIT " + strconv.Itoa(f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		var roles pq.StringArray
		var outcome string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Time, &e.RequestID, &e.Username, &e.UserID,
			&roles, &e.Resource, &outcome, &e.Action, &e.TargetID, &e.Detail); err != nil {
			return nil, err
		}
		e.Roles = []string(roles)
		e.Outcome = Outcome(outcome)
		result = append(result, e)
	}
	return result, rows.Err()
}

// MemoryStore keeps the most recent entries in a fixed-size ring.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	lastID  int64
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = maxLimit
	}
	return &MemoryStore{entries: make([]Entry, capacity)}
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	e.ID = m.lastID
	m.entries[m.next] = *e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// List returns matching entries newest first.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.entries)
	}
	limit := f.limit()
	var out []Entry
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (m.next - 1 - i + len(m.entries)) % len(m.entries)
		if e := m.entries[idx]; f.match(&e) {
			out = append(out, e)
		}
	}
	return out, nil
}
