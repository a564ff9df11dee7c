package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserExists       = errors.New("user already exists")
	ErrBlankCredentials = errors.New("username and password are required")
)

// Store holds identities, roles and assignments.
type Store interface {
	GetByUsername(ctx context.Context, username string) (*Identity, error)
	GetByID(ctx context.Context, id int64) (*Identity, error)
	List(ctx context.Context) ([]Identity, error)
	Create(ctx context.Context, nu NewUser) (*Identity, error)
	SetActive(ctx context.Context, id int64, active bool) error
	AssignRole(ctx context.Context, id int64, role Role) error
	RevokeRole(ctx context.Context, id int64, role Role) error

	// EnsureRoles creates the named roles if they do not exist.
	EnsureRoles(ctx context.Context, roles []Role) error
	// RoleNames returns role names exactly as stored.
	RoleNames(ctx context.Context) ([]string, error)
	// MergeRole moves every assignment of role from onto role to and deletes from.
	MergeRole(ctx context.Context, from, to string) error
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func validateNewUser(nu *NewUser) error {
	nu.Username = strings.TrimSpace(nu.Username)
	if nu.Username == "" || nu.Password == "" {
		return ErrBlankCredentials
	}
	return nil
}

// rolesFromNames keeps names that parse and drops the rest; stored names that
// are not canonical are handled by NormalizeRoles.
func rolesFromNames(names []string) RoleSet {
	var s RoleSet
	for _, n := range names {
		if r, err := ParseRole(n); err == nil {
			s = s.With(r)
		}
	}
	return s
}

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const selectIdentity = `
	SELECT u.id, u.username, u.email, u.password_hash, u.is_active, u.is_superuser, u.created_at,
	       COALESCE(array_agg(r.name) FILTER (WHERE r.name IS NOT NULL), '{}')
	FROM users u
	LEFT JOIN user_roles ur ON ur.user_id = u.id
	LEFT JOIN roles r ON r.id = ur.role_id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*Identity, error) {
	u := &Identity{}
	var roles pq.StringArray
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Active,
		&u.Superuser, &u.CreatedAt, &roles); err != nil {
		return nil, err
	}
	u.Roles = rolesFromNames(roles)
	return u, nil
}

func (s *PGStore) getOne(ctx context.Context, where string, arg any) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, selectIdentity+where+" GROUP BY u.id", arg)
	u, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (s *PGStore) GetByUsername(ctx context.Context, username string) (*Identity, error) {
	return s.getOne(ctx, " WHERE u.username = $1", username)
}

func (s *PGStore) GetByID(ctx context.Context, id int64) (*Identity, error) {
	return s.getOne(ctx, " WHERE u.id = $1", id)
}

func (s *PGStore) List(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, selectIdentity+" GROUP BY u.id ORDER BY u.username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Identity
	for rows.Next() {
		u, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PGStore) Create(ctx context.Context, nu NewUser) (*Identity, error) {
	if err := validateNewUser(&nu); err != nil {
		return nil, err
	}
	hash, err := hashPassword(nu.Password)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		INSERT INTO users (username, email, password_hash, is_active, is_superuser, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	if err := tx.QueryRowContext(ctx, q, nu.Username, nu.Email, hash, !nu.Inactive,
		nu.Superuser, time.Now().UTC()).Scan(&id); err != nil {
		if pqCode(err) == pqUniqueViolation {
			return nil, ErrUserExists
		}
		return nil, err
	}
	for _, r := range nu.Roles.Slice() {
		if err := assignRole(ctx, tx, id, r); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *PGStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func assignRole(ctx context.Context, ex dbtx, id int64, role Role) error {
	const q = `
		INSERT INTO user_roles (user_id, role_id)
		SELECT $1, id FROM roles WHERE name = $2
		ON CONFLICT DO NOTHING
	`
	res, err := ex.ExecContext(ctx, q, id, string(role))
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return ErrUserNotFound
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the assignment already exists or the role was never provisioned.
		var exists bool
		if err := ex.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1)`, string(role)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrUnknownRole
		}
	}
	return nil
}

func (s *PGStore) AssignRole(ctx context.Context, id int64, role Role) error {
	return assignRole(ctx, s.db, id, role)
}

func (s *PGStore) RevokeRole(ctx context.Context, id int64, role Role) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	const q = `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id IN (SELECT id FROM roles WHERE name = $2)
	`
	_, err := s.db.ExecContext(ctx, q, id, string(role))
	return err
}

func (s *PGStore) EnsureRoles(ctx context.Context, roles []Role) error {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	const q = `INSERT INTO roles (name) SELECT unnest($1::text[]) ON CONFLICT (name) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, pq.Array(names))
	return err
}

func (s *PGStore) RoleNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *PGStore) MergeRole(ctx context.Context, from, to string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const move = `
		INSERT INTO user_roles (user_id, role_id)
		SELECT ur.user_id, t.id
		FROM user_roles ur
		JOIN roles f ON f.id = ur.role_id
		CROSS JOIN roles t
		WHERE f.name = $1 AND t.name = $2
		ON CONFLICT DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, move, from, to); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE name = $1`, from); err != nil {
		return err
	}
	return tx.Commit()
}
