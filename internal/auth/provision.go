package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInlinePassword = errors.New("inline password not allowed, use password_env")

type provisionUser struct {
	Username    string  `yaml:"username"`
	Password    string  `yaml:"password"`
	PasswordEnv string  `yaml:"password_env"`
	Email       string  `yaml:"email"`
	Roles       RoleSet `yaml:"roles"`
	Superuser   bool    `yaml:"superuser"`
	Active      *bool   `yaml:"active"`
}

type provisionFile struct {
	Users []provisionUser `yaml:"users"`
}

// ProvisionOptions controls where seeded passwords may come from. Outside
// development only password_env is accepted, so no password ships in a file.
type ProvisionOptions struct {
	AllowInlinePasswords bool
	Getenv               func(string) string
}

func (o ProvisionOptions) getenv(key string) string {
	if o.Getenv == nil {
		return os.Getenv(key)
	}
	return o.Getenv(key)
}

type ProvisionResult struct {
	RolesMerged  int
	UsersCreated int
	UsersUpdated int
}

// Provision seeds the canonical roles, folds case-variant role names into
// them and creates the users listed in the YAML file at path. A missing file
// only skips the user seed. Running it twice leaves the store unchanged.
func Provision(ctx context.Context, store Store, path string, logger *slog.Logger, opts ProvisionOptions) (ProvisionResult, error) {
	var res ProvisionResult
	if err := store.EnsureRoles(ctx, Roles); err != nil {
		return res, fmt.Errorf("ensure roles: %w", err)
	}
	merged, err := NormalizeRoles(ctx, store, logger)
	if err != nil {
		return res, fmt.Errorf("normalize roles: %w", err)
	}
	res.RolesMerged = merged

	users, err := ProvisionUsers(ctx, store, path, logger, opts)
	res.UsersCreated = users.UsersCreated
	res.UsersUpdated = users.UsersUpdated
	return res, err
}

// ProvisionUsers creates or tops up the users listed in the YAML file at
// path. Roles must already exist. Every entry is checked before the store is
// touched.
func ProvisionUsers(ctx context.Context, store Store, path string, logger *slog.Logger, opts ProvisionOptions) (ProvisionResult, error) {
	var res ProvisionResult
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("provisioning file not found, skipping user seed", "path", path)
			return res, nil
		}
		return res, err
	}
	var pf provisionFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return res, fmt.Errorf("parse %s: %w", path, err)
	}
	users, err := resolvePasswords(pf.Users, opts, logger)
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	for _, u := range users {
		existing, err := store.GetByUsername(ctx, u.Username)
		switch {
		case err == nil:
			missing := u.Roles &^ existing.Roles
			for _, r := range missing.Slice() {
				if err := store.AssignRole(ctx, existing.ID, r); err != nil {
					return res, fmt.Errorf("assign %s to %s: %w", r, u.Username, err)
				}
			}
			if !missing.Empty() {
				res.UsersUpdated++
			}
		case errors.Is(err, ErrUserNotFound):
			nu := NewUser{
				Username:  u.Username,
				Email:     u.Email,
				Password:  u.Password,
				Superuser: u.Superuser,
				Inactive:  u.Active != nil && !*u.Active,
				Roles:     u.Roles,
			}
			if _, err := store.Create(ctx, nu); err != nil {
				return res, fmt.Errorf("create %s: %w", u.Username, err)
			}
			res.UsersCreated++
			logger.Info("user provisioned", "username", u.Username, "roles", u.Roles.String())
		default:
			return res, err
		}
	}
	return res, nil
}

// resolvePasswords trims usernames, fills passwords from password_env and
// drops entries left without a username or password.
func resolvePasswords(in []provisionUser, opts ProvisionOptions, logger *slog.Logger) ([]provisionUser, error) {
	out := make([]provisionUser, 0, len(in))
	for _, u := range in {
		u.Username = strings.TrimSpace(u.Username)
		if u.Username == "" {
			continue
		}
		switch {
		case u.PasswordEnv != "":
			u.Password = opts.getenv(u.PasswordEnv)
			if u.Password == "" {
				logger.Warn("password variable not set, skipping user", "username", u.Username, "var", u.PasswordEnv)
				continue
			}
		case u.Password != "" && !opts.AllowInlinePasswords:
			return nil, fmt.Errorf("user %q: %w", u.Username, ErrInlinePassword)
		case u.Password == "":
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// NormalizeRoles merges every stored role whose name matches a canonical role
// case-insensitively but not exactly. It returns how many were merged.
func NormalizeRoles(ctx context.Context, store Store, logger *slog.Logger) (int, error) {
	names, err := store.RoleNames(ctx)
	if err != nil {
		return 0, err
	}
	merged := 0
	for _, name := range names {
		canon, err := ParseRole(name)
		if err != nil || string(canon) == name {
			continue
		}
		if err := store.MergeRole(ctx, name, string(canon)); err != nil {
			return merged, fmt.Errorf("merge %q into %q: %w", name, canon, err)
		}
		merged++
		logger.Info("role merged", "from", name, "to", string(canon))
	}
	return merged, nil
}
