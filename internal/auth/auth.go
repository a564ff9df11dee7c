package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many login attempts")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInactive           = errors.New("account is inactive")
)

// dummyHash is compared against when the username is unknown so the miss
// costs as much as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("juntaut-unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
})

type Service struct {
	store   Store
	secret  []byte
	ttl     time.Duration
	limiter *Limiter
	now     func() time.Time
	compare func(hash, password []byte) error
}

func NewService(store Store, secret string, ttl time.Duration, limiter *Limiter) *Service {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		store:   store,
		secret:  []byte(secret),
		ttl:     ttl,
		limiter: limiter,
		now:     time.Now,
		compare: bcrypt.CompareHashAndPassword,
	}
}

func (s *Service) Store() Store {
	return s.store
}

// Authenticate checks a username/password pair and returns a signed session
// token. Unknown users, wrong passwords and inactive accounts are not
// distinguished.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Identity, string, error) {
	username = strings.TrimSpace(username)
	if s.limiter != nil && !s.limiter.Allow(strings.ToLower(username)) {
		return nil, "", ErrTooManyAttempts
	}
	user, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = s.compare(dummyHash(), []byte(password))
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("lookup user: %w", err)
	}
	if err := s.compare([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !user.Active {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	if s.limiter != nil {
		s.limiter.Reset(strings.ToLower(username))
	}
	return user, token, nil
}

type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (s *Service) issueToken(user *Identity) (string, error) {
	now := s.now().UTC()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

func (s *Service) ParseToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Resolve turns a session token into the current identity, reloaded from the
// store so that deactivation and role changes apply to live sessions.
func (s *Service) Resolve(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.ParseToken(tokenStr)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user.Username != claims.Username {
		return nil, ErrInvalidToken
	}
	if !user.Active {
		return nil, ErrInactive
	}
	return user, nil
}
