// Package auth registers users and issues the session tokens clients present
// with every request after sign-in.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bourse/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	DefaultTokenTTL = 24 * time.Hour
	maxUsernameLen  = 64
)

// Accounts opens trading accounts for new users.
type Accounts interface {
	HasAccount(username string) bool
	SignUp(ctx context.Context, username string) error
}

type Config struct {
	Secret   string
	TokenTTL time.Duration
	// Cost is the bcrypt cost; zero means bcrypt.DefaultCost.
	Cost int
}

type Service struct {
	users    store.Users
	accounts Accounts
	secret   []byte
	ttl      time.Duration
	cost     int
	now      func() time.Time
}

func New(users store.Users, accounts Accounts, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	return &Service{
		users:    users,
		accounts: accounts,
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TokenTTL,
		cost:     cfg.Cost,
		now:      time.Now,
	}
}

// SignUp stores a bcrypt hash of the password and opens a zero-balance
// account.
func (s *Service) SignUp(ctx context.Context, username, password string) error {
	if username == "" || password == "" || len(username) > maxUsernameLen {
		return fmt.Errorf("%w: username and password required", ErrInvalidCredentials)
	}

	exists, err := s.users.UserExists(ctx, username)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists {
		return ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.AddUser(ctx, username, string(hash)); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("add user: %w", err)
	}

	// An account may already exist from restored balances.
	if !s.accounts.HasAccount(username) {
		if err := s.accounts.SignUp(ctx, username); err != nil {
			return fmt.Errorf("open account: %w", err)
		}
	}

	log.Info().Str("username", username).Msg("user registered")
	return nil
}

// SignIn checks the password and returns a signed token for the user.
func (s *Service) SignIn(ctx context.Context, username, password string) (string, error) {
	hash, err := s.users.PasswordHash(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify checks that token is valid, unexpired and issued to username.
func (s *Service) Verify(token, username string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject != username {
		return fmt.Errorf("%w: issued to another user", ErrInvalidToken)
	}
	return nil
}
