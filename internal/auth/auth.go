// Package auth provides token issuance and verification for the server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/NoPKT/agentim/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenRevoked       = errors.New("token revoked")
)

// Token types carried in the "typ" claim. Gateways authenticate over the
// wire protocol, users over HTTP login and the client WebSocket.
const (
	TokenTypeUser    = "user"
	TokenTypeGateway = "gateway"
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID    string `json:"uid"`
	Username  string `json:"usr"`
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Identity is the verified result of a bearer credential.
type Identity struct {
	UserID    string
	Username  string
	Role      string
	TokenType string
	IssuedAt  time.Time
}

// Service issues and verifies tokens. The shared store, when present,
// backs revocation; without one revocation checks pass vacuously.
type Service struct {
	store     store.Store
	shared    store.SharedStore
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a new auth service. shared may be nil.
func NewService(s store.Store, shared store.SharedStore, jwtSecret string, jwtExpiry time.Duration) *Service {
	return &Service{
		store:     s,
		shared:    shared,
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: jwtExpiry,
	}
}

// Login verifies a username/password pair and returns a fresh user token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(user, TokenTypeUser)
}

// IssueToken signs a token for the user with the given type.
func (s *Service) IssueToken(user *store.User, tokenType string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer credential and returns its identity. It does not
// consult revocation; callers decide whether that check applies.
func (s *Service) Verify(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return &Identity{
		UserID:    claims.UserID,
		Username:  claims.Username,
		Role:      claims.Role,
		TokenType: claims.TokenType,
		IssuedAt:  issuedAt,
	}, nil
}

// IsRevoked reports whether a token issued at issuedAt for subject has been
// revoked. A shared-store failure is returned to the caller; gateway auth
// treats it as a generic failure rather than guessing.
func (s *Service) IsRevoked(ctx context.Context, subject string, issuedAt time.Time) (bool, error) {
	if s.shared == nil {
		return false, nil
	}
	cutoff, err := s.shared.RevokedAfter(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("revocation check: %w", err)
	}
	if cutoff.IsZero() {
		return false, nil
	}
	return !issuedAt.After(cutoff), nil
}

// Revoke invalidates every token issued to subject up to now.
func (s *Service) Revoke(ctx context.Context, subject string) error {
	if s.shared == nil {
		return nil
	}
	return s.shared.RevokeTokens(ctx, subject, time.Now())
}

// HashPassword returns a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
