// Package auth issues and verifies gateway sessions and generates API keys.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

const tokenIssuer = "dalsi-gateway"

var (
	ErrSecretRequired     = errors.New("auth: jwt secret required")
	ErrUserExists         = errors.New("auth: user already exists")
	ErrEmailExists        = errors.New("auth: email already registered")
	ErrUsernameRequired   = errors.New("auth: username is required")
	ErrPasswordTooWeak    = errors.New("auth: password must be at least 6 characters")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrUserNotFound       = errors.New("auth: user not found")
)

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type LoginInput struct {
	Identifier string
	Password   string
}

type AuthResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      models.User `json:"user"`
}

// Service keeps users in memory and signs HS256 session tokens. Signed-out
// tokens are remembered until they would have expired anyway.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu           sync.RWMutex
	usersByID    map[string]*models.User
	usersByName  map[string]*models.User
	usersByEmail map[string]*models.User
	revoked      map[string]time.Time
}

func NewService(secret string, ttl time.Duration) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Service{
		secret:       []byte(secret),
		ttl:          ttl,
		now:          time.Now,
		usersByID:    make(map[string]*models.User),
		usersByName:  make(map[string]*models.User),
		usersByEmail: make(map[string]*models.User),
		revoked:      make(map[string]time.Time),
	}, nil
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	_ = ctx

	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	if len(strings.TrimSpace(input.Password)) < 6 {
		return nil, ErrPasswordTooWeak
	}

	emailKey := normalizeEmail(input.Email)
	usernameKey := strings.ToLower(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.TrimSpace(input.Email),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[usernameKey]; exists {
		return nil, ErrUserExists
	}
	if emailKey != "" {
		if _, exists := s.usersByEmail[emailKey]; exists {
			return nil, ErrEmailExists
		}
	}

	s.usersByID[user.ID] = user
	s.usersByName[usernameKey] = user
	if emailKey != "" {
		s.usersByEmail[emailKey] = user
	}

	return s.issue(user)
}

func (s *Service) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	_ = ctx

	identifier := strings.TrimSpace(input.Identifier)
	if identifier == "" || strings.TrimSpace(input.Password) == "" {
		return nil, ErrInvalidCredentials
	}

	s.mu.RLock()
	user := s.lookupUserLocked(identifier)
	s.mu.RUnlock()

	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user.UpdatedAt = s.now().UTC()

	return s.issue(user)
}

// Logout revokes token. The returned claims identify the session whose
// continuation state the caller should drop.
func (s *Service) Logout(token string) (*jwt.RegisteredClaims, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := s.now().Add(s.ttl)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	s.revoked[claims.ID] = expiry
	s.pruneRevokedLocked()

	return claims, nil
}

func (s *Service) VerifyToken(token string) (*jwt.RegisteredClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	s.mu.RLock()
	_, revoked := s.revoked[claims.ID]
	s.mu.RUnlock()
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// User returns the sanitized record of userID.
func (s *Service) User(userID string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[userID]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user.Sanitize(), nil
}

// issue signs a token for user. Callers hold s.mu.
func (s *Service) issue(user *models.User) (*AuthResult, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		Token:     signed,
		ExpiresAt: expiresAt,
		User:      user.Sanitize(),
	}, nil
}

func (s *Service) pruneRevokedLocked() {
	now := s.now()
	for id, expiry := range s.revoked {
		if now.After(expiry) {
			delete(s.revoked, id)
		}
	}
}

func (s *Service) lookupUserLocked(identifier string) *models.User {
	key := strings.ToLower(identifier)
	if user, ok := s.usersByName[key]; ok {
		return user
	}

	if user, ok := s.usersByEmail[normalizeEmail(identifier)]; ok {
		return user
	}

	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
