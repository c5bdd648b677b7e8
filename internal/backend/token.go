package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for backend calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops a cached token after the backend rejected it.
	Invalidate()
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("no backend token configured")
	}
	return string(t), nil
}

func (StaticToken) Invalidate() {}

// LoginTokenSource logs in with credentials and caches the token until shortly
// before the expiry found in its claims.
type LoginTokenSource struct {
	client   *Client
	email    string
	password string
	margin   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewLoginTokenSource(client *Client, email, password string) *LoginTokenSource {
	return &LoginTokenSource{
		client:   client,
		email:    email,
		password: password,
		margin:   30 * time.Second,
		now:      time.Now,
	}
}

func (s *LoginTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && (s.expires.IsZero() || s.now().Before(s.expires.Add(-s.margin))) {
		return s.token, nil
	}

	token, err := s.client.Login(ctx, s.email, s.password)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = tokenExpiry(token)
	return token, nil
}

func (s *LoginTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend is the one that verifies it. Opaque tokens never expire locally.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
