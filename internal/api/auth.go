package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"
)

// DefaultCredentialTTL is how long a validated token is trusted before GitHub is asked again
const DefaultCredentialTTL = 5 * time.Minute

// ErrInvalidCredential is returned when GitHub rejects a token
var ErrInvalidCredential = errors.New("invalid credential")

// TokenValidator checks access tokens against GitHub's authenticated-user endpoint.
// Accepted tokens are cached for the TTL; rejected ones are never cached.
type TokenValidator struct {
	baseURL string
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	known map[string]session
}

type session struct {
	login   string
	expires time.Time
}

// NewTokenValidator creates a validator for the GitHub API at baseURL (the public API when empty)
func NewTokenValidator(baseURL string, ttl time.Duration) *TokenValidator {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &TokenValidator{
		baseURL: baseURL,
		ttl:     ttl,
		now:     time.Now,
		known:   make(map[string]session),
	}
}

// SetClock replaces the time source used for cache expiry
func (v *TokenValidator) SetClock(now func() time.Time) {
	v.now = now
}

// Authenticate returns the login token belongs to, or ErrInvalidCredential when
// GitHub rejects it. Other failures are returned as they are.
func (v *TokenValidator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredential
	}
	key := tokenKey(token)

	v.mu.Lock()
	s, ok := v.known[key]
	v.mu.Unlock()
	if ok && v.now().Before(s.expires) {
		return s.login, nil
	}

	client, err := NewGitHubClientWithBaseURL(token, v.baseURL)
	if err != nil {
		return "", err
	}
	login, err := client.CurrentUser(ctx)
	if err != nil {
		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.StatusCode == http.StatusUnauthorized {
			v.forget(key)
			return "", ErrInvalidCredential
		}
		return "", err
	}

	v.mu.Lock()
	v.known[key] = session{login: login, expires: v.now().Add(v.ttl)}
	v.mu.Unlock()
	return login, nil
}

func (v *TokenValidator) forget(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.known, key)
}

// tokens are kept in memory only as digests
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
