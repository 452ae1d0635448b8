package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// TokenManager issues and verifies job claim tokens. Only the bcrypt hash of
// a token is persisted; verified tokens are cached so repeated calls from the
// same agent skip the hash comparison.
type TokenManager struct {
	cost     int
	verified map[string]string // hash -> token
	mu       sync.RWMutex
}

// NewTokenManager creates a token manager. cost <= 0 uses bcrypt.DefaultCost.
func NewTokenManager(cost int) *TokenManager {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &TokenManager{
		cost:     cost,
		verified: make(map[string]string),
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Generate returns a new token and the hash to store with the job
func (tm *TokenManager) Generate() (token, hash string, err error) {
	token, err = randomToken()
	if err != nil {
		return "", "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), tm.cost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash token: %w", err)
	}

	tm.mu.Lock()
	tm.verified[string(h)] = token
	tm.mu.Unlock()
	return token, string(h), nil
}

// Verify checks token against the stored hash
func (tm *TokenManager) Verify(hash, token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if hash == "" {
		return ErrInvalidToken
	}

	tm.mu.RLock()
	known, ok := tm.verified[hash]
	tm.mu.RUnlock()
	if ok {
		if SecureCompare(known, token) {
			return nil
		}
		return ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}
	tm.mu.Lock()
	tm.verified[hash] = token
	tm.mu.Unlock()
	return nil
}

// Forget drops a cached token, e.g. once its job is terminal
func (tm *TokenManager) Forget(hash string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.verified, hash)
}

// APIKeyManager manages API keys for operator endpoints
type APIKeyManager struct {
	keys map[string]string // key -> description
	mu   sync.RWMutex
}

// NewAPIKeyManager creates a manager holding the given keys
func NewAPIKeyManager(keys ...string) *APIKeyManager {
	m := &APIKeyManager{keys: make(map[string]string)}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m.keys[k] = "configured"
		}
	}
	return m
}

// GenerateAPIKey generates and registers a new API key
func (akm *APIKeyManager) GenerateAPIKey(description string) (string, error) {
	apiKey, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}

	akm.mu.Lock()
	defer akm.mu.Unlock()
	akm.keys[apiKey] = description
	return apiKey, nil
}

// ValidateAPIKey validates an API key
func (akm *APIKeyManager) ValidateAPIKey(apiKey string) bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	for k := range akm.keys {
		if SecureCompare(k, apiKey) {
			return true
		}
	}
	return false
}

// Enabled reports whether any key is configured
func (akm *APIKeyManager) Enabled() bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()
	return len(akm.keys) > 0
}

// Middleware rejects requests without a valid key when keys are configured.
// The key is read from "Authorization: Bearer <key>" or X-API-Key.
func (akm *APIKeyManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !akm.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key == "" || !akm.ValidateAPIKey(key) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
