package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager(bcrypt.MinCost)
	token, hash, err := tm.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if token == "" || hash == "" || token == hash {
		t.Fatalf("unexpected token/hash: %q %q", token, hash)
	}

	if err := tm.Verify(hash, token); err != nil {
		t.Errorf("Verify cached: %v", err)
	}
	if err := tm.Verify(hash, "wrong"); err != ErrInvalidToken {
		t.Errorf("Verify wrong token = %v, want ErrInvalidToken", err)
	}
	if err := tm.Verify(hash, ""); err != ErrMissingToken {
		t.Errorf("Verify empty token = %v, want ErrMissingToken", err)
	}

	// a fresh manager must fall back to bcrypt
	other := NewTokenManager(bcrypt.MinCost)
	if err := other.Verify(hash, token); err != nil {
		t.Errorf("Verify uncached: %v", err)
	}
	tm.Forget(hash)
	if err := tm.Verify(hash, token); err != nil {
		t.Errorf("Verify after Forget: %v", err)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		keys   []string
		header map[string]string
		want   int
	}{
		{"no keys configured", nil, nil, http.StatusNoContent},
		{"missing key", []string{"secret"}, nil, http.StatusUnauthorized},
		{"bearer key", []string{"secret"}, map[string]string{"Authorization": "Bearer secret"}, http.StatusNoContent},
		{"header key", []string{"secret"}, map[string]string{"X-API-Key": "secret"}, http.StatusNoContent},
		{"wrong key", []string{"secret"}, map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAPIKeyManager(tt.keys...).Middleware(ok)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/x/kill", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	m := NewAPIKeyManager()
	key, err := m.GenerateAPIKey("ops")
	if err != nil {
		t.Fatal(err)
	}
	if !m.ValidateAPIKey(key) || m.ValidateAPIKey(key+"x") {
		t.Error("key validation mismatch")
	}
}
