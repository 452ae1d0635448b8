package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// With rate.NewLimiter(10, 2), the limiter starts with 2 tokens in the bucket
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be rate limited")
	}
	if !limiter.Allow("other-key") {
		t.Error("Other keys have their own bucket")
	}

	// Wait for token refill (10 req/s = 100ms per token)
	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("test-key") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrappedHandler := limiter.Middleware(func(r *http.Request) string {
		return "test-key"
	})(handler)

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		rr := httptest.NewRecorder()
		wrappedHandler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))
		if rr.Code != want {
			t.Errorf("request %d: got status %d, want %d", i+1, rr.Code, want)
		}
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 2)
	base := time.Now()
	limiter.now = func() time.Time { return base }
	limiter.Allow("old")

	limiter.now = func() time.Time { return base.Add(time.Hour) }
	limiter.Allow("fresh")

	if removed := limiter.CleanupOldLimiters(time.Minute); removed != 1 {
		t.Errorf("removed %d limiters, want 1", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("Len = %d, want 1", limiter.Len())
	}
}

func TestEvery(t *testing.T) {
	lim := Every(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := lim.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("three waits took %v, expected at least two intervals", elapsed)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		expectedKey   string
	}{
		{
			name:        "Direct connection",
			remoteAddr:  "192.168.1.1:12345",
			expectedKey: "192.168.1.1",
		},
		{
			name:          "Behind proxy",
			remoteAddr:    "127.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.1",
			expectedKey:   "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			if key := IPKeyFunc(req); key != tt.expectedKey {
				t.Errorf("Expected key %s, got %s", tt.expectedKey, key)
			}
		})
	}
}
