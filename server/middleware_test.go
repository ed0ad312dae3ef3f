package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestTokenAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		token          string
		reqToken       string
		bearer         string
		expectedStatus int
	}{
		{name: "no token configured - allows request", expectedStatus: http.StatusOK},
		{name: "valid header token", token: "s3cret", reqToken: "s3cret", expectedStatus: http.StatusOK},
		{name: "valid bearer token", token: "s3cret", bearer: "s3cret", expectedStatus: http.StatusOK},
		{name: "wrong token", token: "s3cret", reqToken: "nope", expectedStatus: http.StatusUnauthorized},
		{name: "missing token", token: "s3cret", expectedStatus: http.StatusUnauthorized},
		{name: "header takes precedence over bearer", token: "s3cret", reqToken: "nope", bearer: "s3cret", expectedStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := tokenAuth(okHandler(), tt.token)
			req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
			if tt.reqToken != "" {
				req.Header.Set(tokenHeader, tt.reqToken)
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newIPRateLimiter(3, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("request 4 should be denied (rate limit exceeded)")
	}
	if !limiter.allow("192.168.1.2") {
		t.Error("a different IP has its own window")
	}

	now = now.Add(61 * time.Second)
	if !limiter.allow("192.168.1.1") {
		t.Error("request after window expiry should be allowed")
	}

	now = now.Add(2 * time.Minute)
	limiter.cleanup()
	if n := len(limiter.visitors); n != 0 {
		t.Errorf("expected stale visitors to be removed, %d left", n)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d should be allowed when rate limiter is disabled", i+1)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newIPRateLimiter(1, time.Minute)
	handler := rateLimitMiddleware(okHandler(), limiter)

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send(""); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	if code := send(""); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
	if code := send("203.0.113.7, 10.0.0.1"); code != http.StatusOK {
		t.Fatalf("forwarded client: expected 200, got %d", code)
	}
}

func TestMethodOnly(t *testing.T) {
	h := methodOnly(http.MethodPost, okHandler().ServeHTTP)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/refresh", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if got := rr.Header().Get("Allow"); got != http.MethodPost {
		t.Fatalf("expected Allow POST, got %q", got)
	}
}
