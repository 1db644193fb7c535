package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimitConfig(r rate.Limit, burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	}
}

func TestIPRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewIPRateLimiter(testRateLimitConfig(1, 3))
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("request beyond burst should be denied")
	}
}

func TestIPRateLimiterIsolatesClients(t *testing.T) {
	rl := NewIPRateLimiter(testRateLimitConfig(1, 1))
	defer rl.Stop()

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first client should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("first client burst should be spent")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("second client should have its own limiter")
	}
}

func TestIPRateLimiterCleanupEvictsStale(t *testing.T) {
	rl := NewIPRateLimiter(testRateLimitConfig(1, 1))
	defer rl.Stop()

	rl.Allow("10.0.0.1")

	rl.mu.Lock()
	rl.entries["10.0.0.1"].lastSeen = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	_, present := rl.entries["10.0.0.1"]
	rl.mu.Unlock()
	if present {
		t.Fatal("stale entry should have been evicted")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewIPRateLimiter(testRateLimitConfig(1, 1))
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:54321"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatal("expected Retry-After header")
	}
}

func TestExtractIPStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := extractIP(req); got != "192.0.2.7" {
		t.Fatalf("expected 192.0.2.7, got %s", got)
	}

	req.RemoteAddr = "192.0.2.7"
	if got := extractIP(req); got != "192.0.2.7" {
		t.Fatalf("expected passthrough without port, got %s", got)
	}
}
