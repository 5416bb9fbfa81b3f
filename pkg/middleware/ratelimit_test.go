package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(perWindow, burst int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: perWindow,
		WindowDuration:    time.Second,
		BurstSize:         burst,
	})
	limiter.now = clock.now
	return limiter, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter, clock := newTestLimiter(10, 2)

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("client") {
			allowed++
		}
	}
	assert.Equal(t, 12, allowed)
	assert.False(t, limiter.Allow("client"))

	// one token per 100ms
	clock.t = clock.t.Add(250 * time.Millisecond)
	assert.True(t, limiter.Allow("client"))
	assert.True(t, limiter.Allow("client"))
	assert.False(t, limiter.Allow("client"))

	// the 50ms remainder is kept
	clock.t = clock.t.Add(50 * time.Millisecond)
	assert.True(t, limiter.Allow("client"))

	assert.True(t, limiter.Allow("other"))
}

func TestRateLimiter_RefillIsCapped(t *testing.T) {
	limiter, clock := newTestLimiter(10, 2)

	require.True(t, limiter.Allow("client"))
	clock.t = clock.t.Add(time.Hour)
	require.True(t, limiter.Allow("client"))
	assert.Equal(t, 11, limiter.Remaining("client"))
}

func TestRateLimiter_Remaining(t *testing.T) {
	limiter, _ := newTestLimiter(10, 2)

	assert.Equal(t, 12, limiter.Remaining("client"))
	limiter.Allow("client")
	assert.Equal(t, 11, limiter.Remaining("client"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter, clock := newTestLimiter(10, 2)

	limiter.Allow("stale")
	clock.t = clock.t.Add(time.Second)
	limiter.Allow("fresh")
	clock.t = clock.t.Add(1500 * time.Millisecond)

	limiter.Cleanup()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.buckets, "stale")
	assert.Contains(t, limiter.buckets, "fresh")
}

func TestRateLimiter_StartCleanupStopsWithContext(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	limiter.StartCleanup(ctx)

	limiter.Allow("client")
	require.Eventually(t, func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return len(limiter.buckets) == 0
	}, time.Second, 10*time.Millisecond)
	cancel()
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(1, 0)
	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/load", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")

	// a different port from the same host shares the bucket
	req.RemoteAddr = "10.0.0.1:6666"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	req.RemoteAddr = "10.0.0.2:5555"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(req))
}
