package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = addr
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	handler := RateLimit(NewMemoryLimiter(t.Context(), 5, time.Minute), nil)(okHandler())

	for i := range 5 {
		w := serve(handler, requestFrom("192.168.1.1:12345"))
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	handler := RateLimit(NewMemoryLimiter(t.Context(), 2, time.Minute), nil)(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serve(handler, requestFrom("10.0.0.1:9999")).Code)
	}

	w := serve(handler, requestFrom("10.0.0.1:9999"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Too many requests, please try again later", body["message"])
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	handler := RateLimit(NewMemoryLimiter(t.Context(), 1, time.Minute), nil)(okHandler())

	assert.Equal(t, http.StatusOK, serve(handler, requestFrom("10.0.0.1:1234")).Code)
	assert.Equal(t, http.StatusOK, serve(handler, requestFrom("10.0.0.2:1234")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, requestFrom("10.0.0.1:5678")).Code)
}

func TestRateLimit_CustomKey(t *testing.T) {
	byToken := func(r *http.Request) string { return r.Header.Get("Authorization") }
	handler := RateLimit(NewMemoryLimiter(t.Context(), 1, time.Minute), byToken)(okHandler())

	withToken := func(tok string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", tok)
		return req
	}

	assert.Equal(t, http.StatusOK, serve(handler, withToken("Bearer a")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, withToken("Bearer a")).Code)
	assert.Equal(t, http.StatusOK, serve(handler, withToken("Bearer b")).Code)
}

func TestClientIP(t *testing.T) {
	req := requestFrom("192.168.1.1:4444")
	assert.Equal(t, "192.168.1.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
	assert.Equal(t, "203.0.113.50", ClientIP(req))
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	l := NewMemoryLimiter(t.Context(), 4, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for range 4 {
		d, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// Halfway into the next window half of the previous count still applies.
	now = now.Add(90 * time.Second)
	for range 2 {
		d, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Two windows later everything is forgotten.
	now = now.Add(3 * time.Minute)
	d, err = l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
}

func TestMemoryLimiter_Evict(t *testing.T) {
	l := NewMemoryLimiter(t.Context(), 1, time.Minute)
	now := time.Now()
	_, _ = l.Allow(context.Background(), "k")

	l.evict(now.Add(3 * time.Minute))
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.windows)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLimiter(client, 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	d, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), d.ResetAt.UTC())

	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	now = now.Add(time.Minute)
	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	handler := RateLimit(NewRedisLimiter(client, 1, time.Minute), nil)(okHandler())
	for range 3 {
		assert.Equal(t, http.StatusOK, serve(handler, requestFrom("10.0.0.1:1")).Code)
	}
}
