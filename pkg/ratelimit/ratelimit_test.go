package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), mr
}

// The (N+1)-th request of a class inside one window is rejected; the
// window expiry restores the budget.
func TestFixedWindowBudget(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	limit := Limit(ClassDestructive)
	require.Equal(t, 5, limit)

	for i := 0; i < limit; i++ {
		d, err := l.Allow(ctx, "10.0.0.1", ClassDestructive)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, limit-i-1, d.Remaining)
	}

	d, err := l.Allow(ctx, "10.0.0.1", ClassDestructive)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	// Another caller has an untouched budget
	d, err = l.Allow(ctx, "10.0.0.2", ClassDestructive)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Classes count independently
	d, err = l.Allow(ctx, "10.0.0.1", ClassRead)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Window expiry resets the counter
	mr.FastForward(Window + time.Second)
	d, err = l.Allow(ctx, "10.0.0.1", ClassDestructive)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, limit-1, d.Remaining)
}

func TestClassLimits(t *testing.T) {
	assert.Equal(t, 100, Limit(ClassRead))
	assert.Equal(t, 30, Limit(ClassWrite))
	assert.Equal(t, 20, Limit(ClassWriteSensitive))
	assert.Equal(t, 25, Limit(ClassExpensive))
	assert.Equal(t, 5, Limit(ClassDestructive))
	// Unknown classes fall back to the read budget
	assert.Equal(t, 100, Limit(Class("mystery")))
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t)

	handler := l.Middleware(ClassDestructive)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/cmdb/database/clear", nil)
		req.RemoteAddr = ip + ":12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		rec := do("192.168.1.9")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := do("192.168.1.9")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:9999"
	assert.Equal(t, "10.1.2.3", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}
