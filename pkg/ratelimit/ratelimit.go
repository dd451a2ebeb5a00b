// Package ratelimit is the admission layer: fixed 15-minute windows
// per client IP and operation class, counted in the kv store so every
// instance shares the same budget.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/metrics"
)

// Window is the fixed counting window.
const Window = 15 * time.Minute

// Class buckets an endpoint by the damage an abusive caller can do.
type Class string

const (
	ClassRead           Class = "read"
	ClassWrite          Class = "write"
	ClassWriteSensitive Class = "write-sensitive"
	ClassExpensive      Class = "expensive"
	ClassDestructive    Class = "destructive"
)

// Requests allowed per class within one window.
var limits = map[Class]int{
	ClassRead:           100,
	ClassWrite:          30,
	ClassWriteSensitive: 20,
	ClassExpensive:      25,
	ClassDestructive:    5,
}

// Limit returns the per-window budget for a class.
func Limit(class Class) int {
	if n, ok := limits[class]; ok {
		return n
	}
	return limits[ClassRead]
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests in the kv store with set-with-TTL semantics.
// A store outage fails open: serving without limits beats serving 500s.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewLimiter creates an admission limiter on an established kv client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		client: client,
		logger: log.WithComponent("ratelimit"),
		now:    time.Now,
	}
}

// Allow counts one request against (ip, class) and decides admission.
// The first request of a window sets the TTL; the counter vanishes
// with it, which is what resets the budget.
func (l *Limiter) Allow(ctx context.Context, ip string, class Class) (*Decision, error) {
	limit := Limit(class)
	key := fmt.Sprintf("ratelimit:%s:%s", class, ip)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, Window).Err(); err != nil {
			return nil, err
		}
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = Window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   l.now().Add(ttl),
	}, nil
}

// Middleware enforces the class budget on every request, advertising
// the remaining budget in standard headers.
func (l *Limiter) Middleware(class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := l.Allow(r.Context(), ClientIP(r), class)
			if err != nil {
				l.logger.Warn().Err(err).Msg("admission check failed, failing open")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(string(class)).Inc()
				retryIn := time.Until(decision.ResetAt).Round(time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(int(retryIn.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate limit exceeded",
					"details": fmt.Sprintf("retry in %s", retryIn),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the caller address, honoring the first hop of
// X-Forwarded-For when present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
