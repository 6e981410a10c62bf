package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// KeyFunc extracts the rate limit key from a request.
type KeyFunc func(*http.Request) string

// RateLimit rejects requests over the limiter's budget with 429 and the
// error envelope. Every response carries X-RateLimit-* headers. When the
// limiter itself fails the request is let through.
func RateLimit(l Limiter, key KeyFunc) Middleware {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), key(r))
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retryAfter := max(time.Until(d.ResetAt), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by the first X-Forwarded-For hop, then X-Real-IP,
// then the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MemoryLimiter is a per-process sliding window limiter. The previous
// window's count is weighted by how much of it still overlaps.
type MemoryLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	start time.Time
	curr  float64
	prev  float64
}

// NewMemoryLimiter creates a limiter and evicts idle keys every two windows
// until ctx is done.
func NewMemoryLimiter(ctx context.Context, limit int, window time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		max:     limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*slidingWindow),
	}
	go l.evictLoop(ctx)
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	sw, ok := l.windows[key]
	if !ok {
		sw = &slidingWindow{start: now.Truncate(l.window)}
		l.windows[key] = sw
	}
	if elapsed := now.Sub(sw.start); elapsed >= l.window {
		sw.prev = sw.curr
		if elapsed >= 2*l.window {
			sw.prev = 0
		}
		sw.curr = 0
		sw.start = now.Truncate(l.window)
	}

	overlap := 1 - now.Sub(sw.start).Seconds()/l.window.Seconds()
	used := sw.prev*max(overlap, 0) + sw.curr

	d := Decision{Limit: l.max, ResetAt: sw.start.Add(l.window)}
	if used >= float64(l.max) {
		return d, nil
	}
	sw.curr++
	d.Allowed = true
	d.Remaining = max(int(float64(l.max)-used-1), 0)
	return d, nil
}

func (l *MemoryLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *MemoryLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, sw := range l.windows {
		if now.Sub(sw.start) >= 2*l.window {
			delete(l.windows, key)
		}
	}
}

// RedisLimiter is a fixed window limiter shared by all replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, max: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	slot := now.UnixNano() / int64(l.window)
	redisKey := "ratelimit:" + key + ":" + strconv.FormatInt(slot, 10)

	var incr *redis.IntCmd
	if _, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.Expire(ctx, redisKey, 2*l.window)
		return nil
	}); err != nil {
		return Decision{}, errors.Wrap(err, "count request")
	}

	used := int(incr.Val())
	return Decision{
		Allowed:   used <= l.max,
		Limit:     l.max,
		Remaining: max(l.max-used, 0),
		ResetAt:   time.Unix(0, (slot+1)*int64(l.window)),
	}, nil
}
