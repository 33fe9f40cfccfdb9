package httpmiddleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client token bucket rate limiter.
type RateLimitConfig struct {
	// Max is the bucket capacity and the number of requests refilled per
	// Window.
	Max int
	// Window is the period over which Max requests are refilled.
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request.
	// If nil, the client IP address is used.
	KeyFunc func(*http.Request) string
}

// bucket holds one client's remaining tokens and the last refill instant.
type bucket struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	cfg     RateLimitConfig
	rate    float64 // tokens per second
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	return &rateLimiter{
		cfg:     cfg,
		rate:    float64(cfg.Max) / cfg.Window.Seconds(),
		buckets: make(map[string]*bucket),
	}
}

// take attempts to consume one token for key. It returns the remaining
// whole tokens and whether the request is allowed.
func (rl *rateLimiter) take(key string, now time.Time) (remaining int, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.Max), last: now}
		rl.buckets[key] = b
	}

	b.tokens = math.Min(float64(rl.cfg.Max), b.tokens+now.Sub(b.last).Seconds()*rl.rate)
	b.last = now

	if b.tokens < 1 {
		return 0, false
	}
	b.tokens--
	return int(b.tokens), true
}

// evict drops buckets that have been idle long enough to be full again.
func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.last) >= rl.cfg.Window {
			delete(rl.buckets, key)
		}
	}
}

// RateLimit returns a middleware enforcing a per-client token bucket limit.
// Rejected requests get 429 with a Retry-After hint; every response carries
// X-RateLimit-Limit and X-RateLimit-Remaining. A background goroutine
// evicts idle clients until ctx is cancelled.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)

	go func() {
		ticker := time.NewTicker(cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.evict(now)
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, allowed := rl.take(rl.cfg.KeyFunc(r), time.Now())

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/rl.rate))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code":    http.StatusTooManyRequests,
					"message": "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP, preferring X-Forwarded-For, then
// X-Real-IP, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
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
