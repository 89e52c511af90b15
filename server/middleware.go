package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
)

// RateLimitConfig tunes per-client request throttling. A zero value disables
// the middleware.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate allowed per client.
	RequestsPerMinute int

	// Burst is the short-term allowance above the sustained rate. Zero
	// defaults to RequestsPerMinute.
	Burst int

	// EntryTTL is how long an idle client's limiter is remembered.
	EntryTTL time.Duration

	// CleanupInterval is how often idle limiter entries are dropped.
	CleanupInterval time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter tracks one token bucket per client key. Cleanup happens inline
// on the request path when the interval has elapsed, so there is no extra
// goroutine to manage.
type rateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	interval time.Duration

	mu        sync.Mutex
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &rateLimiter{
		limit:     rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:     burst,
		ttl:       ttl,
		interval:  interval,
		entries:   make(map[string]*limiterEntry),
		lastSweep: time.Now(),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.interval {
		for k, e := range rl.entries {
			if now.Sub(e.lastSeen) > rl.ttl {
				delete(rl.entries, k)
			}
		}
		rl.lastSweep = now
	}

	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// rateLimitMiddleware throttles requests per client IP. Disabled configs
// return the handler unchanged.
func rateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := newRateLimiter(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if !rl.allow(key) {
				logger.Warn("Rate limit exceeded", "client", key, "path", r.URL.Path)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller's address, trusting proxy headers when
// present.
func clientIP(r *http.Request) string {
	if v := headerToken(r, "X-Forwarded-For"); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
