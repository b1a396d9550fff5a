package internal

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL      = 10 * time.Minute
	defaultCleanupEvery = 100
)

// limiterEntry is the token bucket of one client IP.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per client IP for the webhook endpoint.
// Each bucket refills limit tokens per window and holds at most limit.
type RateLimiter struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	perIP        rate.Limit
	burst        int
	idleTTL      time.Duration
	requestCount int
	cleanupEvery int
	now          func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	idle := defaultIdleTTL
	if window > idle {
		idle = window
	}
	return &RateLimiter{
		entries:      make(map[string]*limiterEntry),
		perIP:        rate.Every(window / time.Duration(limit)),
		burst:        limit,
		idleTTL:      idle,
		cleanupEvery: defaultCleanupEvery,
		now:          time.Now,
	}
}

// Allow reports whether ip has a token left.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	now := rl.now()

	// idle entries are evicted lazily, no background goroutine
	rl.requestCount++
	if rl.requestCount >= rl.cleanupEvery {
		rl.evictIdle(now)
		rl.requestCount = 0
	}

	entry := rl.entries[ip]
	if entry == nil {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.perIP, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	for ip, entry := range rl.entries {
		if now.Sub(entry.lastSeen) > rl.idleTTL {
			delete(rl.entries, ip)
		}
	}
}

// Size returns the number of tracked IPs.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of RemoteAddr. Forwarding headers are not
// read here; behind a trusted proxy the router rewrites RemoteAddr first.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
