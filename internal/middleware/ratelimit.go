package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerMinute is the default per-client request budget.
	DefaultRequestsPerMinute = 100

	// DefaultMaxTrackedClients bounds the number of tracked clients to
	// prevent unbounded memory growth.
	DefaultMaxTrackedClients = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks request budgets per authenticated client using token
// buckets that refill at the configured per-minute rate.
type RateLimiter struct {
	mu                sync.Mutex
	entries           map[string]*clientEntry
	perMinute         int
	maxTrackedClients int
	cancel            context.CancelFunc
}

// NewRateLimiter creates a per-client rate limiter allowing perMinute
// requests per minute. Pass 0 to use DefaultRequestsPerMinute.
func NewRateLimiter(ctx context.Context, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:           make(map[string]*clientEntry),
		perMinute:         perMinute,
		maxTrackedClients: DefaultMaxTrackedClients,
		cancel:            cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow consumes one token for clientID and reports whether the request is
// within budget, along with the remaining token count.
func (rl *RateLimiter) Allow(clientID string) (allowed bool, remaining int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e := rl.getOrCreateEntryLocked(clientID, time.Now())
	allowed = e.limiter.Allow()
	remaining = int(e.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// Limit returns the configured per-minute budget.
func (rl *RateLimiter) Limit() int {
	return rl.perMinute
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// Middleware enforces the rate limit per authenticated client, falling back
// to the remote address when no client id is on the context. Responses carry
// X-RateLimit-Limit and X-RateLimit-Remaining headers; over-budget requests
// get a 429 with the standard error envelope.
func (rl *RateLimiter) Middleware(opts ...RateLimitOption) func(http.Handler) http.Handler {
	cfg := rateLimitConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, ok := ClientIDFromContext(r.Context())
			if !ok {
				clientID = ExtractIP(r.RemoteAddr)
			}

			allowed, remaining := rl.Allow(clientID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				if cfg.onLimited != nil {
					cfg.onLimited()
				}
				writeRateLimited(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitOption configures optional rate limit middleware parameters.
type RateLimitOption func(*rateLimitConfig)

type rateLimitConfig struct {
	onLimited func()
}

// WithOnRateLimited registers a callback invoked whenever a request is
// rejected for being over budget.
func WithOnRateLimited(fn func()) RateLimitOption {
	return func(c *rateLimitConfig) { c.onLimited = fn }
}

func (rl *RateLimiter) getOrCreateEntryLocked(clientID string, now time.Time) *clientEntry {
	e, ok := rl.entries[clientID]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedClients {
			rl.evictOldestLocked()
		}
		r := rate.Limit(float64(rl.perMinute) / 60.0)
		e = &clientEntry{
			limiter:  rate.NewLimiter(r, rl.perMinute),
			lastSeen: now,
		}
		rl.entries[clientID] = e
	}
	e.lastSeen = now
	return e
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for clientID, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, clientID)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestClient string
	var oldestTime time.Time
	first := true
	for clientID, e := range rl.entries {
		if first || e.lastSeen.Before(oldestTime) {
			oldestClient = clientID
			oldestTime = e.lastSeen
			first = false
		}
	}
	if oldestClient != "" {
		delete(rl.entries, oldestClient)
	}
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "rate_limit_exceeded",
			"message": "Rate limit exceeded",
		},
	})
}
