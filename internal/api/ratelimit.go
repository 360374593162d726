package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-IP token bucket rate limiting.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	stopOnce sync.Once
	done     chan struct{}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Rate is requests per second allowed.
	Rate float64
	// Burst is the maximum burst size.
	Burst int
	// CleanupInterval is how often idle visitors are forgotten.
	CleanupInterval time.Duration
	// Now overrides the time source; nil means time.Now.
	Now func() time.Time
}

// DefaultRateLimiterConfig returns the limits used in LAN mode. Overlays
// poll a handful of endpoints, so 20 requests/second with a burst of 40
// leaves room for several displays behind one address.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            20,
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewRateLimiter creates a RateLimiter and starts its cleanup goroutine.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		idle:     cfg.CleanupInterval,
		now:      cfg.Now,
		done:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Len returns the number of tracked visitors.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.prune()
		case <-rl.done:
			return
		}
	}
}

// prune forgets visitors idle for two cleanup intervals.
func (rl *RateLimiter) prune() {
	threshold := rl.now().Add(-2 * rl.idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(threshold) {
			delete(rl.visitors, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.done)
	})
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(extractIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP returns the client IP. RemoteAddr is trusted: the relay is
// reached directly on the LAN, not through a proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthFailureLimiter locks out addresses after repeated failed logins.
type AuthFailureLimiter struct {
	mu       sync.Mutex
	failures map[string]*authFailure
	maxFails int
	window   time.Duration
	lockout  time.Duration
	now      func() time.Time
}

type authFailure struct {
	count    int
	firstAt  time.Time
	lockedAt time.Time
}

// AuthFailureLimiterConfig configures auth failure limiting.
type AuthFailureLimiterConfig struct {
	MaxFailures   int           // failures before lockout
	Window        time.Duration // window for counting failures
	LockoutPeriod time.Duration // lockout length
	Now           func() time.Time
}

// DefaultAuthFailureLimiterConfig returns the production limits.
func DefaultAuthFailureLimiterConfig() AuthFailureLimiterConfig {
	return AuthFailureLimiterConfig{
		MaxFailures:   5,
		Window:        5 * time.Minute,
		LockoutPeriod: 15 * time.Minute,
	}
}

// NewAuthFailureLimiter creates an AuthFailureLimiter.
func NewAuthFailureLimiter(cfg AuthFailureLimiterConfig) *AuthFailureLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AuthFailureLimiter{
		failures: make(map[string]*authFailure),
		maxFails: cfg.MaxFailures,
		window:   cfg.Window,
		lockout:  cfg.LockoutPeriod,
		now:      cfg.Now,
	}
}

// IsLocked reports whether ip is locked out.
func (afl *AuthFailureLimiter) IsLocked(ip string) bool {
	return afl.remaining(ip) > 0
}

// RecordFailure records a failed attempt and returns the attempts left, or
// -1 if ip is now locked out.
func (afl *AuthFailureLimiter) RecordFailure(ip string) int {
	afl.mu.Lock()
	defer afl.mu.Unlock()

	now := afl.now()
	f, ok := afl.failures[ip]
	expired := ok && !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= afl.lockout
	if !ok || expired || now.Sub(f.firstAt) > afl.window {
		f = &authFailure{firstAt: now}
		afl.failures[ip] = f
	}
	f.count++
	if f.count >= afl.maxFails {
		f.lockedAt = now
		return -1
	}
	return afl.maxFails - f.count
}

// RecordSuccess clears the failure record for ip.
func (afl *AuthFailureLimiter) RecordSuccess(ip string) {
	afl.mu.Lock()
	defer afl.mu.Unlock()
	delete(afl.failures, ip)
}

// LockoutSecondsRemaining returns the whole seconds until ip's lockout
// ends, rounded up, or 0.
func (afl *AuthFailureLimiter) LockoutSecondsRemaining(ip string) int {
	d := afl.remaining(ip)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func (afl *AuthFailureLimiter) remaining(ip string) time.Duration {
	afl.mu.Lock()
	defer afl.mu.Unlock()

	f, ok := afl.failures[ip]
	if !ok || f.lockedAt.IsZero() {
		return 0
	}
	return afl.lockout - afl.now().Sub(f.lockedAt)
}
