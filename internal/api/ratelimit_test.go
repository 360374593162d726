package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeNow is a manually advanced time source.
type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestRateLimiter_Allow(t *testing.T) {
	clock := newFakeNow()
	rl := NewRateLimiter(RateLimiterConfig{Rate: 10, Burst: 5, CleanupInterval: time.Hour, Now: clock.Now})
	defer rl.Stop()

	ip := "192.168.1.100"
	for i := 0; i < 5; i++ {
		if !rl.Allow(ip) {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow(ip) {
		t.Error("6th request should be denied")
	}

	// 10/s refills one token every 100ms.
	clock.Advance(100 * time.Millisecond)
	if !rl.Allow(ip) {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_DifferentIPs(t *testing.T) {
	clock := newFakeNow()
	rl := NewRateLimiter(RateLimiterConfig{Rate: 10, Burst: 2, CleanupInterval: time.Hour, Now: clock.Now})
	defer rl.Stop()

	rl.Allow("192.168.1.100")
	rl.Allow("192.168.1.100")
	if rl.Allow("192.168.1.100") {
		t.Error("ip1 should be rate limited")
	}
	if !rl.Allow("192.168.1.101") {
		t.Error("ip2 should be allowed")
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	clock := newFakeNow()
	rl := NewRateLimiter(RateLimiterConfig{Rate: 10, Burst: 2, CleanupInterval: time.Minute, Now: clock.Now})
	defer rl.Stop()

	rl.Allow("192.168.1.100")
	clock.Advance(90 * time.Second)
	rl.Allow("192.168.1.101")
	clock.Advance(45 * time.Second)

	rl.prune()
	if rl.Len() != 1 {
		t.Errorf("expected 1 visitor after prune, got %d", rl.Len())
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	clock := newFakeNow()
	rl := NewRateLimiter(RateLimiterConfig{Rate: 10, Burst: 2, CleanupInterval: time.Hour, Now: clock.Now})
	defer rl.Stop()

	handler := rl.Middleware(okHandler)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Errorf("request %d: expected %d, got %d", i+1, want, rec.Code)
		}
		if i == 2 && rec.Header().Get("Retry-After") != "1" {
			t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
		}
	}
}

func TestAuthFailureLimiter_Lockout(t *testing.T) {
	clock := newFakeNow()
	afl := NewAuthFailureLimiter(AuthFailureLimiterConfig{
		MaxFailures:   3,
		Window:        time.Minute,
		LockoutPeriod: 10 * time.Minute,
		Now:           clock.Now,
	})

	ip := "192.168.1.100"
	if got := afl.RecordFailure(ip); got != 2 {
		t.Errorf("expected 2 remaining, got %d", got)
	}
	afl.RecordFailure(ip)
	if got := afl.RecordFailure(ip); got != -1 {
		t.Errorf("expected lockout (-1), got %d", got)
	}
	if !afl.IsLocked(ip) {
		t.Error("ip should be locked")
	}
	if got := afl.LockoutSecondsRemaining(ip); got != 600 {
		t.Errorf("expected 600s remaining, got %d", got)
	}

	clock.Advance(10*time.Minute + time.Second)
	if afl.IsLocked(ip) {
		t.Error("lockout should have expired")
	}
	if got := afl.RecordFailure(ip); got != 2 {
		t.Errorf("failure after lockout should start a new window, got %d remaining", got)
	}
}

func TestAuthFailureLimiter_WindowReset(t *testing.T) {
	clock := newFakeNow()
	afl := NewAuthFailureLimiter(AuthFailureLimiterConfig{MaxFailures: 2, Window: time.Minute, LockoutPeriod: time.Minute, Now: clock.Now})

	afl.RecordFailure("ip")
	clock.Advance(2 * time.Minute)
	if got := afl.RecordFailure("ip"); got != 1 {
		t.Errorf("failure outside the window should reset the count, got %d remaining", got)
	}
}

func TestAuthFailureLimiter_SuccessClears(t *testing.T) {
	afl := NewAuthFailureLimiter(AuthFailureLimiterConfig{MaxFailures: 2, Window: time.Minute, LockoutPeriod: time.Minute})

	afl.RecordFailure("ip")
	afl.RecordSuccess("ip")
	if got := afl.RecordFailure("ip"); got != 1 {
		t.Errorf("expected count reset after success, got %d remaining", got)
	}
}
