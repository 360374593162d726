// Package clock abstracts wall time and cancellable deferred callbacks so
// debounce, expiry and throttle logic can run against a virtual clock in tests.
package clock

import (
	"sync"
	"time"
)

// Timer allows stopping a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock uses the standard library.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

// realTimer wraps *time.Timer to implement Timer.
type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

// Real is the production clock.
var Real Clock = realClock{}

// Every schedules f every interval until the returned Timer is stopped.
// The next run is armed after f returns, so runs never overlap.
func Every(c Clock, interval time.Duration, f func()) Timer {
	r := &repeater{clock: c, interval: interval, fn: f}
	r.arm()
	return r
}

type repeater struct {
	clock    Clock
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	current Timer
	stopped bool
}

func (r *repeater) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.current = r.clock.AfterFunc(r.interval, r.tick)
}

func (r *repeater) tick() {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	r.fn()
	r.arm()
}

func (r *repeater) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.current != nil {
		r.current.Stop()
	}
	return true
}
