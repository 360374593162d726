package amqpbus

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures exponential reconnect backoff.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 to 1.0
}

// DefaultBackoffConfig is used when no backoff is configured.
var DefaultBackoffConfig = BackoffConfig{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
	JitterFactor: 0.2,
}

// backoff calculates exponential backoff with jitter.
// It owns its RNG so tests can seed it.
type backoff struct {
	cfg BackoffConfig
	rng *rand.Rand
	mu  sync.Mutex
}

func newBackoff(cfg BackoffConfig, seed int64) *backoff {
	return &backoff{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// delay returns the wait before reconnect attempt n (0-indexed).
func (b *backoff) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if d > float64(b.cfg.MaxDelay) {
		d = float64(b.cfg.MaxDelay)
	}

	if b.cfg.JitterFactor > 0 {
		b.mu.Lock()
		jitter := d * b.cfg.JitterFactor * (b.rng.Float64()*2 - 1)
		b.mu.Unlock()
		d += jitter
	}
	return time.Duration(max(d, 0))
}
