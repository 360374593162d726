// Package presence tracks who is in a stream's presence channel and derives
// the viewer count. The host additionally persists the count, throttled;
// everyone else follows the persisted value from the change feed.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/graaaaa/livecast/internal/clock"
	"github.com/graaaaa/livecast/internal/event"
)

const (
	// DefaultWriteInterval is the minimum gap between two persisted counts.
	DefaultWriteInterval = 15 * time.Second

	// DefaultHeartbeatInterval is how often the host touches last_seen.
	DefaultHeartbeatInterval = 30 * time.Second
)

// CountWriter persists the viewer count of a stream.
type CountWriter interface {
	SetViewerCount(ctx context.Context, streamID string, count int) error
}

// HeartbeatWriter marks a stream as live. A CountWriter that also
// implements HeartbeatWriter gets periodic heartbeats.
type HeartbeatWriter interface {
	TouchLastSeen(ctx context.Context, streamID string) error
}

// Observer receives presence statistics.
type Observer interface {
	ViewerCount(streamID string, n int)
	CountWritten(streamID string, err error)
}

// Tracker mirrors presence channel membership. It is safe for concurrent use.
type Tracker struct {
	streamID          string
	clock             clock.Clock
	logger            *slog.Logger
	writer            CountWriter
	writeInterval     time.Duration
	heartbeatInterval time.Duration
	onEntrance        func(event.Member)
	onChange          func(count int)
	observer          Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	members     map[string]event.Member
	seen        map[string]struct{}
	lastWrite   time.Time
	lastWritten int
	trailing    clock.Timer
	heartbeat   clock.Timer
	stopped     bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock (for testing).
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithHost makes this tracker the stream's host: it persists the count
// through w, at most once per write interval.
func WithHost(w CountWriter) Option {
	return func(t *Tracker) { t.writer = w }
}

// WithWriteInterval sets the throttle interval for host writes.
func WithWriteInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.writeInterval = d
		}
	}
}

// WithHeartbeatInterval sets the host heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.heartbeatInterval = d
		}
	}
}

// WithOnEntrance sets a callback for members seen for the first time in
// this session.
func WithOnEntrance(f func(event.Member)) Option {
	return func(t *Tracker) { t.onEntrance = f }
}

// WithOnChange sets a callback invoked with the new count after each sync.
func WithOnChange(f func(count int)) Option {
	return func(t *Tracker) { t.onChange = f }
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// NewTracker creates a Tracker for one stream.
func NewTracker(streamID string, opts ...Option) *Tracker {
	t := &Tracker{
		streamID:          streamID,
		clock:             clock.Real,
		logger:            slog.Default(),
		writeInterval:     DefaultWriteInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		members:           make(map[string]event.Member),
		seen:              make(map[string]struct{}),
		lastWritten:       -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// IsHost reports whether this tracker persists the count.
func (t *Tracker) IsHost() bool {
	return t.writer != nil
}

// Start begins host heartbeats. It is a no-op for non-hosts.
func (t *Tracker) Start() {
	hb, ok := t.writer.(HeartbeatWriter)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.heartbeat != nil {
		return
	}
	t.heartbeat = clock.Every(t.clock, t.heartbeatInterval, func() {
		if err := hb.TouchLastSeen(t.ctx, t.streamID); err != nil {
			t.logger.Warn("heartbeat failed", "stream_id", t.streamID, "err", err)
		}
	})
}

// Sync replaces the membership with a full snapshot from the channel.
func (t *Tracker) Sync(members []event.Member) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	next := make(map[string]event.Member, len(members))
	for _, m := range members {
		if m.UserID == "" {
			continue
		}
		if prev, ok := t.members[m.UserID]; ok && m.JoinedAt.IsZero() {
			m.JoinedAt = prev.JoinedAt
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = now
		}
		next[m.UserID] = m
	}
	t.members = next
	t.afterSyncLocked()
}

// Join adds or updates one member.
func (t *Tracker) Join(m event.Member) {
	if m.UserID == "" {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = t.clock.Now()
	}
	t.members[m.UserID] = m
	t.afterSyncLocked()
}

// Leave removes one member.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.members, userID)
	t.afterSyncLocked()
}

// afterSyncLocked recomputes derived state and releases mu.
func (t *Tracker) afterSyncLocked() {
	var entrances []event.Member
	for id, m := range t.members {
		if _, ok := t.seen[id]; !ok {
			t.seen[id] = struct{}{}
			entrances = append(entrances, m)
		}
	}
	sort.Slice(entrances, func(i, j int) bool { return entrances[i].JoinedAt.Before(entrances[j].JoinedAt) })
	count := len(t.members)
	write := t.scheduleWriteLocked(t.clock.Now())
	t.mu.Unlock()

	if t.observer != nil {
		t.observer.ViewerCount(t.streamID, count)
	}
	if t.onEntrance != nil {
		for _, m := range entrances {
			t.onEntrance(m)
		}
	}
	if t.onChange != nil {
		t.onChange(count)
	}
	if write {
		t.write(count)
	}
}

// scheduleWriteLocked decides whether the host writes now. Inside the
// throttle window it arms a trailing write for the window's end instead.
// Must be called with mu held.
func (t *Tracker) scheduleWriteLocked(now time.Time) bool {
	if t.writer == nil || t.stopped {
		return false
	}
	if len(t.members) == t.lastWritten {
		return false
	}
	if t.lastWrite.IsZero() || now.Sub(t.lastWrite) >= t.writeInterval {
		t.lastWrite = now
		return true
	}
	if t.trailing == nil {
		wait := t.writeInterval - now.Sub(t.lastWrite)
		t.trailing = t.clock.AfterFunc(wait, t.flushTrailing)
	}
	return false
}

func (t *Tracker) flushTrailing() {
	t.mu.Lock()
	t.trailing = nil
	write := t.scheduleWriteLocked(t.clock.Now())
	count := len(t.members)
	t.mu.Unlock()

	if write {
		t.write(count)
	}
}

// write persists count. A failure is retried on the next window.
func (t *Tracker) write(count int) {
	err := t.writer.SetViewerCount(t.ctx, t.streamID, count)
	if t.observer != nil {
		t.observer.CountWritten(t.streamID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.logger.Warn("persist viewer count failed",
			"stream_id", t.streamID,
			"count", count,
			"err", err,
		)
		if !t.stopped && t.trailing == nil {
			t.trailing = t.clock.AfterFunc(t.writeInterval, t.flushTrailing)
		}
		return
	}
	t.lastWritten = count
}

// ViewerCount returns the live count from channel membership.
func (t *Tracker) ViewerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// Members returns the members ordered by join time.
func (t *Tracker) Members() []event.Member {
	t.mu.Lock()
	out := make([]event.Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Stop cancels the trailing write and heartbeat. Safe to call multiple times.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.trailing != nil {
		t.trailing.Stop()
		t.trailing = nil
	}
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	t.cancel()
}
