// Package chat merges chat events from the durable feed, the ephemeral
// broadcast channel and local optimistic echoes into one deduplicated,
// time-bounded message list, and implements the send path.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/graaaaa/livecast/internal/clock"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
)

// Queue tunables.
const (
	DefaultDebounce      = 100 * time.Millisecond
	DefaultDedupWindow   = time.Second
	DefaultMaxAge        = 30 * time.Second
	DefaultSweepInterval = time.Second
	DefaultHistoryLimit  = 50
)

// Resolver is the identity lookup used by the queue.
type Resolver interface {
	ResolveBatch(ctx context.Context, ids []string) map[string]identity.Record
	Peek(id string) (identity.Record, bool)
}

// Observer receives queue statistics.
type Observer interface {
	BatchProcessed(size, accepted, duplicates int, elapsed time.Duration)
	Expired(n int)
}

type nopObserver struct{}

func (nopObserver) BatchProcessed(int, int, int, time.Duration) {}
func (nopObserver) Expired(int)                                 {}

// Queue buffers incoming chat events and publishes them in debounced batches.
// It is safe for concurrent use.
type Queue struct {
	resolver      Resolver
	clock         clock.Clock
	logger        *slog.Logger
	observer      Observer
	onPublish     func([]event.ChatEvent)
	debounce      time.Duration
	dedupWindow   time.Duration
	maxAge        time.Duration
	sweepInterval time.Duration
	limit         int

	ctx    context.Context
	cancel context.CancelFunc

	// batchMu keeps batch passes strictly sequential.
	batchMu sync.Mutex

	mu        sync.Mutex
	pending   []event.ChatEvent
	timer     clock.Timer
	sweeper   clock.Timer
	published []event.ChatEvent
	seq       uint64
	stopped   bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock (for testing).
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observer = o
		}
	}
}

// WithOnPublish sets a callback invoked with a snapshot of the published
// list after every change. It runs outside the queue's locks.
func WithOnPublish(f func([]event.ChatEvent)) Option {
	return func(q *Queue) { q.onPublish = f }
}

// WithDebounce sets the batching delay.
func WithDebounce(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.debounce = d
		}
	}
}

// WithDedupWindow sets the fuzzy duplicate window.
func WithDedupWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.dedupWindow = d
		}
	}
}

// WithMaxAge sets how long a published event stays visible.
func WithMaxAge(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxAge = d
		}
	}
}

// WithHistoryLimit sets the maximum number of published events.
func WithHistoryLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

// NewQueue creates a Queue. Call Start to begin expiry sweeps.
func NewQueue(resolver Resolver, opts ...Option) *Queue {
	q := &Queue{
		resolver:      resolver,
		clock:         clock.Real,
		logger:        slog.Default(),
		observer:      nopObserver{},
		debounce:      DefaultDebounce,
		dedupWindow:   DefaultDedupWindow,
		maxAge:        DefaultMaxAge,
		sweepInterval: DefaultSweepInterval,
		limit:         DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Start begins the periodic expiry sweep.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.sweeper != nil {
		return
	}
	q.sweeper = clock.Every(q.clock, q.sweepInterval, q.sweep)
}

// Push adds an event to the pending buffer and restarts the debounce timer.
// Safe to call from any goroutine.
func (q *Queue) Push(ev event.ChatEvent) {
	if ev.SenderID == "" || ev.Content == "" {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = q.clock.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.pending = append(q.pending, ev)
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = q.clock.AfterFunc(q.debounce, q.flush)
}

// Flush processes the pending buffer immediately.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	q.mu.Unlock()
	q.flush()
}

// flush drains the pending buffer and runs one batch pass.
func (q *Queue) flush() {
	q.batchMu.Lock()
	defer q.batchMu.Unlock()

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.timer = nil
	stopped := q.stopped
	q.mu.Unlock()

	if stopped || len(batch) == 0 {
		return
	}
	start := q.clock.Now()

	records := q.resolver.ResolveBatch(q.ctx, unresolvedSenders(batch))

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	now := q.clock.Now()
	accepted, duplicates, stale := 0, 0, 0
	for _, ev := range batch {
		if idx := q.duplicateOfLocked(ev); idx >= 0 {
			q.reconcileLocked(idx, ev)
			duplicates++
			continue
		}
		if q.expired(ev, now) {
			stale++
			continue
		}
		if ev.Sender == nil {
			rec, ok := records[ev.SenderID]
			if !ok {
				rec = identity.FallbackRecord(ev.SenderID)
			}
			ev.Sender = &rec
		}
		q.seq++
		ev.Seq = q.seq
		ev.PublishedAt = now
		q.published = append(q.published, ev)
		accepted++
	}
	if over := len(q.published) - q.limit; over > 0 {
		q.published = append([]event.ChatEvent(nil), q.published[over:]...)
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if duplicates > 0 {
		q.logger.Debug("dropped duplicate chat events", "duplicates", duplicates)
	}
	if stale > 0 {
		q.observer.Expired(stale)
	}
	q.observer.BatchProcessed(len(batch), accepted, duplicates, q.clock.Now().Sub(start))
	if accepted > 0 && q.onPublish != nil {
		q.onPublish(snapshot)
	}
}

// unresolvedSenders returns the distinct sender ids of events that carry
// no identity yet, in first-seen order.
func unresolvedSenders(batch []event.ChatEvent) []string {
	seen := make(map[string]struct{}, len(batch))
	ids := make([]string, 0, len(batch))
	for _, ev := range batch {
		if ev.Sender != nil {
			continue
		}
		if _, ok := seen[ev.SenderID]; ok {
			continue
		}
		seen[ev.SenderID] = struct{}{}
		ids = append(ids, ev.SenderID)
	}
	return ids
}

// duplicateOfLocked returns the index of the published event ev duplicates,
// or -1. Must be called with mu held.
func (q *Queue) duplicateOfLocked(ev event.ChatEvent) int {
	for i := len(q.published) - 1; i >= 0; i-- {
		if IsDuplicate(q.published[i], ev, q.dedupWindow) {
			return i
		}
	}
	return -1
}

// reconcileLocked lets the published copy of an optimistic echo adopt the
// durable id once the feed delivers it. Must be called with mu held.
func (q *Queue) reconcileLocked(idx int, dup event.ChatEvent) {
	pub := &q.published[idx]
	if dup.Origin == event.OriginFeed && pub.Origin != event.OriginFeed && dup.ID != "" {
		if pub.ClientID == "" {
			pub.ClientID = pub.ID
		}
		pub.ID = dup.ID
		pub.Origin = event.OriginFeed
	}
}

// IsDuplicate reports whether b is the same logical message as a: the same
// id, or the same sender and content within window of each other.
func IsDuplicate(a, b event.ChatEvent, window time.Duration) bool {
	if b.ID != "" && (b.ID == a.ID || b.ID == a.ClientID) {
		return true
	}
	if b.ClientID != "" && (b.ClientID == a.ClientID || b.ClientID == a.ID) {
		return true
	}
	if a.SenderID != b.SenderID || a.Content != b.Content {
		return false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

// sweep evicts events created more than maxAge ago.
func (q *Queue) sweep() {
	now := q.clock.Now()

	q.mu.Lock()
	kept := q.published[:0:0]
	for _, ev := range q.published {
		if !q.expired(ev, now) {
			kept = append(kept, ev)
		}
	}
	evicted := len(q.published) - len(kept)
	if evicted > 0 {
		q.published = kept
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if evicted > 0 {
		q.observer.Expired(evicted)
		if q.onPublish != nil {
			q.onPublish(snapshot)
		}
	}
}

// expired measures age from CreatedAt, not from publication.
func (q *Queue) expired(ev event.ChatEvent, now time.Time) bool {
	return now.Sub(ev.CreatedAt) > q.maxAge
}

// Retract removes a pending or published event by id or client id.
// Used when an optimistic send fails to persist.
func (q *Queue) Retract(id string) bool {
	q.mu.Lock()
	removed := false
	pending := q.pending[:0:0]
	for _, ev := range q.pending {
		if ev.ID == id || ev.ClientID == id {
			removed = true
			continue
		}
		pending = append(pending, ev)
	}
	q.pending = pending
	published := q.published[:0:0]
	for _, ev := range q.published {
		if ev.ID == id || ev.ClientID == id {
			removed = true
			continue
		}
		published = append(published, ev)
	}
	q.published = published
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if removed && q.onPublish != nil {
		q.onPublish(snapshot)
	}
	return removed
}

// Messages returns the visible messages: unexpired, ordered by publication,
// and without senders that are currently ghosted. The ghost check uses the
// resolver's current record so a later change is reflected without
// re-ingestion.
func (q *Queue) Messages() []event.ChatEvent {
	now := q.clock.Now()
	all := q.All()
	out := make([]event.ChatEvent, 0, len(all))
	for _, ev := range all {
		if q.expired(ev, now) {
			continue
		}
		if cur, ok := q.resolver.Peek(ev.SenderID); ok {
			ev.Sender = &cur
		}
		if ev.Sender != nil && ev.Sender.IsGhost {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// All returns a copy of the published list without filtering.
func (q *Queue) All() []event.ChatEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// PendingLen returns the number of buffered events (for testing/monitoring).
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) snapshotLocked() []event.ChatEvent {
	return append([]event.ChatEvent(nil), q.published...)
}

// Stop cancels all timers and drops pending events. Safe to call multiple times.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.sweeper != nil {
		q.sweeper.Stop()
		q.sweeper = nil
	}
	q.pending = nil
	q.cancel()
}
