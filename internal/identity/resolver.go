package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/graaaaa/livecast/internal/clock"
)

const (
	// DefaultTTL bounds how long a resolved record is served from cache.
	DefaultTTL = 2 * time.Minute

	// DefaultFallbackTTL bounds how long a fallback record is served before
	// the lookup is retried.
	DefaultFallbackTTL = 10 * time.Second
)

// LookupHook observes each batched fetch (number of ids, duration, error).
type LookupHook func(ids int, elapsed time.Duration, err error)

type entry struct {
	rec     Record
	expires time.Time // zero means never
}

type call struct {
	done chan struct{}
	rec  Record
}

// Resolver resolves and caches identity records.
// It is safe for concurrent use. One Resolver belongs to one session.
type Resolver struct {
	source      Source
	clock       clock.Clock
	ttl         time.Duration
	fallbackTTL time.Duration
	logger      *slog.Logger
	hook        LookupHook

	mu       sync.Mutex
	cache    map[string]entry
	inflight map[string]*call
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock (for testing).
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithTTL sets the cache TTL. Zero keeps entries for the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl >= 0 {
			r.ttl = ttl
		}
	}
}

// WithFallbackTTL sets how long fallback records are cached.
func WithFallbackTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl >= 0 {
			r.fallbackTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLookupHook sets a hook called after every batched fetch.
func WithLookupHook(h LookupHook) Option {
	return func(r *Resolver) { r.hook = h }
}

// NewResolver creates a Resolver backed by source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:      source,
		clock:       clock.Real,
		ttl:         DefaultTTL,
		fallbackTTL: DefaultFallbackTTL,
		logger:      slog.Default(),
		cache:       make(map[string]entry),
		inflight:    make(map[string]*call),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the record for id. It never fails: a failed lookup yields
// FallbackRecord(id).
func (r *Resolver) Resolve(ctx context.Context, id string) Record {
	return r.ResolveBatch(ctx, []string{id})[id]
}

// ResolveBatch returns records for every id in ids. Cached ids are served
// from memory, ids already being fetched by another caller are awaited, and
// the remaining ids are fetched in one batch.
func (r *Resolver) ResolveBatch(ctx context.Context, ids []string) map[string]Record {
	result := make(map[string]Record, len(ids))
	waits := make(map[string]*call)
	var owned []string
	var ownedCalls []*call

	now := r.clock.Now()
	r.mu.Lock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, seen := result[id]; seen {
			continue
		}
		if _, seen := waits[id]; seen {
			continue
		}
		if e, ok := r.cache[id]; ok && e.fresh(now) {
			result[id] = e.rec
			continue
		}
		if c, ok := r.inflight[id]; ok {
			waits[id] = c
			continue
		}
		c := &call{done: make(chan struct{})}
		r.inflight[id] = c
		waits[id] = c
		owned = append(owned, id)
		ownedCalls = append(ownedCalls, c)
	}
	r.mu.Unlock()

	if len(owned) > 0 {
		fetched := r.fetch(ctx, owned)
		now = r.clock.Now()

		r.mu.Lock()
		for i, id := range owned {
			rec := fetched[id]
			if e, ok := r.cache[id]; ok && e.fresh(now) {
				// Refreshed while the fetch was in flight; keep the newer record.
				rec = e.rec
			} else {
				r.cache[id] = entry{rec: rec, expires: r.expiry(now, rec)}
			}
			ownedCalls[i].rec = rec
			close(ownedCalls[i].done)
			delete(r.inflight, id)
		}
		r.mu.Unlock()
	}

	for id, c := range waits {
		select {
		case <-c.done:
			result[id] = c.rec
		case <-ctx.Done():
			result[id] = FallbackRecord(id)
		}
	}
	return result
}

// fetch runs the three lookups in parallel and merges them.
func (r *Resolver) fetch(ctx context.Context, ids []string) map[string]Record {
	start := r.clock.Now()
	now := start

	var (
		wg        sync.WaitGroup
		profiles  map[string]Profile
		perks     map[string][]string
		insurance map[string]bool
		errs      [3]error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		profiles, errs[0] = r.source.FetchProfiles(ctx, ids)
	}()
	go func() {
		defer wg.Done()
		perks, errs[1] = r.source.FetchPerks(ctx, ids, now)
	}()
	go func() {
		defer wg.Done()
		insurance, errs[2] = r.source.FetchInsurance(ctx, ids, now)
	}()
	wg.Wait()

	err := errors.Join(errs[:]...)
	if r.hook != nil {
		r.hook(len(ids), r.clock.Now().Sub(start), err)
	}

	out := make(map[string]Record, len(ids))
	if err != nil {
		r.logger.Warn("identity lookup failed, using fallback",
			"ids", len(ids),
			"err", err,
		)
		for _, id := range ids {
			out[id] = FallbackRecord(id)
		}
		return out
	}

	for _, id := range ids {
		p, ok := profiles[id]
		if !ok {
			out[id] = missingRecord(id)
			continue
		}
		out[id] = merge(id, p, perks[id], insurance[id])
	}
	return out
}

// missingRecord is cached for the full TTL: the lookup succeeded, the user
// simply has no profile row.
func missingRecord(id string) Record {
	rec := FallbackRecord(id)
	rec.Fallback = false
	return rec
}

// Refresh fetches id bypassing the cache and stores the result.
// Unlike Resolve it reports lookup failures.
func (r *Resolver) Refresh(ctx context.Context, id string) (Record, error) {
	start := r.clock.Now()
	rec, err := r.fetchOne(ctx, id, start)
	now := r.clock.Now()
	if r.hook != nil {
		r.hook(1, now.Sub(start), err)
	}
	if err != nil {
		return FallbackRecord(id), err
	}

	r.mu.Lock()
	r.cache[id] = entry{rec: rec, expires: r.expiry(now, rec)}
	r.mu.Unlock()
	return rec, nil
}

func (r *Resolver) fetchOne(ctx context.Context, id string, now time.Time) (Record, error) {
	ids := []string{id}
	profiles, err := r.source.FetchProfiles(ctx, ids)
	if err != nil {
		return Record{}, err
	}
	perks, err := r.source.FetchPerks(ctx, ids, now)
	if err != nil {
		return Record{}, err
	}
	insurance, err := r.source.FetchInsurance(ctx, ids, now)
	if err != nil {
		return Record{}, err
	}
	p, ok := profiles[id]
	if !ok {
		return missingRecord(id), nil
	}
	return merge(id, p, perks[id], insurance[id]), nil
}

// Seed stores rec unless a fresh entry for its id already exists.
// Returns true if rec was stored.
func (r *Resolver) Seed(rec Record) bool {
	if rec.ID == "" {
		return false
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[rec.ID]; ok && e.fresh(now) {
		return false
	}
	if _, ok := r.inflight[rec.ID]; ok {
		return false
	}
	r.cache[rec.ID] = entry{rec: rec, expires: r.expiry(now, rec)}
	return true
}

// Invalidate drops the cached record for id.
func (r *Resolver) Invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// Peek returns the cached record for id without fetching.
func (r *Resolver) Peek(id string) (Record, bool) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[id]
	if !ok || !e.fresh(now) {
		return Record{}, false
	}
	return e.rec, true
}

// Cached reports whether a fresh record for id is cached.
func (r *Resolver) Cached(id string) bool {
	_, ok := r.Peek(id)
	return ok
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Resolver) expiry(now time.Time, rec Record) time.Time {
	ttl := r.ttl
	if rec.Fallback {
		ttl = r.fallbackTTL
	}
	if ttl == 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (e entry) fresh(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}
