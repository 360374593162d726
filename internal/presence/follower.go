package presence

import (
	"sync"
	"time"

	"github.com/graaaaa/livecast/internal/event"
)

// Follower is the non-host read path: it tracks the persisted viewer count
// and like total from stream_stats changes.
type Follower struct {
	streamID string

	mu       sync.RWMutex
	stats    event.StreamStats
	known    bool
	onChange func(event.StreamStats)
}

// NewFollower creates a Follower for one stream. onChange may be nil.
func NewFollower(streamID string, onChange func(event.StreamStats)) *Follower {
	return &Follower{streamID: streamID, onChange: onChange}
}

// Seed sets the initial persisted stats.
func (f *Follower) Seed(stats event.StreamStats) {
	f.mu.Lock()
	f.stats = stats
	f.known = true
	f.mu.Unlock()
}

// Apply consumes a change-feed notification. Returns true if it updated the
// persisted stats of this stream. Out-of-order updates are ignored.
func (f *Follower) Apply(ch event.Change) bool {
	if ch.Table != event.TableStats || ch.Stats == nil || ch.Stats.StreamID != f.streamID {
		return false
	}
	f.mu.Lock()
	if f.known && ch.Stats.UpdatedAt.Before(f.stats.UpdatedAt) {
		f.mu.Unlock()
		return false
	}
	f.stats = *ch.Stats
	f.known = true
	stats := f.stats
	f.mu.Unlock()

	if f.onChange != nil {
		f.onChange(stats)
	}
	return true
}

// PersistedCount returns the last persisted viewer count and whether any
// value has been seen.
func (f *Follower) PersistedCount() (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats.ViewerCount, f.known
}

// Stats returns the last persisted stats.
func (f *Follower) Stats() event.StreamStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

// UpdatedAt returns when the persisted stats last changed.
func (f *Follower) UpdatedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats.UpdatedAt
}
