package session

import (
	"context"
	"time"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/gifts"
	"github.com/graaaaa/livecast/internal/transport"
)

// Update types.
const (
	UpdateChat    = "chat"
	UpdateGifts   = "gifts"
	UpdateCue     = "gift_cue"
	UpdateViewers = "viewers"
	UpdateStats   = "stats"
)

// Snapshot is the rendering-ready state of a stream.
type Snapshot struct {
	StreamID         string            `json:"stream_id"`
	Messages         []event.ChatEvent `json:"messages"`
	Gifts            gifts.State       `json:"gifts"`
	Viewers          int               `json:"viewers"`
	PersistedViewers *int              `json:"persisted_viewers,omitempty"`
	Likes            int64             `json:"likes"`
	At               time.Time         `json:"at"`
}

// Update is one change notification. Cue is set for UpdateCue.
type Update struct {
	Type     string       `json:"type"`
	Cue      *gifts.Event `json:"cue,omitempty"`
	Snapshot Snapshot     `json:"snapshot"`
}

// Snapshot returns the current state: visible messages, the gift display,
// live and persisted viewer counts and the like total.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		StreamID: s.streamID,
		Messages: s.queue.Messages(),
		Gifts:    s.scheduler.State(),
		Viewers:  s.tracker.ViewerCount(),
		At:       s.clock.Now(),
	}
	if n, ok := s.follower.PersistedCount(); ok {
		snap.PersistedViewers = &n
	}
	s.mu.Lock()
	snap.Likes = s.likes
	s.mu.Unlock()
	return snap
}

// Messages returns the visible chat messages.
func (s *Session) Messages() []event.ChatEvent {
	return s.queue.Messages()
}

// Gifts returns the gift display state.
func (s *Session) Gifts() gifts.State {
	return s.scheduler.State()
}

// Members returns the present members ordered by join time.
func (s *Session) Members() []event.Member {
	return s.tracker.Members()
}

// ViewerCount returns the live presence count.
func (s *Session) ViewerCount() int {
	return s.tracker.ViewerCount()
}

// Stats returns the persisted stream aggregates as last seen on the feed.
func (s *Session) Stats() event.StreamStats {
	stats := s.follower.Stats()
	s.mu.Lock()
	stats.TotalLikes = max(stats.TotalLikes, s.likes)
	s.mu.Unlock()
	return stats
}

// Subscribe streams updates until ctx ends or the session closes. Slow
// subscribers miss updates; every update carries a full snapshot.
func (s *Session) Subscribe(ctx context.Context) (*transport.Subscription[Update], error) {
	sub, err := s.updates.Subscribe(ctx, "")
	if err != nil {
		return nil, ErrClosed
	}
	return sub, nil
}

func (s *Session) notify(kind string, cue *gifts.Event) {
	if s.isClosed() || s.updates.Subscribers() == 0 {
		return
	}
	s.updates.Publish(Update{Type: kind, Cue: cue, Snapshot: s.Snapshot()})
}
