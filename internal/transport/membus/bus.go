// Package membus is the in-process transport: an ephemeral broadcast
// channel and presence channels for streams served by this process.
package membus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/transport"
)

// Bus implements transport.Broadcaster and transport.Presence in memory.
type Bus struct {
	logger    *slog.Logger
	onDrop    func()
	envelopes *transport.Hub[event.Envelope]

	mu     sync.Mutex
	rooms  map[string]*room
	nextID uint64
	closed bool
}

type room struct {
	members  map[uint64]event.Member
	watchers map[uint64]chan []event.Member
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithDropHook sets a callback run when a slow subscriber misses an
// envelope.
func WithDropHook(f func()) Option {
	return func(b *Bus) { b.onDrop = f }
}

// New creates and starts a Bus. Call Close to stop it.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.envelopes = transport.NewHub(
		func(e event.Envelope) string { return e.StreamID },
		transport.WithHubName("membus"),
		transport.WithHubLogger(b.logger),
		transport.WithHubDropHook(b.onDrop),
	)
	go b.envelopes.Run()
	return b
}

// Publish broadcasts env to current subscribers of its stream.
func (b *Bus) Publish(_ context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if !b.envelopes.Publish(env) {
		return fmt.Errorf("publish %s envelope: %w", env.Type, transport.ErrClosed)
	}
	return nil
}

// SubscribeBroadcast streams envelopes for streamID.
func (b *Bus) SubscribeBroadcast(ctx context.Context, streamID string) (<-chan event.Envelope, error) {
	sub, err := b.envelopes.Subscribe(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return sub.Events(), nil
}

// JoinPresence adds member to streamID's presence channel. The returned
// channel always holds the latest membership snapshot; older snapshots are
// replaced if the reader falls behind.
func (b *Bus) JoinPresence(ctx context.Context, streamID string, member event.Member) (<-chan []event.Member, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, transport.ErrClosed
	}
	r, ok := b.rooms[streamID]
	if !ok {
		r = &room{
			members:  make(map[uint64]event.Member),
			watchers: make(map[uint64]chan []event.Member),
		}
		b.rooms[streamID] = r
	}
	b.nextID++
	id := b.nextID
	ch := make(chan []event.Member, 1)
	r.members[id] = member
	r.watchers[id] = ch
	b.syncLocked(r)
	b.mu.Unlock()

	var once sync.Once
	leave := func() {
		once.Do(func() { b.leave(streamID, id) })
	}
	go func() {
		<-ctx.Done()
		leave()
	}()
	return ch, leave, nil
}

func (b *Bus) leave(streamID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[streamID]
	if !ok {
		return
	}
	ch, ok := r.watchers[id]
	if !ok {
		return
	}
	delete(r.watchers, id)
	delete(r.members, id)
	close(ch)
	if len(r.watchers) == 0 {
		delete(b.rooms, streamID)
		return
	}
	b.syncLocked(r)
}

// syncLocked sends the current snapshot to every watcher of r.
func (b *Bus) syncLocked(r *room) {
	snap := snapshot(r.members)
	for _, ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// snapshot returns the members deduplicated by user id (a user connected
// twice counts once), ordered by join time.
func snapshot(members map[uint64]event.Member) []event.Member {
	byUser := make(map[string]event.Member, len(members))
	for _, m := range members {
		if prev, ok := byUser[m.UserID]; ok && !m.JoinedAt.Before(prev.JoinedAt) {
			continue
		}
		byUser[m.UserID] = m
	}
	out := make([]event.Member, 0, len(byUser))
	for _, m := range byUser {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Close stops the bus and closes every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, r := range b.rooms {
		for _, ch := range r.watchers {
			close(ch)
		}
		delete(b.rooms, id)
	}
	b.mu.Unlock()

	b.envelopes.Stop()
	return nil
}
