// Package session wires one live stream's pipeline: the durable feed and the
// ephemeral broadcast channel feed the chat queue, the gift scheduler and the
// presence tracker, all sharing one identity cache. A Manager keeps one
// Session per live stream.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graaaaa/livecast/internal/chat"
	"github.com/graaaaa/livecast/internal/clock"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/gifts"
	"github.com/graaaaa/livecast/internal/identity"
	"github.com/graaaaa/livecast/internal/presence"
	"github.com/graaaaa/livecast/internal/transport"
)

// RoleHost marks the broadcaster in presence metadata. Hosts get no
// entrance effect.
const RoleHost = "host"

// giftDedupTTL is how long a scheduled gift's key is remembered.
const giftDedupTTL = time.Minute

// giftBacklog bounds feed gift rows waiting for sender resolution.
const giftBacklog = 64

// Persistence is the storage a session reads and writes.
type Persistence interface {
	identity.Source
	transport.Feed
	InsertChat(ctx context.Context, ev event.ChatEvent) (event.ChatEvent, error)
	RecentChat(ctx context.Context, streamID string, limit int) ([]event.ChatEvent, error)
	InsertGift(ctx context.Context, g event.GiftRow) (event.GiftRow, error)
	SetViewerCount(ctx context.Context, streamID string, count int) error
	TouchLastSeen(ctx context.Context, streamID string) error
	AddLikes(ctx context.Context, streamID string, n int64) (int64, error)
	StreamStats(ctx context.Context, streamID string) (event.StreamStats, error)
}

// Observer receives pipeline statistics from every component of a session.
type Observer interface {
	chat.Observer
	gifts.Observer
	presence.Observer
	IdentityLookup(ids int, elapsed time.Duration, err error)
	SessionOpened()
	SessionClosed()
	ForgetStream(streamID string)
	HubDropHook(hub string) func()
}

// Config holds the pipeline tunables. Zero values use each component's
// default.
type Config struct {
	ChatDebounce time.Duration
	DedupWindow  time.Duration
	MaxAge       time.Duration
	HistoryLimit int
	SendInterval time.Duration

	// IdentityTTL bounds cached identities. Negative keeps them for the
	// session lifetime.
	IdentityTTL       time.Duration
	FallbackTTL       time.Duration
	ComboWindow       time.Duration
	WriteInterval     time.Duration
	HeartbeatInterval time.Duration

	// Host makes this process persist the viewer count and heartbeat.
	Host bool
}

// Session is the pipeline of one stream. It is safe for concurrent use.
type Session struct {
	streamID    string
	cfg         Config
	store       Persistence
	broadcaster transport.Broadcaster
	presence    transport.Presence
	catalog     *gifts.Catalog
	node        string
	clock       clock.Clock
	logger      *slog.Logger
	observer    Observer

	resolver  *identity.Resolver
	queue     *chat.Queue
	sender    *chat.Sender
	scheduler *gifts.Scheduler
	tracker   *presence.Tracker
	follower  *presence.Follower
	updates   *transport.Hub[Update]

	// giftRows hands feed gift rows to the gift worker, which resolves the
	// sender off the feed goroutine.
	giftRows chan event.GiftRow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	likes     int64
	seenGifts map[string]time.Time
	conns     map[string]int
	leaves    map[uint64]func()
	nextLeave uint64
	closed    bool
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock for every component (for testing).
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfig sets the pipeline tunables.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithBroadcaster sets the ephemeral broadcast channel. Without one the
// session relies on the durable feed alone.
func WithBroadcaster(b transport.Broadcaster) Option {
	return func(s *Session) { s.broadcaster = b }
}

// WithPresence sets the presence channel. Without one Join tracks members
// locally.
func WithPresence(p transport.Presence) Option {
	return func(s *Session) { s.presence = p }
}

// WithCatalog sets the gift catalog.
func WithCatalog(c *gifts.Catalog) Option {
	return func(s *Session) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithNode sets this process's relay node id. Published envelopes carry
// it, and envelopes stamped with it are ignored on receipt.
func WithNode(node string) Option {
	return func(s *Session) { s.node = node }
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// Open starts the pipeline for streamID: it subscribes to both transports,
// seeds the stream aggregates and loads the recent chat history.
// A failed durable feed subscription fails Open; a failed broadcast
// subscription is logged and the session runs on the feed alone.
func Open(ctx context.Context, streamID string, store Persistence, opts ...Option) (*Session, error) {
	if streamID == "" {
		return nil, ErrInvalidStream
	}
	s := &Session{
		streamID:  streamID,
		store:     store,
		clock:     clock.Real,
		logger:    slog.Default(),
		seenGifts: make(map[string]time.Time),
		giftRows:  make(chan event.GiftRow, giftBacklog),
		conns:     make(map[string]int),
		leaves:    make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		s.catalog = gifts.DefaultCatalog()
	}
	s.logger = s.logger.With("stream_id", streamID)
	if s.broadcaster != nil && s.node != "" {
		s.broadcaster = stamped{Broadcaster: s.broadcaster, node: s.node}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.build()

	changes, err := store.SubscribeChanges(s.ctx, streamID)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	var envelopes <-chan event.Envelope
	if s.broadcaster != nil {
		envelopes, err = s.broadcaster.SubscribeBroadcast(s.ctx, streamID)
		if err != nil {
			s.logger.Warn("broadcast subscribe failed, using durable feed only", "err", err)
			envelopes = nil
		}
	}

	if stats, err := store.StreamStats(ctx, streamID); err != nil {
		s.logger.Warn("load stream stats failed", "err", err)
	} else {
		s.follower.Seed(stats)
		s.likes = stats.TotalLikes
	}

	s.queue.Start()
	s.tracker.Start()
	go s.updates.Run()

	s.wg.Add(2)
	go s.consumeGifts()
	go s.consumeChanges(changes)
	if envelopes != nil {
		s.wg.Add(1)
		go s.consumeBroadcast(envelopes)
	}

	if n, err := s.sender.LoadHistory(ctx, streamID); err != nil {
		s.logger.Warn("load chat history failed", "err", err)
	} else {
		s.logger.Debug("chat history loaded", "messages", n)
	}

	if s.observer != nil {
		s.observer.SessionOpened()
	}
	s.logger.Info("session opened", "host", s.cfg.Host)
	return s, nil
}

// build constructs the components. Every component shares the session's
// clock, logger and identity cache.
func (s *Session) build() {
	resolverOpts := []identity.Option{
		identity.WithClock(s.clock),
		identity.WithLogger(s.logger),
	}
	switch {
	case s.cfg.IdentityTTL < 0:
		resolverOpts = append(resolverOpts, identity.WithTTL(0))
	case s.cfg.IdentityTTL > 0:
		resolverOpts = append(resolverOpts, identity.WithTTL(s.cfg.IdentityTTL))
	}
	if s.cfg.FallbackTTL > 0 {
		resolverOpts = append(resolverOpts, identity.WithFallbackTTL(s.cfg.FallbackTTL))
	}
	if s.observer != nil {
		resolverOpts = append(resolverOpts, identity.WithLookupHook(s.observer.IdentityLookup))
	}
	s.resolver = identity.NewResolver(s.store, resolverOpts...)

	hubOpts := []transport.HubOption{
		transport.WithHubName("session-updates"),
		transport.WithHubLogger(s.logger),
	}
	if s.observer != nil {
		hubOpts = append(hubOpts, transport.WithHubDropHook(s.observer.HubDropHook("session-updates")))
	}
	s.updates = transport.NewHub(func(Update) string { return "" }, hubOpts...)

	var chatObserver chat.Observer
	var giftObserver gifts.Observer
	var presenceObserver presence.Observer
	if s.observer != nil {
		chatObserver, giftObserver, presenceObserver = s.observer, s.observer, s.observer
	}

	s.queue = chat.NewQueue(s.resolver,
		chat.WithClock(s.clock),
		chat.WithLogger(s.logger),
		chat.WithObserver(chatObserver),
		chat.WithDebounce(s.cfg.ChatDebounce),
		chat.WithDedupWindow(s.cfg.DedupWindow),
		chat.WithMaxAge(s.cfg.MaxAge),
		chat.WithHistoryLimit(s.cfg.HistoryLimit),
		chat.WithOnPublish(func([]event.ChatEvent) { s.notify(UpdateChat, nil) }),
	)

	var publisher chat.Publisher
	if s.broadcaster != nil {
		publisher = s.broadcaster
	}
	s.sender = chat.NewSender(s.queue, s.store, publisher, s.resolver,
		chat.WithSenderClock(s.clock),
		chat.WithSenderLogger(s.logger),
		chat.WithSendInterval(s.cfg.SendInterval),
	)

	s.scheduler = gifts.NewScheduler(s.catalog,
		gifts.WithClock(s.clock),
		gifts.WithLogger(s.logger),
		gifts.WithComboWindow(s.cfg.ComboWindow),
		gifts.WithObserver(giftObserver),
		gifts.WithCue(func(ev gifts.Event) { s.notify(UpdateCue, &ev) }),
		gifts.WithOnChange(func(gifts.State) { s.notify(UpdateGifts, nil) }),
	)

	trackerOpts := []presence.Option{
		presence.WithClock(s.clock),
		presence.WithLogger(s.logger),
		presence.WithObserver(presenceObserver),
		presence.WithWriteInterval(s.cfg.WriteInterval),
		presence.WithHeartbeatInterval(s.cfg.HeartbeatInterval),
		presence.WithOnEntrance(s.entrance),
		presence.WithOnChange(func(int) { s.notify(UpdateViewers, nil) }),
	}
	if s.cfg.Host {
		trackerOpts = append(trackerOpts, presence.WithHost(s.store))
	}
	s.tracker = presence.NewTracker(s.streamID, trackerOpts...)

	s.follower = presence.NewFollower(s.streamID, func(stats event.StreamStats) {
		s.raiseLikes(stats.TotalLikes)
		s.notify(UpdateStats, nil)
	})
}

// stamped marks outgoing envelopes with the session's node so its own
// broadcasts are skipped when they come back.
type stamped struct {
	transport.Broadcaster
	node string
}

func (p stamped) Publish(ctx context.Context, env event.Envelope) error {
	if env.Node == "" {
		env.Node = p.node
	}
	return p.Broadcaster.Publish(ctx, env)
}

// StreamID returns the stream this session serves.
func (s *Session) StreamID() string {
	return s.streamID
}

// Resolver returns the session's identity cache.
func (s *Session) Resolver() *identity.Resolver {
	return s.resolver
}

// Close tears the pipeline down: both transport subscriptions end, every
// presence membership is left and all component timers stop. Safe to call
// multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	leaves := make([]func(), 0, len(s.leaves))
	for id, leave := range s.leaves {
		leaves = append(leaves, leave)
		delete(s.leaves, id)
	}
	s.mu.Unlock()

	for _, leave := range leaves {
		leave()
	}
	s.teardown()
	s.wg.Wait()
	s.updates.Stop()

	if s.observer != nil {
		s.observer.ForgetStream(s.streamID)
		s.observer.SessionClosed()
	}
	s.logger.Info("session closed")
	return nil
}

func (s *Session) teardown() {
	s.cancel()
	s.queue.Stop()
	s.scheduler.Stop()
	s.tracker.Stop()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
