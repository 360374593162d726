// Package pgstore is the PostgreSQL implementation of the pipeline's
// persistence contract. Row changes are announced by triggers through
// pg_notify and consumed with LISTEN, so every process connected to the
// same database sees every committed chat, gift and stats change.
package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/graaaaa/livecast/internal/clock"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/transport"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying row changes.
const NotifyChannel = "livecast_changes"

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
	feedBuffer           = 256
)

// Store is a PostgreSQL-backed store.
type Store struct {
	db     *sqlx.DB
	dsn    string
	clock  clock.Clock
	logger *slog.Logger

	feed     *transport.Hub[event.Change]
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for updated_at and last_seen.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects, runs migrations and starts listening for changes.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	s := &Store{
		db:     db,
		dsn:    dsn,
		clock:  clock.Real,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s.feed = transport.NewHub(
		func(c event.Change) string { return c.StreamID },
		transport.WithHubName("pg-changes"),
		transport.WithHubSubscriberBufferSize(feedBuffer),
		transport.WithHubBroadcastBufferSize(4*feedBuffer),
		transport.WithHubLogger(s.logger),
	)
	go s.feed.Run()

	s.listener = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, s.listenerEvent)
	if err := s.listener.Listen(NotifyChannel); err != nil {
		s.feed.Stop()
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(lctx)
	return s, nil
}

func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Debug("change listener connected")
	case pq.ListenerEventDisconnected:
		s.logger.Warn("change listener disconnected", "err", err)
	case pq.ListenerEventReconnected:
		s.logger.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("change listener reconnect failed", "err", err)
	}
}

// listen decodes notifications into changes until ctx ends.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; changes may have been
			// missed while disconnected.
			if n == nil {
				continue
			}
			ch, err := DecodeNotification([]byte(n.Extra))
			if err != nil {
				s.logger.Warn("dropping undecodable notification", "err", err)
				continue
			}
			s.feed.Publish(ch)
		case <-time.After(90 * time.Second):
			go s.listener.Ping()
		}
	}
}

// SubscribeChanges streams committed changes for streamID (all streams if
// empty). The channel is closed when ctx ends or the store closes.
func (s *Store) SubscribeChanges(ctx context.Context, streamID string) (<-chan event.Change, error) {
	sub, err := s.feed.Subscribe(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return sub.Events(), nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops listening and closes the database.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.listener.Close()
	s.feed.Stop()
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}
