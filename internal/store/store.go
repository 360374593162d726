// Package store provides SQLite persistence for the broadcast pipeline:
// chat rows, gift rows, profiles with perks and insurance, and per-stream
// aggregates. Every committed insert or update is announced on an
// in-process change feed.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/graaaaa/livecast/internal/clock"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/transport"
)

// TimeFormat is the fixed-width RFC3339 format used for timestamps.
// Using fixed width ensures lexicographic ordering matches chronological ordering.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// Store wraps a SQLite database connection.
type Store struct {
	db     *sqlx.DB
	clock  clock.Clock
	logger *slog.Logger
	feed   *transport.Hub[event.Change]
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for updated_at and last_seen (for testing).
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

// Open opens a SQLite database with WAL mode and busy_timeout.
// The path should be an absolute path to the database file.
func Open(path string, opts ...Option) (*Store, error) {
	// URL-escape the path to handle special characters (?, #, spaces, etc.)
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", url.PathEscape(path))

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// WAL allows concurrent readers; writes are serialized by SQLite.
	db.SetMaxOpenConns(4)

	s := &Store{
		db:     db,
		clock:  clock.Real,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.feed = newFeed(s)
	go s.feed.Run()

	if err := s.migrate(context.Background()); err != nil {
		s.feed.Stop()
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close ends all change subscriptions and closes the database.
func (s *Store) Close() error {
	s.feed.Stop()
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// journalMode returns the current journal mode (for testing).
func (s *Store) journalMode() (string, error) {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
