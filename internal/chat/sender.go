package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/graaaaa/livecast/internal/clock"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
)

const (
	// DefaultSendInterval is the minimum gap between two messages of one user.
	DefaultSendInterval = time.Second

	// MaxContentLength is the maximum message length in runes.
	MaxContentLength = 500
)

// Store is the persistence used by the send path.
type Store interface {
	InsertChat(ctx context.Context, ev event.ChatEvent) (event.ChatEvent, error)
	RecentChat(ctx context.Context, streamID string, limit int) ([]event.ChatEvent, error)
}

// Publisher sends the ephemeral broadcast copy of a message.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Moderator fetches a fresh identity, bypassing caches.
type Moderator interface {
	Refresh(ctx context.Context, id string) (identity.Record, error)
}

// SendRequest is a user's request to post a message.
type SendRequest struct {
	StreamID string
	UserID   string
	Content  string
	Kind     event.ChatKind
}

// Sender implements the user-facing send path: validation, per-user rate
// limiting, mute checks, optimistic echo, broadcast and persistence.
type Sender struct {
	queue     *Queue
	store     Store
	publisher Publisher
	moderator Moderator
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	newID     func() string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderClock sets the clock (for testing).
func WithSenderClock(c clock.Clock) SenderOption {
	return func(s *Sender) { s.clock = c }
}

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSendInterval sets the per-user minimum gap between messages.
func WithSendInterval(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithIDGenerator sets the client id generator (for testing).
func WithIDGenerator(f func() string) SenderOption {
	return func(s *Sender) { s.newID = f }
}

// NewSender creates a Sender. publisher may be nil when no broadcast
// transport is available.
func NewSender(queue *Queue, store Store, publisher Publisher, moderator Moderator, opts ...SenderOption) *Sender {
	s := &Sender{
		queue:     queue,
		store:     store,
		publisher: publisher,
		moderator: moderator,
		clock:     clock.Real,
		logger:    slog.Default(),
		interval:  DefaultSendInterval,
		newID:     uuid.NewString,
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send validates and posts a message. The returned event carries the
// durable id. Errors are meant for the acting user.
func (s *Sender) Send(ctx context.Context, req SendRequest) (event.ChatEvent, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return event.ChatEvent{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return event.ChatEvent{}, ErrMessageTooLong
	}
	kind := req.Kind
	if kind == "" {
		kind = event.KindChat
	}

	now := s.clock.Now()
	if !s.allow(req.UserID, now) {
		return event.ChatEvent{}, ErrRateLimited
	}

	rec, err := s.moderator.Refresh(ctx, req.UserID)
	if err != nil {
		// rec is the fallback record here, which may chat.
		s.logger.Warn("moderation lookup failed", "user_id", req.UserID, "err", err)
	}
	if rec.IsBanned {
		return event.ChatEvent{}, ErrBanned
	}
	if rec.MutedAt(now) {
		return event.ChatEvent{}, ErrMuted
	}

	clientID := s.newID()
	ev := event.ChatEvent{
		ID:        clientID,
		ClientID:  clientID,
		StreamID:  req.StreamID,
		SenderID:  req.UserID,
		Content:   content,
		Kind:      kind,
		CreatedAt: now,
		Origin:    event.OriginLocal,
		Sender:    &rec,
	}
	s.queue.Push(ev)

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event.NewChatEnvelope(ev, &rec)); err != nil {
			s.logger.Warn("broadcast publish failed",
				"stream_id", req.StreamID,
				"err", err,
			)
		}
	}

	stored, err := s.store.InsertChat(ctx, ev)
	if err != nil {
		s.queue.Retract(clientID)
		return event.ChatEvent{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return stored, nil
}

// allow applies the per-user rate limit at now.
func (s *Sender) allow(userID string, now time.Time) bool {
	s.mu.Lock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.interval), 1)
		s.limiters[userID] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(now, 1)
}

// LoadHistory pushes the most recent persisted messages of a stream into
// the queue.
func (s *Sender) LoadHistory(ctx context.Context, streamID string) (int, error) {
	rows, err := s.store.RecentChat(ctx, streamID, s.queue.limit)
	if err != nil {
		return 0, fmt.Errorf("load chat history: %w", err)
	}
	for _, ev := range rows {
		ev.Origin = event.OriginHistory
		s.queue.Push(ev)
	}
	return len(rows), nil
}
