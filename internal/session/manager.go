package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the sessions of the live streams served by this process.
type Manager struct {
	store  Persistence
	opts   []Option
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager. opts are applied to every session it opens.
func NewManager(store Persistence, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for streamID, opening it on first use.
func (m *Manager) Get(ctx context.Context, streamID string) (*Session, error) {
	if streamID == "" {
		return nil, ErrInvalidStream
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[streamID]; ok {
		return s, nil
	}
	s, err := Open(ctx, streamID, m.store, m.opts...)
	if err != nil {
		return nil, err
	}
	m.sessions[streamID] = s
	return s, nil
}

// Lookup returns the open session for streamID without opening one.
func (m *Manager) Lookup(streamID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[streamID]
	return s, ok
}

// Streams returns the ids of the open sessions, sorted.
func (m *Manager) Streams() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CloseStream closes and forgets the session for streamID, if open.
func (m *Manager) CloseStream(streamID string) error {
	m.mu.Lock()
	s, ok := m.sessions[streamID]
	delete(m.sessions, streamID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// Close closes every session. Get fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
