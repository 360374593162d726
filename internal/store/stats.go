package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/graaaaa/livecast/internal/event"
)

const statsColumns = "stream_id, viewer_count, total_likes, last_seen, updated_at"

// SetViewerCount persists the viewer count of a stream.
func (s *Store) SetViewerCount(ctx context.Context, streamID string, count int) error {
	now := formatTime(s.now())
	return s.updateStats(ctx, streamID, `
	INSERT INTO stream_stats (stream_id, viewer_count, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(stream_id) DO UPDATE SET
		viewer_count = excluded.viewer_count,
		updated_at = excluded.updated_at
	`, streamID, max(count, 0), now)
}

// TouchLastSeen marks a stream as live now.
func (s *Store) TouchLastSeen(ctx context.Context, streamID string) error {
	now := formatTime(s.now())
	return s.updateStats(ctx, streamID, `
	INSERT INTO stream_stats (stream_id, last_seen, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(stream_id) DO UPDATE SET
		last_seen = excluded.last_seen,
		updated_at = excluded.updated_at
	`, streamID, now, now)
}

// AddLikes adds n likes to a stream and returns the new total.
func (s *Store) AddLikes(ctx context.Context, streamID string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("add likes: count must be positive")
	}
	now := formatTime(s.now())
	err := s.updateStats(ctx, streamID, `
	INSERT INTO stream_stats (stream_id, total_likes, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(stream_id) DO UPDATE SET
		total_likes = total_likes + excluded.total_likes,
		updated_at = excluded.updated_at
	`, streamID, n, now)
	if err != nil {
		return 0, err
	}
	st, err := s.StreamStats(ctx, streamID)
	if err != nil {
		return 0, err
	}
	return st.TotalLikes, nil
}

// StreamStats returns the persisted aggregates of a stream. A stream with
// no row yet has zero stats.
func (s *Store) StreamStats(ctx context.Context, streamID string) (event.StreamStats, error) {
	var r statsRow
	err := s.db.GetContext(ctx, &r, `SELECT `+statsColumns+` FROM stream_stats WHERE stream_id = ?`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return event.StreamStats{StreamID: streamID}, nil
	}
	if err != nil {
		return event.StreamStats{}, fmt.Errorf("get stream stats: %w", err)
	}
	return r.toStats()
}

// updateStats runs an upsert and announces the resulting row.
func (s *Store) updateStats(ctx context.Context, streamID, query string, args ...any) error {
	if streamID == "" {
		return fmt.Errorf("update stream stats: stream_id is required")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update stream stats: %w", err)
	}
	st, err := s.StreamStats(ctx, streamID)
	if err != nil {
		return err
	}
	s.feed.Publish(event.Change{
		Table:    event.TableStats,
		Op:       event.OpUpdate,
		StreamID: streamID,
		Stats:    &st,
	})
	return nil
}
