package store

import (
	"context"
	"fmt"

	"github.com/graaaaa/livecast/internal/event"
)

// InsertGift persists a gift purchase and returns it with its id.
func (s *Store) InsertGift(ctx context.Context, g event.GiftRow) (event.GiftRow, error) {
	if err := validateGift(g); err != nil {
		return event.GiftRow{}, err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
	INSERT INTO gift_events (stream_id, gift_id, gift_name, sender_id, coins_amount, quantity, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, g.StreamID, g.GiftID, nullString(g.GiftName), g.SenderID, g.CoinsAmount, g.Quantity, formatTime(g.CreatedAt))
	if err != nil {
		return event.GiftRow{}, fmt.Errorf("insert gift: %w", err)
	}
	if g.ID, err = result.LastInsertId(); err != nil {
		return event.GiftRow{}, fmt.Errorf("last insert id: %w", err)
	}
	g.CreatedAt = g.CreatedAt.UTC()

	saved := g
	s.feed.Publish(event.Change{
		Table:    event.TableGifts,
		Op:       event.OpInsert,
		StreamID: g.StreamID,
		Gift:     &saved,
	})
	return g, nil
}

// RecentGifts returns the latest limit gifts of a stream, oldest first.
func (s *Store) RecentGifts(ctx context.Context, streamID string, limit int) ([]event.GiftRow, error) {
	const query = `
	SELECT ` + giftColumns + ` FROM (
		SELECT ` + giftColumns + ` FROM gift_events
		WHERE stream_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	) ORDER BY created_at ASC, id ASC
	`
	var rows []giftRow
	if err := s.db.SelectContext(ctx, &rows, query, streamID, clampLimit(limit)); err != nil {
		return nil, fmt.Errorf("recent gifts: %w", err)
	}
	out := make([]event.GiftRow, 0, len(rows))
	for i := range rows {
		g, err := rows[i].toGift()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// GiftTotals sums the coins received by a stream.
func (s *Store) GiftTotals(ctx context.Context, streamID string) (coins int64, gifts int64, err error) {
	err = s.db.QueryRowxContext(ctx, `
	SELECT COALESCE(SUM(coins_amount), 0), COALESCE(SUM(quantity), 0)
	FROM gift_events WHERE stream_id = ?
	`, streamID).Scan(&coins, &gifts)
	if err != nil {
		return 0, 0, fmt.Errorf("gift totals: %w", err)
	}
	return coins, gifts, nil
}
