package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graaaaa/livecast/internal/event"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

// InsertChat persists a chat message and returns the durable row.
// The durable id is generated here; a message whose client_id already
// exists is not inserted again and the existing row is returned.
func (s *Store) InsertChat(ctx context.Context, ev event.ChatEvent) (event.ChatEvent, error) {
	if err := validateChat(ev); err != nil {
		return event.ChatEvent{}, err
	}
	if ev.ID == "" || ev.ID == ev.ClientID {
		ev.ID = uuid.NewString()
	}

	const query = `
	INSERT INTO chat_messages (id, client_id, stream_id, sender_id, content, kind, created_at)
	VALUES (:id, :client_id, :stream_id, :sender_id, :content, :kind, :created_at)
	ON CONFLICT DO NOTHING
	`
	row := chatToRow(ev)
	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return event.ChatEvent{}, fmt.Errorf("insert chat: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return event.ChatEvent{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.chatByClientID(ctx, ev.ClientID)
		if err != nil {
			return event.ChatEvent{}, err
		}
		return existing, nil
	}

	saved, err := row.toEvent()
	if err != nil {
		return event.ChatEvent{}, err
	}
	s.feed.Publish(event.Change{
		Table:    event.TableChat,
		Op:       event.OpInsert,
		StreamID: saved.StreamID,
		Chat:     &saved,
	})
	return saved, nil
}

func (s *Store) chatByClientID(ctx context.Context, clientID string) (event.ChatEvent, error) {
	if clientID == "" {
		return event.ChatEvent{}, fmt.Errorf("%w: duplicate id", ErrInvalidChat)
	}
	var r chatRow
	err := s.db.GetContext(ctx, &r, `SELECT `+chatColumns+` FROM chat_messages WHERE client_id = ?`, clientID)
	if err != nil {
		return event.ChatEvent{}, fmt.Errorf("get chat by client id: %w", err)
	}
	return r.toEvent()
}

// RecentChat returns the latest limit messages of a stream, oldest first.
func (s *Store) RecentChat(ctx context.Context, streamID string, limit int) ([]event.ChatEvent, error) {
	const query = `
	SELECT ` + chatColumns + ` FROM (
		SELECT ` + chatColumns + ` FROM chat_messages
		WHERE stream_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	) ORDER BY created_at ASC, id ASC
	`
	var rows []chatRow
	if err := s.db.SelectContext(ctx, &rows, query, streamID, clampLimit(limit)); err != nil {
		return nil, fmt.Errorf("recent chat: %w", err)
	}
	return chatRowsToEvents(rows)
}

// ChatFilter selects a page of chat history, newest first.
type ChatFilter struct {
	StreamID string
	Limit    int
	Cursor   string
}

// ChatPage is one page of chat history.
type ChatPage struct {
	Items      []event.ChatEvent `json:"items"`
	NextCursor *string           `json:"next_cursor,omitempty"`
}

// QueryChat pages backwards through a stream's chat history.
func (s *Store) QueryChat(ctx context.Context, f ChatFilter) (ChatPage, error) {
	limit := clampLimit(f.Limit)

	query := `SELECT ` + chatColumns + ` FROM chat_messages WHERE stream_id = ?`
	args := []any{f.StreamID}

	// Composite cursor: created_at|id of the last row of the previous page.
	if f.Cursor != "" {
		ts, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return ChatPage{}, fmt.Errorf("decode cursor: %w", err)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		tsStr := formatTime(ts)
		args = append(args, tsStr, tsStr, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1) // fetch one extra to detect next page

	var rows []chatRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return ChatPage{}, fmt.Errorf("query chat: %w", err)
	}
	items, err := chatRowsToEvents(rows)
	if err != nil {
		return ChatPage{}, err
	}

	page := ChatPage{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		page.Items = items[:limit]
		c := EncodeCursor(last.CreatedAt, last.ID)
		page.NextCursor = &c
	}
	return page, nil
}

// PruneChat deletes chat and gift rows created before cutoff.
func (s *Store) PruneChat(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(cutoff)
	var total int64
	for _, table := range []string{"chat_messages", "gift_events"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?`, ts)
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return total, nil
}

// CountChat returns the number of stored messages of a stream.
func (s *Store) CountChat(ctx context.Context, streamID string) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chat_messages WHERE stream_id = ?`, streamID); err != nil {
		return 0, fmt.Errorf("count chat: %w", err)
	}
	return n, nil
}

func chatRowsToEvents(rows []chatRow) ([]event.ChatEvent, error) {
	out := make([]event.ChatEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
