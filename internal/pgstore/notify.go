package pgstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/graaaaa/livecast/internal/event"
)

// ErrInvalidNotification is returned for payloads that are not row changes.
var ErrInvalidNotification = errors.New("invalid change notification")

type notification struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	Row   json.RawMessage `json:"row"`
}

type chatJSON struct {
	ID        string    `json:"id"`
	ClientID  *string   `json:"client_id"`
	StreamID  string    `json:"stream_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type giftJSON struct {
	ID          int64     `json:"id"`
	StreamID    string    `json:"stream_id"`
	GiftID      string    `json:"gift_id"`
	GiftName    *string   `json:"gift_name"`
	SenderID    string    `json:"sender_id"`
	CoinsAmount int64     `json:"coins_amount"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

type statsJSON struct {
	StreamID    string     `json:"stream_id"`
	ViewerCount int        `json:"viewer_count"`
	TotalLikes  int64      `json:"total_likes"`
	LastSeen    *time.Time `json:"last_seen"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DecodeNotification turns a livecast_notify() payload into a Change.
func DecodeNotification(payload []byte) (event.Change, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return event.Change{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if len(n.Row) == 0 {
		return event.Change{}, fmt.Errorf("%w: missing row", ErrInvalidNotification)
	}
	ch := event.Change{Table: n.Table, Op: n.Op}

	switch n.Table {
	case event.TableChat:
		var r chatJSON
		if err := json.Unmarshal(n.Row, &r); err != nil {
			return event.Change{}, fmt.Errorf("%w: chat row: %v", ErrInvalidNotification, err)
		}
		ev := event.ChatEvent{
			ID:        r.ID,
			StreamID:  r.StreamID,
			SenderID:  r.SenderID,
			Content:   r.Content,
			Kind:      event.ChatKind(r.Kind),
			CreatedAt: r.CreatedAt.UTC(),
			Origin:    event.OriginFeed,
		}
		if r.ClientID != nil {
			ev.ClientID = *r.ClientID
		}
		ch.StreamID = ev.StreamID
		ch.Chat = &ev

	case event.TableGifts:
		var r giftJSON
		if err := json.Unmarshal(n.Row, &r); err != nil {
			return event.Change{}, fmt.Errorf("%w: gift row: %v", ErrInvalidNotification, err)
		}
		g := event.GiftRow{
			ID:          r.ID,
			StreamID:    r.StreamID,
			GiftID:      r.GiftID,
			SenderID:    r.SenderID,
			CoinsAmount: r.CoinsAmount,
			Quantity:    r.Quantity,
			CreatedAt:   r.CreatedAt.UTC(),
		}
		if r.GiftName != nil {
			g.GiftName = *r.GiftName
		}
		ch.StreamID = g.StreamID
		ch.Gift = &g

	case event.TableStats:
		var r statsJSON
		if err := json.Unmarshal(n.Row, &r); err != nil {
			return event.Change{}, fmt.Errorf("%w: stats row: %v", ErrInvalidNotification, err)
		}
		st := event.StreamStats{
			StreamID:    r.StreamID,
			ViewerCount: r.ViewerCount,
			TotalLikes:  r.TotalLikes,
			UpdatedAt:   r.UpdatedAt.UTC(),
		}
		if r.LastSeen != nil {
			st.LastSeen = r.LastSeen.UTC()
		}
		ch.StreamID = st.StreamID
		ch.Stats = &st

	case event.TableProfiles:
		var r struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(n.Row, &r); err != nil || r.ID == "" {
			return event.Change{}, fmt.Errorf("%w: profile row", ErrInvalidNotification)
		}
		ch.ProfileID = r.ID

	default:
		return event.Change{}, fmt.Errorf("%w: unknown table %q", ErrInvalidNotification, n.Table)
	}
	return ch, nil
}
