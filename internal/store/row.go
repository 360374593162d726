package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
)

// chatRow is a chat_messages row.
type chatRow struct {
	ID        string         `db:"id"`
	ClientID  sql.NullString `db:"client_id"`
	StreamID  string         `db:"stream_id"`
	SenderID  string         `db:"sender_id"`
	Content   string         `db:"content"`
	Kind      string         `db:"kind"`
	CreatedAt string         `db:"created_at"`
}

const chatColumns = "id, client_id, stream_id, sender_id, content, kind, created_at"

func (r *chatRow) toEvent() (event.ChatEvent, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return event.ChatEvent{}, err
	}
	return event.ChatEvent{
		ID:        r.ID,
		ClientID:  r.ClientID.String,
		StreamID:  r.StreamID,
		SenderID:  r.SenderID,
		Content:   r.Content,
		Kind:      event.ChatKind(r.Kind),
		CreatedAt: createdAt,
		Origin:    event.OriginFeed,
	}, nil
}

func chatToRow(ev event.ChatEvent) chatRow {
	r := chatRow{
		ID:        ev.ID,
		StreamID:  ev.StreamID,
		SenderID:  ev.SenderID,
		Content:   ev.Content,
		Kind:      string(ev.Kind),
		CreatedAt: formatTime(ev.CreatedAt),
	}
	if ev.ClientID != "" {
		r.ClientID = sql.NullString{String: ev.ClientID, Valid: true}
	}
	return r
}

func validateChat(ev event.ChatEvent) error {
	if ev.StreamID == "" {
		return fmt.Errorf("%w: stream_id is required", ErrInvalidChat)
	}
	if ev.SenderID == "" {
		return fmt.Errorf("%w: sender_id is required", ErrInvalidChat)
	}
	if strings.TrimSpace(ev.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidChat)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChat, ev.Kind)
	}
	if ev.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidChat)
	}
	return nil
}

// giftRow is a gift_events row.
type giftRow struct {
	ID          int64          `db:"id"`
	StreamID    string         `db:"stream_id"`
	GiftID      string         `db:"gift_id"`
	GiftName    sql.NullString `db:"gift_name"`
	SenderID    string         `db:"sender_id"`
	CoinsAmount int64          `db:"coins_amount"`
	Quantity    int            `db:"quantity"`
	CreatedAt   string         `db:"created_at"`
}

const giftColumns = "id, stream_id, gift_id, gift_name, sender_id, coins_amount, quantity, created_at"

func (r *giftRow) toGift() (event.GiftRow, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return event.GiftRow{}, err
	}
	return event.GiftRow{
		ID:          r.ID,
		StreamID:    r.StreamID,
		GiftID:      r.GiftID,
		GiftName:    r.GiftName.String,
		SenderID:    r.SenderID,
		CoinsAmount: r.CoinsAmount,
		Quantity:    r.Quantity,
		CreatedAt:   createdAt,
	}, nil
}

func validateGift(g event.GiftRow) error {
	switch {
	case g.StreamID == "":
		return fmt.Errorf("%w: stream_id is required", ErrInvalidGift)
	case g.GiftID == "":
		return fmt.Errorf("%w: gift_id is required", ErrInvalidGift)
	case g.SenderID == "":
		return fmt.Errorf("%w: sender_id is required", ErrInvalidGift)
	case g.Quantity < 1:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidGift)
	case g.CoinsAmount < 0:
		return fmt.Errorf("%w: coins_amount must not be negative", ErrInvalidGift)
	}
	return nil
}

// profileRow is a profiles row.
type profileRow struct {
	ID            string         `db:"id"`
	Username      string         `db:"username"`
	AvatarURL     sql.NullString `db:"avatar_url"`
	Role          sql.NullString `db:"role"`
	IsGhost       bool           `db:"is_ghost"`
	IsAdmin       bool           `db:"is_admin"`
	IsBanned      bool           `db:"is_banned"`
	CanChat       bool           `db:"can_chat"`
	ChatMuteUntil sql.NullString `db:"chat_mute_until"`
}

func (r *profileRow) toProfile() (identity.Profile, error) {
	p := identity.Profile{
		ID:        r.ID,
		Username:  r.Username,
		AvatarURL: r.AvatarURL.String,
		Role:      r.Role.String,
		IsGhost:   r.IsGhost,
		IsAdmin:   r.IsAdmin,
		IsBanned:  r.IsBanned,
		CanChat:   r.CanChat,
	}
	if r.ChatMuteUntil.Valid && r.ChatMuteUntil.String != "" {
		t, err := parseTime(r.ChatMuteUntil.String)
		if err != nil {
			return identity.Profile{}, err
		}
		p.ChatMuteUntil = &t
	}
	return p, nil
}

// statsRow is a stream_stats row.
type statsRow struct {
	StreamID    string         `db:"stream_id"`
	ViewerCount int            `db:"viewer_count"`
	TotalLikes  int64          `db:"total_likes"`
	LastSeen    sql.NullString `db:"last_seen"`
	UpdatedAt   string         `db:"updated_at"`
}

func (r *statsRow) toStats() (event.StreamStats, error) {
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return event.StreamStats{}, err
	}
	st := event.StreamStats{
		StreamID:    r.StreamID,
		ViewerCount: r.ViewerCount,
		TotalLikes:  r.TotalLikes,
		UpdatedAt:   updatedAt,
	}
	if r.LastSeen.Valid && r.LastSeen.String != "" {
		if st.LastSeen, err = parseTime(r.LastSeen.String); err != nil {
			return event.StreamStats{}, err
		}
	}
	return st, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
