// Package event provides the shared models that flow through the broadcast
// pipeline: chat events, persisted rows, row changes, broadcast envelopes and
// presence members. It is used by the chat, gifts, presence, store,
// transport and api packages.
package event

import (
	"time"

	"github.com/graaaaa/livecast/internal/identity"
)

// ChatKind classifies a chat event.
type ChatKind string

// Chat kinds.
const (
	KindChat     ChatKind = "chat"
	KindImage    ChatKind = "image"
	KindSystem   ChatKind = "system"
	KindEntrance ChatKind = "entrance"
)

// Valid reports whether k is a known kind.
func (k ChatKind) Valid() bool {
	switch k {
	case KindChat, KindImage, KindSystem, KindEntrance:
		return true
	default:
		return false
	}
}

// Origin records which path delivered a chat event.
type Origin string

// Origins.
const (
	OriginFeed      Origin = "feed"
	OriginBroadcast Origin = "broadcast"
	OriginLocal     Origin = "local"
	OriginHistory   Origin = "history"
)

// ChatEvent is a chat message, image, system notice or entrance effect.
// ID is authoritative once the row is persisted; an optimistic local echo
// carries a client-generated ClientID (and uses it as ID until then).
type ChatEvent struct {
	ID        string           `json:"id"`
	ClientID  string           `json:"client_id,omitempty"`
	StreamID  string           `json:"stream_id"`
	SenderID  string           `json:"sender_id"`
	Content   string           `json:"content"`
	Kind      ChatKind         `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
	Seq       uint64           `json:"seq"`
	Origin    Origin           `json:"origin"`
	Sender    *identity.Record `json:"sender,omitempty"`

	// PublishedAt is when the event entered a published list.
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// GiftRow is a persisted gift purchase.
type GiftRow struct {
	ID          int64     `json:"id"`
	StreamID    string    `json:"stream_id"`
	GiftID      string    `json:"gift_id"`
	GiftName    string    `json:"gift_name,omitempty"`
	SenderID    string    `json:"sender_id"`
	CoinsAmount int64     `json:"coins_amount"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// StreamStats holds the derived aggregates persisted per stream.
type StreamStats struct {
	StreamID    string    `json:"stream_id"`
	ViewerCount int       `json:"viewer_count"`
	TotalLikes  int64     `json:"total_likes"`
	LastSeen    time.Time `json:"last_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Member is one participant of a stream's presence channel.
type Member struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Role        string    `json:"role,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// StringPtr returns a pointer to the given string.
// Useful for setting optional fields.
func StringPtr(s string) *string {
	return &s
}
