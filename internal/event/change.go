package event

// Tables observed by the durable change feed.
const (
	TableChat     = "chat_messages"
	TableGifts    = "gift_events"
	TableStats    = "stream_stats"
	TableProfiles = "profiles"
)

// Change operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
)

// Change is one notification from the durable row-change feed.
// Exactly one of Chat, Gift, Stats or ProfileID is set, matching Table.
type Change struct {
	Table     string       `json:"table"`
	Op        string       `json:"op"`
	StreamID  string       `json:"stream_id,omitempty"`
	Chat      *ChatEvent   `json:"chat,omitempty"`
	Gift      *GiftRow     `json:"gift,omitempty"`
	Stats     *StreamStats `json:"stats,omitempty"`
	ProfileID string       `json:"profile_id,omitempty"`
}
