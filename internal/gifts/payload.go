package gifts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/graaaaa/livecast/internal/event"
)

// RawGift is an unclassified gift purchase as delivered by a transport.
type RawGift struct {
	GiftID       string
	Name         string
	SenderID     string
	SenderName   string
	SenderAvatar string
	Amount       int64
	Quantity     int
	ReceivedAt   time.Time
}

// rawPayload covers both the broadcast body and the persisted row shapes.
type rawPayload struct {
	GiftID         string     `json:"gift_id"`
	ID             any        `json:"id"`
	Name           string     `json:"name"`
	GiftName       string     `json:"gift_name"`
	FromUserID     string     `json:"from_user_id"`
	SenderID       string     `json:"sender_id"`
	SenderIDCamel  string     `json:"senderId"`
	SenderUsername string     `json:"sender_username"`
	UserName       string     `json:"user_name"`
	SenderAvatar   string     `json:"sender_avatar"`
	Amount         *int64     `json:"amount"`
	CoinsAmount    *int64     `json:"coins_amount"`
	CoinsSpent     *int64     `json:"coins_spent"`
	Quantity       int        `json:"quantity"`
	CreatedAt      *time.Time `json:"created_at"`
}

// ParsePayload decodes a gift payload. The coin amount is read from
// "amount" (broadcast) or "coins_amount"/"coins_spent" (persisted rows).
// The sender id is read from "from_user_id", "sender_id" or "senderId".
func ParsePayload(data []byte) (RawGift, error) {
	var p rawPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return RawGift{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	g := RawGift{
		GiftID:       p.GiftID,
		Name:         firstNonEmpty(p.Name, p.GiftName),
		SenderID:     firstNonEmpty(p.FromUserID, p.SenderID, p.SenderIDCamel),
		SenderName:   firstNonEmpty(p.SenderUsername, p.UserName),
		SenderAvatar: p.SenderAvatar,
		Quantity:     p.Quantity,
	}
	if g.GiftID == "" {
		if s, ok := p.ID.(string); ok {
			g.GiftID = s
		}
	}
	switch {
	case p.Amount != nil:
		g.Amount = *p.Amount
	case p.CoinsAmount != nil:
		g.Amount = *p.CoinsAmount
	case p.CoinsSpent != nil:
		g.Amount = *p.CoinsSpent
	}
	if p.CreatedAt != nil {
		g.ReceivedAt = *p.CreatedAt
	}
	if g.GiftID == "" && g.Name == "" {
		return RawGift{}, fmt.Errorf("%w: gift id or name is required", ErrInvalidPayload)
	}
	return g, nil
}

// FromEnvelope converts a gift broadcast envelope.
func FromEnvelope(env event.Envelope) RawGift {
	return RawGift{
		GiftID:       env.Data.GiftID,
		Name:         env.Data.GiftName,
		SenderID:     env.Sender,
		SenderName:   env.Data.UserName,
		SenderAvatar: env.Data.UserAvatar,
		Amount:       env.Data.Amount,
		Quantity:     env.Data.Quantity,
		ReceivedAt:   env.Time(),
	}
}

// FromRow converts a persisted gift row.
func FromRow(row event.GiftRow) RawGift {
	return RawGift{
		GiftID:     row.GiftID,
		Name:       row.GiftName,
		SenderID:   row.SenderID,
		Amount:     row.CoinsAmount,
		Quantity:   row.Quantity,
		ReceivedAt: row.CreatedAt,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
