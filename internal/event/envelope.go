package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/graaaaa/livecast/internal/identity"
)

// EnvelopeVersion is the current broadcast envelope version.
const EnvelopeVersion = 1

// Envelope types.
const (
	EnvelopeChat = "chat"
	EnvelopeGift = "gift"
	EnvelopeLike = "like"
)

// ErrInvalidEnvelope is returned when a broadcast envelope fails validation.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the wire format of the ephemeral broadcast channel.
// The sender's display identity rides along in Data so receivers can render
// the event without an identity lookup.
type Envelope struct {
	V        int          `json:"v"`
	Type     string       `json:"type"`
	TxnID    string       `json:"txn_id"`
	Sender   string       `json:"s"`
	Ts       int64        `json:"ts"` // unix milliseconds
	StreamID string       `json:"stream_id"`
	Data     EnvelopeData `json:"d"`

	// Node identifies the relay process that published the envelope, so a
	// process can skip its own broadcasts.
	Node string `json:"node,omitempty"`
}

// EnvelopeData is the type-specific body of an Envelope.
type EnvelopeData struct {
	Content    string   `json:"content,omitempty"`
	Kind       ChatKind `json:"kind,omitempty"`
	ClientID   string   `json:"client_id,omitempty"`
	UserName   string   `json:"user_name,omitempty"`
	UserAvatar string   `json:"user_avatar,omitempty"`
	UserRole   string   `json:"user_role,omitempty"`

	// UserComplete marks the user fields as a full display identity
	// (ghost flag, perks, insurance included). Receivers only cache complete
	// identities.
	UserComplete bool     `json:"user_complete,omitempty"`
	UserPerks    []string `json:"user_perks,omitempty"`
	UserGhost    bool     `json:"user_ghost,omitempty"`
	UserInsured  bool     `json:"user_insured,omitempty"`
	UserAdmin    bool     `json:"user_admin,omitempty"`

	GiftID   string `json:"gift_id,omitempty"`
	GiftName string `json:"gift_name,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Likes    int64  `json:"likes,omitempty"`
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Ts).UTC()
}

// Validate checks the fields every envelope must carry.
func (e Envelope) Validate() error {
	if e.V != EnvelopeVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidEnvelope, e.V)
	}
	if e.StreamID == "" {
		return fmt.Errorf("%w: stream_id is required", ErrInvalidEnvelope)
	}
	if e.Sender == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidEnvelope)
	}
	switch e.Type {
	case EnvelopeChat:
		if e.Data.Content == "" {
			return fmt.Errorf("%w: chat content is required", ErrInvalidEnvelope)
		}
	case EnvelopeGift:
		if e.Data.GiftID == "" && e.Data.GiftName == "" {
			return fmt.Errorf("%w: gift id or name is required", ErrInvalidEnvelope)
		}
	case EnvelopeLike:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// DecodeEnvelope parses and validates a broadcast envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewChatEnvelope builds the broadcast copy of a locally sent chat event.
// sender may be nil when the profile is not known.
func NewChatEnvelope(ev ChatEvent, sender *identity.Record) Envelope {
	env := Envelope{
		V:        EnvelopeVersion,
		Type:     EnvelopeChat,
		TxnID:    ev.ID,
		Sender:   ev.SenderID,
		Ts:       ev.CreatedAt.UnixMilli(),
		StreamID: ev.StreamID,
		Data: EnvelopeData{
			Content:  ev.Content,
			Kind:     ev.Kind,
			ClientID: ev.ClientID,
		},
	}
	if sender != nil {
		env.Data.SetSender(*sender)
	}
	return env
}

// SetSender copies rec's display identity into d. A fallback record is
// carried for display only and is not marked complete.
func (d *EnvelopeData) SetSender(rec identity.Record) {
	d.UserName = rec.DisplayName
	d.UserAvatar = rec.AvatarURL
	d.UserRole = rec.Role
	d.UserPerks = slices.Clone(rec.Perks)
	d.UserGhost = rec.IsGhost
	d.UserInsured = rec.HasActiveInsurance
	d.UserAdmin = rec.IsAdmin
	d.UserComplete = !rec.Fallback
}

// ChatEvent converts a chat envelope into a ChatEvent with OriginBroadcast.
func (e Envelope) ChatEvent() ChatEvent {
	kind := e.Data.Kind
	if !kind.Valid() {
		kind = KindChat
	}
	id := e.Data.ClientID
	if id == "" {
		id = e.TxnID
	}
	return ChatEvent{
		ID:        id,
		ClientID:  e.Data.ClientID,
		StreamID:  e.StreamID,
		SenderID:  e.Sender,
		Content:   e.Data.Content,
		Kind:      kind,
		CreatedAt: e.Time(),
		Origin:    OriginBroadcast,
	}
}

// SenderProfile returns the display identity carried by the envelope, or
// nil unless the envelope carries a complete one. Moderation fields are not
// carried; the send path checks those against the store.
func (e Envelope) SenderProfile() *identity.Record {
	if !e.Data.UserComplete || e.Data.UserName == "" {
		return nil
	}
	rec := identity.Record{
		ID:                 e.Sender,
		DisplayName:        e.Data.UserName,
		AvatarURL:          e.Data.UserAvatar,
		Role:               e.Data.UserRole,
		Perks:              slices.Clone(e.Data.UserPerks),
		IsGhost:            e.Data.UserGhost,
		HasActiveInsurance: e.Data.UserInsured,
		IsAdmin:            e.Data.UserAdmin,
		CanChat:            true,
	}
	return &rec
}
