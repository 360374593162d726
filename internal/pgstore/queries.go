package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ErrInvalidRow is returned when a row fails validation.
var ErrInvalidRow = errors.New("invalid row")

type chatRow struct {
	ID        string         `db:"id"`
	ClientID  sql.NullString `db:"client_id"`
	StreamID  string         `db:"stream_id"`
	SenderID  string         `db:"sender_id"`
	Content   string         `db:"content"`
	Kind      string         `db:"kind"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r chatRow) toEvent() event.ChatEvent {
	return event.ChatEvent{
		ID:        r.ID,
		ClientID:  r.ClientID.String,
		StreamID:  r.StreamID,
		SenderID:  r.SenderID,
		Content:   r.Content,
		Kind:      event.ChatKind(r.Kind),
		CreatedAt: r.CreatedAt.UTC(),
		Origin:    event.OriginFeed,
	}
}

const chatColumns = "id, client_id, stream_id, sender_id, content, kind, created_at"

func limitOf(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

// InsertChat persists a chat message. A repeated client_id returns the
// existing row.
func (s *Store) InsertChat(ctx context.Context, ev event.ChatEvent) (event.ChatEvent, error) {
	if ev.StreamID == "" || ev.SenderID == "" || strings.TrimSpace(ev.Content) == "" || !ev.Kind.Valid() {
		return event.ChatEvent{}, fmt.Errorf("%w: chat message", ErrInvalidRow)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	id := ev.ID
	if _, err := uuid.Parse(id); err != nil || id == ev.ClientID {
		id = uuid.NewString()
	}
	clientID := sql.NullString{String: ev.ClientID, Valid: ev.ClientID != ""}

	var r chatRow
	err := s.db.GetContext(ctx, &r, `
		INSERT INTO chat_messages (id, client_id, stream_id, sender_id, content, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO NOTHING
		RETURNING `+chatColumns,
		id, clientID, ev.StreamID, ev.SenderID, ev.Content, string(ev.Kind), ev.CreatedAt.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.GetContext(ctx, &r, `SELECT `+chatColumns+` FROM chat_messages WHERE client_id = $1`, ev.ClientID)
	}
	if err != nil {
		return event.ChatEvent{}, fmt.Errorf("insert chat: %w", err)
	}
	return r.toEvent(), nil
}

// RecentChat returns the latest limit messages of a stream, oldest first.
func (s *Store) RecentChat(ctx context.Context, streamID string, limit int) ([]event.ChatEvent, error) {
	var rows []chatRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM (
			SELECT `+chatColumns+` FROM chat_messages
			WHERE stream_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`,
		streamID, limitOf(limit))
	if err != nil {
		return nil, fmt.Errorf("recent chat: %w", err)
	}
	out := make([]event.ChatEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toEvent()
	}
	return out, nil
}

// InsertGift persists a gift purchase.
func (s *Store) InsertGift(ctx context.Context, g event.GiftRow) (event.GiftRow, error) {
	if g.StreamID == "" || g.GiftID == "" || g.SenderID == "" || g.Quantity < 1 || g.CoinsAmount < 0 {
		return event.GiftRow{}, fmt.Errorf("%w: gift event", ErrInvalidRow)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO gift_events (stream_id, gift_id, gift_name, sender_id, coins_amount, quantity, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING id`,
		g.StreamID, g.GiftID, g.GiftName, g.SenderID, g.CoinsAmount, g.Quantity, g.CreatedAt.UTC()).Scan(&g.ID)
	if err != nil {
		return event.GiftRow{}, fmt.Errorf("insert gift: %w", err)
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

type profileRow struct {
	ID            string         `db:"id"`
	Username      string         `db:"username"`
	AvatarURL     sql.NullString `db:"avatar_url"`
	Role          sql.NullString `db:"role"`
	IsGhost       bool           `db:"is_ghost"`
	IsAdmin       bool           `db:"is_admin"`
	IsBanned      bool           `db:"is_banned"`
	CanChat       bool           `db:"can_chat"`
	ChatMuteUntil sql.NullTime   `db:"chat_mute_until"`
}

// UpsertProfile creates or replaces a profile row.
func (s *Store) UpsertProfile(ctx context.Context, p identity.Profile) error {
	var mute sql.NullTime
	if p.ChatMuteUntil != nil {
		mute = sql.NullTime{Time: p.ChatMuteUntil.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, avatar_url, role, is_ghost, is_admin, is_banned, can_chat, chat_mute_until, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			avatar_url = EXCLUDED.avatar_url,
			role = EXCLUDED.role,
			is_ghost = EXCLUDED.is_ghost,
			is_admin = EXCLUDED.is_admin,
			is_banned = EXCLUDED.is_banned,
			can_chat = EXCLUDED.can_chat,
			chat_mute_until = EXCLUDED.chat_mute_until,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Username, p.AvatarURL, p.Role, p.IsGhost, p.IsAdmin, p.IsBanned, p.CanChat, mute, s.now())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// FetchProfiles implements identity.Source.
func (s *Store) FetchProfiles(ctx context.Context, ids []string) (map[string]identity.Profile, error) {
	out := make(map[string]identity.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []profileRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, username, avatar_url, role, is_ghost, is_admin, is_banned, can_chat, chat_mute_until
		FROM profiles WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("fetch profiles: %w", err)
	}
	for _, r := range rows {
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
		if r.ChatMuteUntil.Valid {
			t := r.ChatMuteUntil.Time.UTC()
			p.ChatMuteUntil = &t
		}
		out[p.ID] = p
	}
	return out, nil
}

// FetchPerks implements identity.Source.
func (s *Store) FetchPerks(ctx context.Context, ids []string, now time.Time) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT user_id, perk_key FROM user_perks
		WHERE user_id IN (?) AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY user_id, perk_key`, ids, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("build perks query: %w", err)
	}
	var rows []struct {
		UserID  string `db:"user_id"`
		PerkKey string `db:"perk_key"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("fetch perks: %w", err)
	}
	for _, r := range rows {
		out[r.UserID] = append(out[r.UserID], r.PerkKey)
	}
	return out, nil
}

// FetchInsurance implements identity.Source.
func (s *Store) FetchInsurance(ctx context.Context, ids []string, now time.Time) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var insured []string
	err := s.db.SelectContext(ctx, &insured, `
		SELECT user_id FROM user_insurances WHERE user_id = ANY($1) AND expires_at > $2`,
		pq.Array(ids), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("fetch insurance: %w", err)
	}
	for _, id := range insured {
		out[id] = true
	}
	return out, nil
}

type statsRow struct {
	StreamID    string       `db:"stream_id"`
	ViewerCount int          `db:"viewer_count"`
	TotalLikes  int64        `db:"total_likes"`
	LastSeen    sql.NullTime `db:"last_seen"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// SetViewerCount persists the viewer count of a stream.
func (s *Store) SetViewerCount(ctx context.Context, streamID string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_stats (stream_id, viewer_count, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO UPDATE SET viewer_count = EXCLUDED.viewer_count, updated_at = EXCLUDED.updated_at`,
		streamID, max(count, 0), s.now())
	if err != nil {
		return fmt.Errorf("set viewer count: %w", err)
	}
	return nil
}

// TouchLastSeen marks a stream as live now.
func (s *Store) TouchLastSeen(ctx context.Context, streamID string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_stats (stream_id, last_seen, updated_at) VALUES ($1, $2, $2)
		ON CONFLICT (stream_id) DO UPDATE SET last_seen = EXCLUDED.last_seen, updated_at = EXCLUDED.updated_at`,
		streamID, now)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// AddLikes adds n likes and returns the new total.
func (s *Store) AddLikes(ctx context.Context, streamID string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: like count must be positive", ErrInvalidRow)
	}
	var total int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO stream_stats (stream_id, total_likes, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO UPDATE SET
			total_likes = stream_stats.total_likes + EXCLUDED.total_likes,
			updated_at = EXCLUDED.updated_at
		RETURNING total_likes`,
		streamID, n, s.now()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("add likes: %w", err)
	}
	return total, nil
}

// StreamStats returns the persisted aggregates of a stream.
func (s *Store) StreamStats(ctx context.Context, streamID string) (event.StreamStats, error) {
	var r statsRow
	err := s.db.GetContext(ctx, &r, `
		SELECT stream_id, viewer_count, total_likes, last_seen, updated_at
		FROM stream_stats WHERE stream_id = $1`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return event.StreamStats{StreamID: streamID}, nil
	}
	if err != nil {
		return event.StreamStats{}, fmt.Errorf("get stream stats: %w", err)
	}
	st := event.StreamStats{
		StreamID:    r.StreamID,
		ViewerCount: r.ViewerCount,
		TotalLikes:  r.TotalLikes,
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.LastSeen.Valid {
		st.LastSeen = r.LastSeen.Time.UTC()
	}
	return st, nil
}
