package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
)

// UpsertProfile creates or replaces a profile row.
func (s *Store) UpsertProfile(ctx context.Context, p identity.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("upsert profile: id is required")
	}
	var muteUntil any
	if p.ChatMuteUntil != nil {
		muteUntil = formatTime(*p.ChatMuteUntil)
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO profiles (id, username, avatar_url, role, is_ghost, is_admin, is_banned, can_chat, chat_mute_until, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		avatar_url = excluded.avatar_url,
		role = excluded.role,
		is_ghost = excluded.is_ghost,
		is_admin = excluded.is_admin,
		is_banned = excluded.is_banned,
		can_chat = excluded.can_chat,
		chat_mute_until = excluded.chat_mute_until,
		updated_at = excluded.updated_at
	`, p.ID, p.Username, nullString(p.AvatarURL), nullString(p.Role),
		p.IsGhost, p.IsAdmin, p.IsBanned, p.CanChat, muteUntil, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	s.feed.Publish(event.Change{Table: event.TableProfiles, Op: event.OpUpdate, ProfileID: p.ID})
	return nil
}

// GrantPerk gives a user a perk until expiresAt (forever if nil).
func (s *Store) GrantPerk(ctx context.Context, userID, perk string, expiresAt *time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = formatTime(*expiresAt)
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO user_perks (user_id, perk_key, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id, perk_key) DO UPDATE SET expires_at = excluded.expires_at
	`, userID, perk, exp)
	if err != nil {
		return fmt.Errorf("grant perk: %w", err)
	}
	return nil
}

// SetInsurance records a user's insurance expiry.
func (s *Store) SetInsurance(ctx context.Context, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO user_insurances (user_id, expires_at) VALUES (?, ?)
	ON CONFLICT(user_id) DO UPDATE SET expires_at = excluded.expires_at
	`, userID, formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("set insurance: %w", err)
	}
	return nil
}

// FetchProfiles implements identity.Source.
func (s *Store) FetchProfiles(ctx context.Context, ids []string) (map[string]identity.Profile, error) {
	out := make(map[string]identity.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
	SELECT id, username, avatar_url, role, is_ghost, is_admin, is_banned, can_chat, chat_mute_until
	FROM profiles WHERE id IN (?)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("build profiles query: %w", err)
	}

	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("fetch profiles: %w", err)
	}
	for i := range rows {
		p, err := rows[i].toProfile()
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, nil
}

// FetchPerks implements identity.Source. Expired perks are excluded.
func (s *Store) FetchPerks(ctx context.Context, ids []string, now time.Time) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
	SELECT user_id, perk_key FROM user_perks
	WHERE user_id IN (?) AND (expires_at IS NULL OR expires_at > ?)
	ORDER BY user_id, perk_key
	`, ids, formatTime(now))
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
	query, args, err := sqlx.In(`
	SELECT user_id FROM user_insurances WHERE user_id IN (?) AND expires_at > ?
	`, ids, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("build insurance query: %w", err)
	}

	var insured []string
	if err := s.db.SelectContext(ctx, &insured, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("fetch insurance: %w", err)
	}
	for _, id := range insured {
		out[id] = true
	}
	return out, nil
}
