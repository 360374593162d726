package store

import (
	"context"
	"fmt"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

var schema = []struct {
	name string
	ddl  string
}{
	{"chat_messages", `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id         TEXT PRIMARY KEY,
		client_id  TEXT UNIQUE,
		stream_id  TEXT NOT NULL,
		sender_id  TEXT NOT NULL,
		content    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_stream_created ON chat_messages(stream_id, created_at, id);
	`},
	{"gift_events", `
	CREATE TABLE IF NOT EXISTS gift_events (
		id           INTEGER PRIMARY KEY,
		stream_id    TEXT NOT NULL,
		gift_id      TEXT NOT NULL,
		gift_name    TEXT,
		sender_id    TEXT NOT NULL,
		coins_amount INTEGER NOT NULL,
		quantity     INTEGER NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gift_stream_created ON gift_events(stream_id, created_at);
	`},
	{"profiles", `
	CREATE TABLE IF NOT EXISTS profiles (
		id              TEXT PRIMARY KEY,
		username        TEXT NOT NULL,
		avatar_url      TEXT,
		role            TEXT,
		is_ghost        INTEGER NOT NULL DEFAULT 0,
		is_admin        INTEGER NOT NULL DEFAULT 0,
		is_banned       INTEGER NOT NULL DEFAULT 0,
		can_chat        INTEGER NOT NULL DEFAULT 1,
		chat_mute_until TEXT,
		updated_at      TEXT NOT NULL
	);
	`},
	{"user_perks", `
	CREATE TABLE IF NOT EXISTS user_perks (
		user_id    TEXT NOT NULL,
		perk_key   TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (user_id, perk_key)
	);
	`},
	{"user_insurances", `
	CREATE TABLE IF NOT EXISTS user_insurances (
		user_id    TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL
	);
	`},
	{"stream_stats", `
	CREATE TABLE IF NOT EXISTS stream_stats (
		stream_id    TEXT PRIMARY KEY,
		viewer_count INTEGER NOT NULL DEFAULT 0,
		total_likes  INTEGER NOT NULL DEFAULT 0,
		last_seen    TEXT,
		updated_at   TEXT NOT NULL
	);
	`},
	{"metadata", `
	CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`},
}

// migrate creates all tables.
func (s *Store) migrate(ctx context.Context) error {
	for _, t := range schema {
		if _, err := s.db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("create %s table: %w", t.name, err)
		}
	}
	return nil
}
