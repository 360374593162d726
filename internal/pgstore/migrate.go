package pgstore

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         UUID PRIMARY KEY,
		client_id  TEXT UNIQUE,
		stream_id  TEXT NOT NULL,
		sender_id  TEXT NOT NULL,
		content    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_stream_created ON chat_messages(stream_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS gift_events (
		id           BIGSERIAL PRIMARY KEY,
		stream_id    TEXT NOT NULL,
		gift_id      TEXT NOT NULL,
		gift_name    TEXT,
		sender_id    TEXT NOT NULL,
		coins_amount BIGINT NOT NULL,
		quantity     INT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gift_stream_created ON gift_events(stream_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		id              TEXT PRIMARY KEY,
		username        TEXT NOT NULL,
		avatar_url      TEXT,
		role            TEXT,
		is_ghost        BOOLEAN NOT NULL DEFAULT FALSE,
		is_admin        BOOLEAN NOT NULL DEFAULT FALSE,
		is_banned       BOOLEAN NOT NULL DEFAULT FALSE,
		can_chat        BOOLEAN NOT NULL DEFAULT TRUE,
		chat_mute_until TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_perks (
		user_id    TEXT NOT NULL,
		perk_key   TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		PRIMARY KEY (user_id, perk_key)
	)`,
	`CREATE TABLE IF NOT EXISTS user_insurances (
		user_id    TEXT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stream_stats (
		stream_id    TEXT PRIMARY KEY,
		viewer_count INT NOT NULL DEFAULT 0,
		total_likes  BIGINT NOT NULL DEFAULT 0,
		last_seen    TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE OR REPLACE FUNCTION livecast_notify() RETURNS trigger AS $$
	DECLARE
		payload JSON;
	BEGIN
		IF TG_TABLE_NAME = 'profiles' THEN
			payload := json_build_object('table', TG_TABLE_NAME, 'op', lower(TG_OP), 'row', json_build_object('id', NEW.id));
		ELSE
			payload := json_build_object('table', TG_TABLE_NAME, 'op', lower(TG_OP), 'row', row_to_json(NEW));
		END IF;
		PERFORM pg_notify('` + NotifyChannel + `', payload::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
}

var notifyTables = []string{"chat_messages", "gift_events", "stream_stats", "profiles"}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	for _, table := range notifyTables {
		stmts := []string{
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE ON %s
				FOR EACH ROW EXECUTE FUNCTION livecast_notify()`, table, table),
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("install %s trigger: %w", table, err)
			}
		}
	}
	s.logger.Info("database migrations applied")
	return nil
}
