package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// VacuumInterval is the minimum interval between VACUUM operations.
const VacuumInterval = 7 * 24 * time.Hour

const metadataKeyLastVacuum = "last_vacuum_at"

// Maintain prunes rows older than retention (if positive) and vacuums the
// database at most once per VacuumInterval. It returns the number of rows
// pruned and whether VACUUM ran.
func (s *Store) Maintain(ctx context.Context, retention time.Duration) (int64, bool, error) {
	var pruned int64
	if retention > 0 {
		n, err := s.PruneChat(ctx, s.now().Add(-retention))
		if err != nil {
			return 0, false, err
		}
		pruned = n
		if n > 0 {
			s.logger.Info("pruned history", "rows", n, "retention", retention)
		}
	}
	vacuumed, err := s.VacuumIfNeeded(ctx)
	return pruned, vacuumed, err
}

// VacuumIfNeeded runs VACUUM if the last vacuum was more than VacuumInterval ago.
func (s *Store) VacuumIfNeeded(ctx context.Context) (bool, error) {
	lastVacuum, err := s.getLastVacuumTime(ctx)
	if err != nil {
		return false, err
	}
	if s.now().Sub(lastVacuum) < VacuumInterval {
		return false, nil
	}

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return false, err
	}
	s.logger.Info("vacuum completed",
		"last_run", lastVacuum,
		"elapsed", time.Since(start),
	)

	if err := s.setLastVacuumTime(ctx, s.now()); err != nil {
		s.logger.Warn("failed to update last_vacuum_at", "err", err)
	}
	return true, nil
}

func (s *Store) getLastVacuumTime(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM metadata WHERE key = ?", metadataKeyLastVacuum)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	t, err := parseTime(value)
	if err != nil {
		// Unreadable value: vacuum now.
		return time.Time{}, nil
	}
	return t, nil
}

func (s *Store) setLastVacuumTime(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		metadataKeyLastVacuum,
		formatTime(t),
	)
	return err
}
