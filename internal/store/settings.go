package store

import (
	"context"
	"database/sql"
	"errors"
)

// Settings keys.
const (
	SettingScheduleEnabled = "schedule_enabled"
	SettingScheduleTime    = "schedule_time"
)

// SetSetting upserts a key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, s.now())
	if err != nil {
		return s.fail("set_setting", key, err)
	}
	return nil
}

// GetSetting returns the stored value for key, or def when it is missing or
// the read fails (the failure is logged).
func (s *Store) GetSetting(ctx context.Context, key, def string) string {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	switch {
	case err == nil:
		return v
	case errors.Is(err, sql.ErrNoRows):
		return def
	default:
		_ = s.fail("get_setting", key, err)
		return def
	}
}

// AcquireTaskLock claims (task, date). It returns true for the first caller
// only; the unique index makes concurrent claims race-safe. Locks are never
// released.
func (s *Store) AcquireTaskLock(ctx context.Context, task, date string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO task_locks(task_name, target_date, created_at) VALUES(?, ?, ?)`, task, date, s.now())
	if err != nil {
		return false, s.fail("acquire_task_lock", task+"/"+date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("acquire_task_lock", task+"/"+date, err)
	}
	return n == 1, nil
}

// TaskLockHeld reports whether (task, date) has been claimed.
func (s *Store) TaskLockHeld(ctx context.Context, task, date string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_locks WHERE task_name=? AND target_date=?`, task, date).Scan(&n)
	if err != nil {
		return false, s.fail("task_lock_held", task+"/"+date, err)
	}
	return n > 0, nil
}
