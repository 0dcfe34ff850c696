// Package store owns the SQLite file: raw listening records, daily and
// monthly rollups, the team-leader directory, settings, task locks, and
// archive/delivery bookkeeping.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Date layouts used for the TEXT columns.
const (
	DateLayout      = "2006-01-02"
	YearMonthLayout = "2006-01"
	TimeLayout      = "2006-01-02 15:04:05"
)

var (
	ErrLeaderExists   = errors.New("team leader already exists for account")
	ErrLeaderNotFound = errors.New("team leader not found")
)

// StorageError wraps a failed store operation with what it was doing.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store wraps SQLite access. Connections come from the database/sql pool and
// are held only for the duration of one call or transaction.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time

	// rollupMu serialises destructive recomputes inside this process; the
	// immediate transaction lock covers other processes.
	rollupMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func dsn(path string) string {
	params := "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + params
	}
	return "file:" + path + "?" + params
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listening_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT NOT NULL,
			name TEXT NOT NULL,
			team TEXT NOT NULL,
			operation_time TEXT NOT NULL,
			date TEXT NOT NULL,
			source_file TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_account_time ON listening_records(account, operation_time);`,
		`CREATE INDEX IF NOT EXISTS idx_records_account ON listening_records(account);`,
		`CREATE INDEX IF NOT EXISTS idx_records_date ON listening_records(date);`,
		`CREATE INDEX IF NOT EXISTS idx_records_team ON listening_records(team);`,
		`CREATE TABLE IF NOT EXISTS daily_summary (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			account TEXT NOT NULL,
			name TEXT NOT NULL,
			team TEXT NOT NULL,
			count INTEGER NOT NULL,
			UNIQUE(date, account)
		);`,
		`CREATE TABLE IF NOT EXISTS monthly_summary (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			year_month TEXT NOT NULL,
			account TEXT NOT NULL,
			name TEXT NOT NULL,
			team TEXT NOT NULL,
			total_count INTEGER NOT NULL,
			updated_at TIMESTAMP,
			UNIQUE(year_month, account)
		);`,
		`CREATE TABLE IF NOT EXISTS team_leaders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_name TEXT NOT NULL,
			account_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_locks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_name TEXT NOT NULL,
			target_date TEXT NOT NULL,
			created_at TIMESTAMP,
			UNIQUE(task_name, target_date)
		);`,
		`CREATE TABLE IF NOT EXISTS archives (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			reason TEXT,
			report_date TEXT,
			parsed INTEGER NOT NULL DEFAULT 0,
			inserted INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			environment TEXT NOT NULL,
			target TEXT,
			report_date TEXT,
			delivered INTEGER NOT NULL,
			tier TEXT,
			detail TEXT,
			created_at TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// fail logs err with the operation context and returns it as a StorageError.
func (s *Store) fail(op, key string, err error) error {
	s.logger.Error().Err(err).Str("op", op).Str("key", key).Msg("storage operation failed")
	return &StorageError{Op: op, Key: key, Err: err}
}

// withTx runs fn in a transaction that is committed on success and rolled
// back on error or panic.
func (s *Store) withTx(ctx context.Context, op, key string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(op, key, err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			err = s.fail(op, key, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrLeaderExists) || errors.Is(err, ErrLeaderNotFound) {
			s.logger.Info().Err(err).Str("op", op).Str("key", key).Msg("storage operation rejected")
			return err
		}
		return s.fail(op, key, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail(op, key, err)
	}
	return nil
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

// YearMonth returns the YYYY-MM prefix of a YYYY-MM-DD date.
func YearMonth(date string) string {
	if len(date) < 7 {
		return date
	}
	return date[:7]
}
