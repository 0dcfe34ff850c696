package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Archive is the persisted processing state of one source archive.
type Archive struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	ReportDate string    `json:"report_date,omitempty"`
	Parsed     int       `json:"parsed"`
	Inserted   int       `json:"inserted"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Delivery records one deliver call and its outcome.
type Delivery struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Trigger     string    `json:"trigger"`
	Environment string    `json:"environment"`
	Target      string    `json:"target"`
	ReportDate  string    `json:"report_date"`
	Delivered   bool      `json:"delivered"`
	Tier        string    `json:"tier"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MarkArchive upserts the state of an archive.
func (s *Store) MarkArchive(ctx context.Context, a Archive) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO archives(name, state, reason, report_date, parsed, inserted, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state=excluded.state, reason=excluded.reason, report_date=excluded.report_date,
			parsed=excluded.parsed, inserted=excluded.inserted, updated_at=excluded.updated_at`,
		a.Name, a.State, nullableString(a.Reason), nullableString(a.ReportDate), a.Parsed, a.Inserted, a.UpdatedAt)
	if err != nil {
		return s.fail("mark_archive", a.Name, err)
	}
	return nil
}

// GetArchive returns the archive row, or nil if the archive was never seen.
func (s *Store) GetArchive(ctx context.Context, name string) (*Archive, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, state, reason, report_date, parsed, inserted, updated_at FROM archives WHERE name=?`, name)
	a, err := scanArchive(row.Scan)
	switch {
	case err == nil:
		return &a, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, s.fail("get_archive", name, err)
	}
}

// ListArchives returns the most recently updated archives first.
func (s *Store) ListArchives(ctx context.Context, limit int) ([]Archive, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, state, reason, report_date, parsed, inserted, updated_at
		FROM archives ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, s.fail("list_archives", "", err)
	}
	defer rows.Close()
	var out []Archive
	for rows.Next() {
		a, err := scanArchive(rows.Scan)
		if err != nil {
			return nil, s.fail("list_archives", "", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArchiveStates maps archive name to state for every known archive.
func (s *Store) ArchiveStates(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, state FROM archives`)
	if err != nil {
		return nil, s.fail("archive_states", "", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, state string
		if err := rows.Scan(&name, &state); err != nil {
			return nil, s.fail("archive_states", "", err)
		}
		out[name] = state
	}
	return out, rows.Err()
}

func scanArchive(scan func(dest ...any) error) (Archive, error) {
	var a Archive
	var reason, date sql.NullString
	var updated sql.NullTime
	if err := scan(&a.Name, &a.State, &reason, &date, &a.Parsed, &a.Inserted, &updated); err != nil {
		return a, err
	}
	a.Reason = reason.String
	a.ReportDate = date.String
	a.UpdatedAt = updated.Time
	return a, nil
}

// RecordDelivery appends a delivery outcome.
func (s *Store) RecordDelivery(ctx context.Context, d *Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	delivered := 0
	if d.Delivered {
		delivered = 1
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO deliveries(run_id, trigger_source, environment, target, report_date, delivered, tier, detail, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.Trigger, d.Environment, d.Target, d.ReportDate, delivered, d.Tier, nullableString(d.Detail), d.CreatedAt)
	if err != nil {
		return s.fail("record_delivery", d.RunID, err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// ListDeliveries returns the newest deliveries first.
func (s *Store) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, trigger_source, environment, target, report_date, delivered, tier, detail, created_at
		FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, s.fail("list_deliveries", "", err)
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var d Delivery
		var delivered int
		var target, date, tier, detail sql.NullString
		var created sql.NullTime
		if err := rows.Scan(&d.ID, &d.RunID, &d.Trigger, &d.Environment, &target, &date, &delivered, &tier, &detail, &created); err != nil {
			return nil, s.fail("list_deliveries", "", err)
		}
		d.Target, d.ReportDate, d.Tier, d.Detail = target.String, date.String, tier.String, detail.String
		d.Delivered = delivered == 1
		d.CreatedAt = created.Time
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
