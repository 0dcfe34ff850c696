package store

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

// Record is one listening event. Date is derived from OperationTime when empty.
type Record struct {
	Account       string
	Name          string
	Team          string
	OperationTime time.Time
	Date          string
	SourceFile    string
}

// BatchResult reports how a batch landed. Dates holds every date the batch
// touched, sorted, whether or not its rows were new.
type BatchResult struct {
	Inserted   int      `json:"inserted"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	Dates      []string `json:"dates"`
}

// DailyRow is one daily_summary row.
type DailyRow struct {
	Date    string `json:"date"`
	Account string `json:"account"`
	Name    string `json:"name"`
	Team    string `json:"team"`
	Count   int    `json:"count"`
}

// MonthlyRow is one monthly_summary row.
type MonthlyRow struct {
	YearMonth  string `json:"year_month"`
	Account    string `json:"account"`
	Name       string `json:"name"`
	Team       string `json:"team"`
	TotalCount int    `json:"total_count"`
}

// DailyWithMonthlyRow is a daily row enriched with the month-to-date total.
type DailyWithMonthlyRow struct {
	Account      string `json:"account"`
	Name         string `json:"name"`
	Team         string `json:"team"`
	DailyCount   int    `json:"daily_count"`
	MonthlyCount int    `json:"monthly_count"`
}

// InsertBatch inserts records in one transaction, skipping any whose
// (account, operation_time) already exists. A record that fails to insert is
// counted and logged; the rest of the batch still commits.
func (s *Store) InsertBatch(ctx context.Context, records []Record) (BatchResult, error) {
	var res BatchResult
	if len(records) == 0 {
		return res, nil
	}
	dates := map[string]struct{}{}
	created := s.now()

	err := s.withTx(ctx, "insert_batch", records[0].SourceFile, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO listening_records(account, name, team, operation_time, date, source_file, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			date := r.Date
			if date == "" {
				date = r.OperationTime.Format(DateLayout)
			}
			dates[date] = struct{}{}
			out, err := stmt.ExecContext(ctx, r.Account, r.Name, r.Team, r.OperationTime.Format(TimeLayout), date, r.SourceFile, created)
			if err != nil {
				res.Failed++
				s.logger.Warn().Err(err).Str("op", "insert_record").Str("account", r.Account).Str("operation_time", r.OperationTime.Format(TimeLayout)).Msg("record insert failed")
				continue
			}
			if n, _ := out.RowsAffected(); n == 1 {
				res.Inserted++
			} else {
				res.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{Failed: len(records)}, err
	}
	for d := range dates {
		res.Dates = append(res.Dates, d)
	}
	sort.Strings(res.Dates)
	return res, nil
}

// RecomputeDaily rebuilds daily_summary for date from the raw records. Team
// and name come from the leader directory when the account is a leader.
func (s *Store) RecomputeDaily(ctx context.Context, date string) error {
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()
	return s.withTx(ctx, "recompute_daily", date, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM daily_summary WHERE date = ?`, date); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO daily_summary(date, account, name, team, count)
			SELECT r.date, r.account,
				COALESCE(NULLIF(l.name, ''), MAX(r.name)),
				COALESCE(NULLIF(l.team_name, ''), MAX(r.team)),
				COUNT(*)
			FROM listening_records r
			LEFT JOIN team_leaders l ON l.account_id = r.account
			WHERE r.date = ?
			GROUP BY r.date, r.account`, date)
		return err
	})
}

// RecomputeMonthly rebuilds monthly_summary for yearMonth from daily_summary.
func (s *Store) RecomputeMonthly(ctx context.Context, yearMonth string) error {
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()
	return s.withTx(ctx, "recompute_monthly", yearMonth, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM monthly_summary WHERE year_month = ?`, yearMonth); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO monthly_summary(year_month, account, name, team, total_count, updated_at)
			SELECT ?, d.account,
				COALESCE(NULLIF(l.name, ''), MAX(d.name)),
				COALESCE(NULLIF(l.team_name, ''), MAX(d.team)),
				SUM(d.count), ?
			FROM daily_summary d
			LEFT JOIN team_leaders l ON l.account_id = d.account
			WHERE substr(d.date, 1, 7) = ?
			GROUP BY d.account`, yearMonth, s.now(), yearMonth)
		return err
	})
}

// DailySummary returns the rollup for date, highest count first.
func (s *Store) DailySummary(ctx context.Context, date string) ([]DailyRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, account, name, team, count FROM daily_summary
		WHERE date = ? ORDER BY count DESC, account ASC`, date)
	if err != nil {
		return nil, s.fail("daily_summary", date, err)
	}
	defer rows.Close()
	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		if err := rows.Scan(&r.Date, &r.Account, &r.Name, &r.Team, &r.Count); err != nil {
			return nil, s.fail("daily_summary", date, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("daily_summary", date, err)
	}
	return out, nil
}

// MonthlySummary returns the rollup for yearMonth, highest total first.
func (s *Store) MonthlySummary(ctx context.Context, yearMonth string) ([]MonthlyRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT year_month, account, name, team, total_count FROM monthly_summary
		WHERE year_month = ? ORDER BY total_count DESC, account ASC`, yearMonth)
	if err != nil {
		return nil, s.fail("monthly_summary", yearMonth, err)
	}
	defer rows.Close()
	var out []MonthlyRow
	for rows.Next() {
		var r MonthlyRow
		if err := rows.Scan(&r.YearMonth, &r.Account, &r.Name, &r.Team, &r.TotalCount); err != nil {
			return nil, s.fail("monthly_summary", yearMonth, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("monthly_summary", yearMonth, err)
	}
	return out, nil
}

// DailyWithMonthly left-joins the daily rollup for date with each account's
// total for the same month. Accounts without a monthly row report 0.
func (s *Store) DailyWithMonthly(ctx context.Context, date string) ([]DailyWithMonthlyRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT d.account, d.name, d.team, d.count, COALESCE(m.total_count, 0)
		FROM daily_summary d
		LEFT JOIN monthly_summary m ON m.account = d.account AND m.year_month = ?
		WHERE d.date = ?
		ORDER BY d.count DESC, d.account ASC`, YearMonth(date), date)
	if err != nil {
		return nil, s.fail("daily_with_monthly", date, err)
	}
	defer rows.Close()
	var out []DailyWithMonthlyRow
	for rows.Next() {
		var r DailyWithMonthlyRow
		if err := rows.Scan(&r.Account, &r.Name, &r.Team, &r.DailyCount, &r.MonthlyCount); err != nil {
			return nil, s.fail("daily_with_monthly", date, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("daily_with_monthly", date, err)
	}
	return out, nil
}

// CountRecords returns the number of raw records stored for date.
func (s *Store) CountRecords(ctx context.Context, date string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listening_records WHERE date = ?`, date).Scan(&n); err != nil {
		return 0, s.fail("count_records", date, err)
	}
	return n, nil
}
