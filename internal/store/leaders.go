package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const unassignedTeam = "unassigned"

// Leader is a row of the team-leader directory.
type Leader struct {
	ID        int64     `json:"id"`
	TeamName  string    `json:"team_name"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListTeamLeaders returns the directory ordered by team then account.
func (s *Store) ListTeamLeaders(ctx context.Context) ([]Leader, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, team_name, account_id, name, created_at, updated_at
		FROM team_leaders ORDER BY team_name ASC, account_id ASC`)
	if err != nil {
		return nil, s.fail("list_team_leaders", "", err)
	}
	defer rows.Close()
	var out []Leader
	for rows.Next() {
		var l Leader
		var created, updated sql.NullTime
		if err := rows.Scan(&l.ID, &l.TeamName, &l.AccountID, &l.Name, &created, &updated); err != nil {
			return nil, s.fail("list_team_leaders", "", err)
		}
		l.CreatedAt = created.Time
		l.UpdatedAt = updated.Time
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_team_leaders", "", err)
	}
	return out, nil
}

// AddTeamLeader inserts a directory entry and, in the same transaction,
// rewrites team/name on the account's raw records and daily rows and
// recomputes its monthly rows. Returns ErrLeaderExists if the account is
// already a leader; nothing is committed in that case.
func (s *Store) AddTeamLeader(ctx context.Context, team, account, name string) (Leader, error) {
	team, account, name = strings.TrimSpace(team), strings.TrimSpace(account), strings.TrimSpace(name)
	var leader Leader
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()
	err := s.withTx(ctx, "add_team_leader", account, func(tx *sql.Tx) error {
		exists, err := leaderExists(ctx, tx, account, 0)
		if err != nil {
			return err
		}
		if exists {
			return ErrLeaderExists
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, `INSERT INTO team_leaders(team_name, account_id, name, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
			team, account, name, now, now)
		if err != nil {
			return err
		}
		id, _ := res.LastInsertId()
		leader = Leader{ID: id, TeamName: team, AccountID: account, Name: name, CreatedAt: now, UpdatedAt: now}
		return s.resyncAccount(ctx, tx, account, team, &name)
	})
	if err != nil {
		return Leader{}, err
	}
	s.logger.Info().Str("account", account).Str("team", team).Msg("team leader added")
	return leader, nil
}

// UpdateTeamLeader changes a directory entry. If the account id changes the
// old account falls back to the unassigned team.
func (s *Store) UpdateTeamLeader(ctx context.Context, id int64, team, account, name string) (Leader, error) {
	team, account, name = strings.TrimSpace(team), strings.TrimSpace(account), strings.TrimSpace(name)
	var leader Leader
	key := fmt.Sprintf("id=%d", id)
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()
	err := s.withTx(ctx, "update_team_leader", key, func(tx *sql.Tx) error {
		prev, err := leaderByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if account != prev.AccountID {
			exists, err := leaderExists(ctx, tx, account, id)
			if err != nil {
				return err
			}
			if exists {
				return ErrLeaderExists
			}
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE team_leaders SET team_name=?, account_id=?, name=?, updated_at=? WHERE id=?`,
			team, account, name, now, id); err != nil {
			return err
		}
		if account != prev.AccountID {
			if err := s.resyncAccount(ctx, tx, prev.AccountID, unassignedTeam, nil); err != nil {
				return err
			}
		}
		leader = Leader{ID: id, TeamName: team, AccountID: account, Name: name, CreatedAt: prev.CreatedAt, UpdatedAt: now}
		return s.resyncAccount(ctx, tx, account, team, &name)
	})
	if err != nil {
		return Leader{}, err
	}
	return leader, nil
}

// DeleteTeamLeader removes a directory entry; the account's rows move to the
// unassigned team.
func (s *Store) DeleteTeamLeader(ctx context.Context, id int64) error {
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()
	return s.withTx(ctx, "delete_team_leader", fmt.Sprintf("id=%d", id), func(tx *sql.Tx) error {
		prev, err := leaderByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM team_leaders WHERE id=?`, id); err != nil {
			return err
		}
		return s.resyncAccount(ctx, tx, prev.AccountID, unassignedTeam, nil)
	})
}

// resyncAccount rewrites the denormalised team (and name when given) for
// account and recomputes every month it has daily rows in.
func (s *Store) resyncAccount(ctx context.Context, tx *sql.Tx, account, team string, name *string) error {
	if name != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE listening_records SET team=?, name=? WHERE account=?`, team, *name, account); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE daily_summary SET team=?, name=? WHERE account=?`, team, *name, account); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE listening_records SET team=? WHERE account=?`, team, account); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE daily_summary SET team=? WHERE account=?`, team, account); err != nil {
			return err
		}
	}

	months, err := accountMonths(ctx, tx, account)
	if err != nil {
		return err
	}
	now := s.now()
	for _, ym := range months {
		if _, err := tx.ExecContext(ctx, `DELETE FROM monthly_summary WHERE year_month=? AND account=?`, ym, account); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO monthly_summary(year_month, account, name, team, total_count, updated_at)
			SELECT ?, account, MAX(name), MAX(team), SUM(count), ?
			FROM daily_summary WHERE account=? AND substr(date, 1, 7)=?
			GROUP BY account`, ym, now, account, ym); err != nil {
			return err
		}
	}
	s.logger.Debug().Str("account", account).Str("team", team).Int("months", len(months)).Msg("account snapshots resynced")
	return nil
}

func accountMonths(ctx context.Context, tx *sql.Tx, account string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT substr(date, 1, 7) FROM daily_summary WHERE account=? ORDER BY 1`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var months []string
	for rows.Next() {
		var ym string
		if err := rows.Scan(&ym); err != nil {
			return nil, err
		}
		months = append(months, ym)
	}
	return months, rows.Err()
}

func leaderExists(ctx context.Context, tx *sql.Tx, account string, exceptID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_leaders WHERE account_id=? AND id<>?`, account, exceptID).Scan(&n)
	return n > 0, err
}

func leaderByID(ctx context.Context, tx *sql.Tx, id int64) (Leader, error) {
	var l Leader
	var created, updated sql.NullTime
	err := tx.QueryRowContext(ctx, `SELECT id, team_name, account_id, name, created_at, updated_at FROM team_leaders WHERE id=?`, id).
		Scan(&l.ID, &l.TeamName, &l.AccountID, &l.Name, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrLeaderNotFound
	}
	l.CreatedAt = created.Time
	l.UpdatedAt = updated.Time
	return l, err
}
