package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func ts(t *testing.T, v string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation(TimeLayout, v, time.Local)
	require.NoError(t, err)
	return tm
}

func rec(t *testing.T, account, name, team, at string) Record {
	return Record{Account: account, Name: name, Team: team, OperationTime: ts(t, at), SourceFile: "a.zip"}
}

func fixture(t *testing.T) []Record {
	return []Record{
		rec(t, "ACC1", "张三", "TeamA", "2025-06-01 09:00:00"),
		rec(t, "ACC1", "张三", "TeamA", "2025-06-01 09:10:00"),
		rec(t, "ACC1", "张三", "TeamA", "2025-06-01 09:20:00"),
		rec(t, "ACC2", "李四", "unassigned", "2025-06-01 10:00:00"),
		rec(t, "ACC2", "李四", "unassigned", "2025-06-01 10:30:00"),
	}
}

func TestInsertBatchIsIdempotent(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	res, err := st.InsertBatch(ctx, fixture(t))
	require.NoError(t, err)
	require.Equal(t, 5, res.Inserted)
	require.Equal(t, []string{"2025-06-01"}, res.Dates)

	again, err := st.InsertBatch(ctx, fixture(t))
	require.NoError(t, err)
	require.Equal(t, 0, again.Inserted)
	require.Equal(t, 5, again.Duplicates)

	n, err := st.CountRecords(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestRecomputeDailyMatchesRawGrouping(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	_, err := st.InsertBatch(ctx, fixture(t))
	require.NoError(t, err)

	require.NoError(t, st.RecomputeDaily(ctx, "2025-06-01"))
	first, err := st.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, DailyRow{Date: "2025-06-01", Account: "ACC1", Name: "张三", Team: "TeamA", Count: 3}, first[0])
	require.Equal(t, DailyRow{Date: "2025-06-01", Account: "ACC2", Name: "李四", Team: "unassigned", Count: 2}, first[1])

	require.NoError(t, st.RecomputeDaily(ctx, "2025-06-01"))
	second, err := st.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMonthlyEqualsSumOfDaily(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	records := append(fixture(t),
		rec(t, "ACC1", "张三", "TeamA", "2025-06-02 09:00:00"),
		rec(t, "ACC2", "李四", "unassigned", "2025-06-15 11:00:00"),
		rec(t, "ACC1", "张三", "TeamA", "2025-07-01 09:00:00"),
	)
	res, err := st.InsertBatch(ctx, records)
	require.NoError(t, err)
	for _, d := range res.Dates {
		require.NoError(t, st.RecomputeDaily(ctx, d))
	}
	require.NoError(t, st.RecomputeMonthly(ctx, "2025-06"))

	monthly, err := st.MonthlySummary(ctx, "2025-06")
	require.NoError(t, err)
	sums := map[string]int{}
	for _, d := range res.Dates {
		if YearMonth(d) != "2025-06" {
			continue
		}
		rows, err := st.DailySummary(ctx, d)
		require.NoError(t, err)
		for _, r := range rows {
			sums[r.Account] += r.Count
		}
	}
	require.Len(t, monthly, 2)
	for _, m := range monthly {
		require.Equal(t, sums[m.Account], m.TotalCount, m.Account)
	}
	require.Equal(t, 4, sums["ACC1"])
}

func TestDailyWithMonthlyKeepsAccountsWithoutMonthlyRow(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	_, err := st.InsertBatch(ctx, fixture(t))
	require.NoError(t, err)
	require.NoError(t, st.RecomputeDaily(ctx, "2025-06-01"))
	require.NoError(t, st.RecomputeMonthly(ctx, "2025-06"))

	// Drop ACC2's monthly row to simulate a missing rollup.
	_, err = st.db.Exec(`DELETE FROM monthly_summary WHERE account='ACC2'`)
	require.NoError(t, err)

	daily, err := st.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	enriched, err := st.DailyWithMonthly(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Len(t, enriched, len(daily))
	require.Equal(t, "ACC2", enriched[1].Account)
	require.Equal(t, 2, enriched[1].DailyCount)
	require.Equal(t, 0, enriched[1].MonthlyCount)
	require.Equal(t, 3, enriched[0].MonthlyCount)
}

func TestAddTeamLeaderPropagatesToRollups(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	_, err := st.InsertBatch(ctx, fixture(t))
	require.NoError(t, err)
	require.NoError(t, st.RecomputeDaily(ctx, "2025-06-01"))
	require.NoError(t, st.RecomputeMonthly(ctx, "2025-06"))

	_, err = st.AddTeamLeader(ctx, "TeamB", "ACC2", "李四组长")
	require.NoError(t, err)

	daily, err := st.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, "TeamB", daily[1].Team)
	require.Equal(t, "李四组长", daily[1].Name)

	monthly, err := st.MonthlySummary(ctx, "2025-06")
	require.NoError(t, err)
	var found bool
	for _, m := range monthly {
		if m.Account == "ACC2" {
			found = true
			require.Equal(t, "TeamB", m.Team)
			require.Equal(t, 2, m.TotalCount)
		}
	}
	require.True(t, found)

	// A later recompute keeps the directory values.
	require.NoError(t, st.RecomputeDaily(ctx, "2025-06-01"))
	daily, err = st.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, "TeamB", daily[1].Team)

	_, err = st.AddTeamLeader(ctx, "TeamC", "ACC2", "x")
	require.ErrorIs(t, err, ErrLeaderExists)
	leaders, err := st.ListTeamLeaders(ctx)
	require.NoError(t, err)
	require.Len(t, leaders, 1)
	require.Equal(t, "TeamB", leaders[0].TeamName)
}

func TestUpdateAndDeleteTeamLeaderResync(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	_, err := st.InsertBatch(ctx, fixture(t))
	require.NoError(t, err)
	require.NoError(t, st.RecomputeDaily(ctx, "2025-06-01"))
	require.NoError(t, st.RecomputeMonthly(ctx, "2025-06"))

	l, err := st.AddTeamLeader(ctx, "TeamA", "ACC1", "张三")
	require.NoError(t, err)
	_, err = st.UpdateTeamLeader(ctx, l.ID, "TeamZ", "ACC1", "张三")
	require.NoError(t, err)
	monthly, err := st.MonthlySummary(ctx, "2025-06")
	require.NoError(t, err)
	require.Equal(t, "TeamZ", monthly[0].Team)

	require.NoError(t, st.DeleteTeamLeader(ctx, l.ID))
	daily, err := st.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, "unassigned", daily[0].Team)

	require.ErrorIs(t, st.DeleteTeamLeader(ctx, l.ID), ErrLeaderNotFound)
}

func TestTaskLockMutualExclusion(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	ok, err := st.AcquireTaskLock(ctx, "report", "2025-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.AcquireTaskLock(ctx, "report", "2025-01-01")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = st.AcquireTaskLock(ctx, "report", "2025-01-02")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.AcquireTaskLock(ctx, "other", "2025-01-01")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTaskLockConcurrentClaimsWinOnce(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.AcquireTaskLock(ctx, "scheduled_report", "2025-06-01")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestSettingsDefaultAndUpsert(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	require.Equal(t, "10:00", st.GetSetting(ctx, SettingScheduleTime, "10:00"))
	require.NoError(t, st.SetSetting(ctx, SettingScheduleTime, "08:30"))
	require.NoError(t, st.SetSetting(ctx, SettingScheduleTime, "09:15"))
	require.Equal(t, "09:15", st.GetSetting(ctx, SettingScheduleTime, "10:00"))
}

func TestArchiveAndDeliveryBookkeeping(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	missing, err := st.GetArchive(ctx, "x.zip")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, st.MarkArchive(ctx, Archive{Name: "x.zip", State: "failed", Reason: "boom"}))
	require.NoError(t, st.MarkArchive(ctx, Archive{Name: "x.zip", State: "done", Parsed: 5, Inserted: 5, ReportDate: "2025-06-01"}))
	a, err := st.GetArchive(ctx, "x.zip")
	require.NoError(t, err)
	require.Equal(t, "done", a.State)
	require.Equal(t, "", a.Reason)
	states, err := st.ArchiveStates(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"x.zip": "done"}, states)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.RecordDelivery(ctx, &Delivery{RunID: fmt.Sprintf("run-%d", i), Trigger: "manual", Environment: "test", Delivered: i%2 == 0, Tier: "text"}))
	}
	list, err := st.ListDeliveries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "run-2", list[0].RunID)
	require.True(t, list[0].Delivered)
}

func TestHealth(t *testing.T) {
	st := openTest(t)
	require.NoError(t, st.Health(context.Background()))
}
