package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"

	"listen_report/internal/csvread"
	"listen_report/internal/notify"
	"listen_report/internal/report"
	"listen_report/internal/store"
)

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []*report.Report
	targets []string
	fail    bool
}

func (f *fakeNotifier) Deliver(_ context.Context, t notify.Target, rep *report.Report) notify.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, rep)
	f.targets = append(f.targets, t.Env)
	if f.fail {
		return notify.Outcome{Environment: t.Env, Target: t.Masked(), Tier: notify.TierNone, Err: errors.New("webhook down")}
	}
	return notify.Outcome{Delivered: true, Environment: t.Env, Target: t.Masked(), Tier: notify.TierText}
}

type harness struct {
	orch   *Orchestrator
	store  *store.Store
	notify *fakeNotifier
	inbox  string
	out    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	inbox := filepath.Join(dir, "inbox")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	mapping := filepath.Join(dir, "team_mapping.csv")
	require.NoError(t, os.WriteFile(mapping, []byte("团队,账号\nTeamA,ACC1\n"), 0o644))

	st, err := store.Open(filepath.Join(dir, "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fn := &fakeNotifier{}
	dec := csvread.NewDecoder(zerolog.Nop())
	orch := New(Options{
		InboxDir:        inbox,
		OutputDir:       out,
		TeamMappingPath: mapping,
		Format:          report.FormatText,
		TaskName:        "scheduled_report",
		Location:        time.UTC,
		Targets: map[string]notify.Target{
			notify.EnvTest: {Env: notify.EnvTest, SendURL: "http://wecom.test/send?key=t"},
			notify.EnvProd: {Env: notify.EnvProd, SendURL: "http://wecom.test/send?key=p"},
		},
	}, st, dec, report.NewRenderer(out, nil, zerolog.Nop()), fn, nil, zerolog.Nop())
	return &harness{orch: orch, store: st, notify: fn, inbox: inbox, out: out}
}

const sampleCSV = "序号,账号,姓名,录音,时长,操作时间\n" +
	"1,ACC1,张三,r1,10,2025-06-01 09:00:00\n" +
	"2,ACC1,张三,r2,10,2025-06-01 09:10:00\n" +
	"3,ACC1,张三,r3,10,2025/6/1 9:20\n" +
	"4,ACC2,李四,r4,10,2025-06-01 10:00:00\n" +
	"5,ACC2,李四,r5,10,2025-06-01 10:30:00\n" +
	"6,ACC3,,r6,10,2025-06-01 11:00:00\n" +
	"7,ACC4,王五,r7,10,not a time\n"

func writeZip(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for n, body := range files {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func TestProcessArchiveLeaderOnlyReportAndFullPersistence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"data/records.csv": sampleCSV})

	res := h.orch.ProcessArchive(ctx, p, ProcessOptions{})
	require.Equal(t, StateDone, res.State, res.Reason)
	require.Equal(t, "2025-06-01", res.ReportDate)
	require.Equal(t, 5, res.Parsed)
	require.Equal(t, 5, res.Inserted)
	require.Equal(t, 1, res.Skipped[csvread.ReasonEmptyIdentity])
	require.Equal(t, 1, res.Skipped[csvread.ReasonParse])

	require.NotNil(t, res.Report)
	require.Equal(t, 3, res.Report.TotalOperations)
	require.Equal(t, 1, res.Report.People)

	daily, err := h.store.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Len(t, daily, 2)
	require.Equal(t, "ACC1", daily[0].Account)
	require.Equal(t, 3, daily[0].Count)
	require.Equal(t, "ACC2", daily[1].Account)
	require.Equal(t, 2, daily[1].Count)
	require.Equal(t, "unassigned", daily[1].Team)

	monthly, err := h.store.MonthlySummary(ctx, "2025-06")
	require.NoError(t, err)
	require.Len(t, monthly, 2)

	arch, err := h.store.GetArchive(ctx, "listen_20250601235959.zip")
	require.NoError(t, err)
	require.Equal(t, StateDone, arch.State)
	require.Empty(t, h.notify.sent)
}

func gbk(t *testing.T, s string) string {
	t.Helper()
	out, err := simplifiedchinese.GBK.NewEncoder().String(s)
	require.NoError(t, err)
	return out
}

func TestProcessArchiveDecodesGBKExport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mapping := filepath.Join(filepath.Dir(h.inbox), "team_mapping.csv")
	require.NoError(t, os.WriteFile(mapping, []byte(gbk(t, "团队,账号\n销售一组,ACC000\n")), 0o644))

	var b strings.Builder
	b.WriteString("序号,账号,姓名,录音,时长,操作时间\n")
	for i := 0; i < 30; i++ {
		name := "王小明"
		if i%3 == 0 {
			name = "张三"
		}
		fmt.Fprintf(&b, "%d,ACC%03d,%s,rec%d.mp3,10,2025-06-01 10:%02d:00\n", i+1, i%3, name, i, i)
	}
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": gbk(t, b.String())})

	res := h.orch.ProcessArchive(ctx, p, ProcessOptions{})
	require.Equal(t, StateDone, res.State, res.Reason)
	require.Contains(t, []string{"gbk", "gb18030"}, res.Encoding)
	require.Equal(t, 30, res.Inserted)

	require.NotNil(t, res.Report)
	require.Equal(t, 10, res.Report.TotalOperations)
	require.Contains(t, res.Report.Text, "销售一组")
	require.Contains(t, res.Report.Text, "张三")

	daily, err := h.store.DailySummary(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Len(t, daily, 3)
	require.Equal(t, "ACC000", daily[0].Account)
	require.Equal(t, "张三", daily[0].Name)
	require.Equal(t, "销售一组", daily[0].Team)
	require.Equal(t, "王小明", daily[1].Name)
}

func TestUntimedLeaderRowsCountTowardReportOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	csv := "序号,账号,姓名,录音,时长,操作时间\n" +
		"1,ACC1,张三,r1,10,2025-06-01 09:00:00\n" +
		"2,ACC1,张三,r2,10,2025-06-01 09:10:00\n" +
		"3,ACC1,张三,r3,10,\n" +
		"4,ACC9,赵六,r4,10,not a time\n"
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": csv})

	res := h.orch.ProcessArchive(ctx, p, ProcessOptions{})
	require.Equal(t, StateDone, res.State, res.Reason)
	require.Equal(t, 2, res.Inserted)
	require.Equal(t, 2, res.Skipped[csvread.ReasonParse])
	require.NotNil(t, res.Report)
	require.Equal(t, 3, res.Report.TotalOperations)
	require.Equal(t, 1, res.Report.People)

	n, err := h.store.CountRecords(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestProcessArchiveSkipsProcessedAndForceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": sampleCSV})
	require.True(t, h.orch.ProcessArchive(ctx, p, ProcessOptions{}).OK())

	again := h.orch.ProcessArchive(ctx, p, ProcessOptions{})
	require.Equal(t, StateSkipped, again.State)

	forced := h.orch.ProcessArchive(ctx, p, ProcessOptions{Force: true})
	require.Equal(t, StateDone, forced.State)
	require.Equal(t, 0, forced.Inserted)
	require.Equal(t, 5, forced.Duplicates)

	n, err := h.store.CountRecords(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestLeaderDirectoryCountsTowardReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.AddTeamLeader(ctx, "TeamB", "ACC2", "李四")
	require.NoError(t, err)
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": sampleCSV})

	res := h.orch.ProcessArchive(ctx, p, ProcessOptions{})
	require.True(t, res.OK())
	require.Equal(t, 5, res.Report.TotalOperations)
	require.Equal(t, 2, res.Report.People)
	require.Equal(t, 2, res.Report.Teams)
}

func TestProcessArchiveDeliversWhenAsked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": sampleCSV})

	res := h.orch.ProcessArchive(ctx, p, ProcessOptions{Deliver: true, Environment: notify.EnvTest})
	require.True(t, res.OK())
	require.NotNil(t, res.Delivery)
	require.True(t, res.Delivery.Delivered)
	require.Equal(t, []string{notify.EnvTest}, h.notify.targets)

	deliveries, err := h.store.ListDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, TriggerIngest, deliveries[0].Trigger)
}

func TestArchiveWithoutCSVIsSkipped(t *testing.T) {
	h := newHarness(t)
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"readme.txt": "hello"})
	res := h.orch.ProcessArchive(context.Background(), p, ProcessOptions{})
	require.Equal(t, StateSkipped, res.State)
	require.Equal(t, ErrNoCSV.Error(), res.Reason)
}

func TestCorruptArchiveIsMarkedProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := filepath.Join(h.inbox, "broken_20250601000000.zip")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not a zip"), 0o644))
	good := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": sampleCSV})
	require.NoError(t, os.Chtimes(good, time.Now().Add(time.Minute), time.Now().Add(time.Minute)))

	results := h.orch.ProcessPending(ctx)
	require.Len(t, results, 2)
	require.Equal(t, StateFailed, results[0].State)
	require.True(t, strings.HasPrefix(results[0].Reason, "parse"))
	require.Equal(t, StateDone, results[1].State)

	arch, err := h.store.GetArchive(ctx, "broken_20250601000000.zip")
	require.NoError(t, err)
	require.Equal(t, StateFailed, arch.State)

	require.Empty(t, h.orch.ProcessPending(ctx))
}

func TestSendReportUsesDatabaseFigures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": sampleCSV})
	require.True(t, h.orch.ProcessArchive(ctx, p, ProcessOptions{}).OK())

	res, err := h.orch.SendReport(ctx, "2025-06-01", notify.EnvTest, TriggerManual)
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, 2, res.People)
	require.Equal(t, 5, res.Total)

	require.Len(t, h.notify.sent, 1)
	rep := h.notify.sent[0]
	require.True(t, rep.IncludeMonthly)
	require.Len(t, rep.Columns, 6)
	require.Equal(t, 3, rep.Rows[0].MonthlyCount)

	deliveries, err := h.store.ListDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, notify.EnvTest, deliveries[0].Environment)
	require.Equal(t, TriggerManual, deliveries[0].Trigger)
}

func TestSendReportErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.SendReport(ctx, "2025-06-01", notify.EnvTest, TriggerManual)
	require.ErrorIs(t, err, ErrNoData)

	_, err = h.orch.SendReport(ctx, "2025-06-01", "staging", TriggerManual)
	require.ErrorIs(t, err, ErrUnknownEnvironment)

	_, err = h.orch.SendReport(ctx, "June 1st", notify.EnvTest, TriggerManual)
	require.Error(t, err)
}

func TestRunScheduledTargetsYesterdayOncePerDate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": sampleCSV})
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	first, err := h.orch.RunScheduled(ctx, now)
	require.NoError(t, err)
	require.True(t, first.LockAcquired)
	require.Equal(t, "2025-06-01", first.Date)
	require.Equal(t, 1, first.Processed)
	require.NotNil(t, first.Send)
	require.True(t, first.Send.Delivered)
	require.Equal(t, []string{notify.EnvProd}, h.notify.targets)

	second, err := h.orch.RunScheduled(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, second.LockAcquired)
	require.Len(t, h.notify.sent, 1)
}

func TestRunScheduledReportsDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.notify.fail = true
	ctx := context.Background()
	writeZip(t, h.inbox, "listen_20250601235959.zip", map[string]string{"records.csv": sampleCSV})

	res, err := h.orch.RunScheduled(ctx, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	require.Error(t, err)
	require.True(t, res.LockAcquired)
	require.False(t, res.Send.Delivered)

	held, err := h.store.TaskLockHeld(ctx, "scheduled_report", "2025-06-01")
	require.NoError(t, err)
	require.True(t, held)
}

func TestValidateArchive(t *testing.T) {
	dir := t.TempDir()
	notZip := filepath.Join(dir, "x.zip")
	require.NoError(t, os.WriteFile(notZip, []byte("plain"), 0o644))
	require.ErrorIs(t, ValidateArchive(notZip), ErrNotZip)

	noCSV := writeZip(t, dir, "y.zip", map[string]string{"a.txt": "x", "__MACOSX/._b.csv": "x"})
	require.ErrorIs(t, ValidateArchive(noCSV), ErrNoCSV)

	ok := writeZip(t, dir, "z.zip", map[string]string{"B.CSV": sampleCSV})
	require.NoError(t, ValidateArchive(ok))
}

func TestReportDateAndTimestamps(t *testing.T) {
	d, ok := ReportDate("导出_20250601093000.zip", time.UTC)
	require.True(t, ok)
	require.Equal(t, "2025-06-01", d.Format(store.DateLayout))
	_, ok = ReportDate("export.zip", time.UTC)
	require.False(t, ok)
	_, ok = ReportDate("export_20251399000000.zip", time.UTC)
	require.False(t, ok)

	for _, in := range []string{"2025-06-01 09:05:07", "2025/6/1 9:05:07", "2025-06-01T09:05:07", "2025-06-01 09:05:07.250", "20250601090507"} {
		got, err := ParseOperationTime(in, time.UTC)
		require.NoError(t, err, in)
		require.Equal(t, 2025, got.Year(), in)
		require.Equal(t, 5, got.Minute(), in)
	}
	_, err := ParseOperationTime("yesterday", time.UTC)
	require.Error(t, err)
}

func TestSaveUploadAndDelete(t *testing.T) {
	h := newHarness(t)
	src := writeZip(t, t.TempDir(), "up.zip", map[string]string{"a.csv": sampleCSV})
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	path, err := h.orch.SaveUpload("listen_20250601235959.zip", bytes.NewReader(data))
	require.NoError(t, err)
	require.FileExists(t, path)

	_, err = h.orch.SaveUpload("bad.zip", strings.NewReader("junk"))
	require.ErrorIs(t, err, ErrNotZip)
	require.NoFileExists(t, filepath.Join(h.inbox, "bad.zip"))

	// A rejected re-upload leaves the accepted archive untouched.
	_, err = h.orch.SaveUpload("listen_20250601235959.zip", strings.NewReader("junk"))
	require.ErrorIs(t, err, ErrNotZip)
	require.NoError(t, ValidateArchive(path))
	kept, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, kept)
	entries, err := os.ReadDir(h.inbox)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = h.orch.SaveUpload("../escape.zip", bytes.NewReader(data))
	require.ErrorIs(t, err, ErrInvalidName)

	files, err := h.orch.ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, StateUnprocessed, files[0].State)

	require.NoError(t, h.orch.DeleteFile("listen_20250601235959.zip"))
	require.ErrorIs(t, h.orch.DeleteFile("notes.txt"), ErrInvalidName)
}

func TestCleanupArtifactsHonoursRetention(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "table_20250101.png")
	fresh := filepath.Join(dir, "summary_20250601.txt")
	other := filepath.Join(dir, "listen.zip")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := now.Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	removed := CleanupArtifacts(dir, 30*24*time.Hour, now, zerolog.Nop())
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
