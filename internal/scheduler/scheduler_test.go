package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSettings map[string]string

func (f fakeSettings) GetSetting(_ context.Context, key, def string) string {
	if v, ok := f[key]; ok {
		return v
	}
	return def
}

func TestStartTwiceIsNoop(t *testing.T) {
	s := New(10*time.Millisecond, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !s.Start(ctx) {
		t.Fatalf("expected first start to launch the loop")
	}
	if s.Start(ctx) {
		t.Fatalf("expected second start to be a no-op")
	}
	s.Stop()
	if s.Running() {
		t.Fatalf("expected loop to be stopped")
	}
	if !s.Start(ctx) {
		t.Fatalf("expected restart after stop")
	}
	s.Stop()
}

func TestLoopRunsDueTasksAndRecordsStatus(t *testing.T) {
	var runs int32
	task := Task{
		Name: "sweep",
		Due:  Every(time.Hour),
		Run: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	failing := Task{
		Name: "broken",
		Due:  Every(time.Hour),
		Run: func(ctx context.Context, now time.Time) error {
			panic("bad task")
		},
	}
	s := New(5*time.Millisecond, nil, zerolog.Nop(), failing, task)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("expected exactly one run within the hour, got %d", got)
	}
	st := s.Status()
	if len(st.Tasks) != 2 || st.Tasks[0].Name != "broken" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Tasks[0].LastError == "" {
		t.Fatalf("expected recovered panic to be recorded")
	}
	if st.Tasks[1].Runs != 1 || st.Tasks[1].LastError != "" {
		t.Fatalf("unexpected sweep status %+v", st.Tasks[1])
	}
}

func TestTickRecordsTaskErrors(t *testing.T) {
	s := New(time.Second, nil, zerolog.Nop(), Task{
		Name: "report",
		Due:  Every(0),
		Run:  func(ctx context.Context, now time.Time) error { return errors.New("webhook down") },
	})
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	s.tick(context.Background(), now)
	st := s.Status()
	if st.Tasks[0].LastError != "webhook down" || !st.Tasks[0].LastRun.Equal(now) {
		t.Fatalf("unexpected status %+v", st.Tasks[0])
	}
}

func TestDailyAtHonoursSettings(t *testing.T) {
	settings := fakeSettings{"schedule_enabled": "true", "schedule_time": "10:00"}
	due := DailyAt(time.UTC, SettingsClock(settings, "schedule_enabled", "schedule_time", "10:00"))
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)

	if !due(ctx, at, time.Time{}) {
		t.Fatalf("expected due at the configured minute")
	}
	if due(ctx, at.Add(time.Second), at) {
		t.Fatalf("expected one run per day")
	}
	if due(ctx, at.Add(-time.Minute), time.Time{}) {
		t.Fatalf("expected not due before the configured minute")
	}
	if !due(ctx, at.Add(24*time.Hour), at) {
		t.Fatalf("expected due again the next day")
	}

	settings["schedule_enabled"] = "false"
	if due(ctx, at, time.Time{}) {
		t.Fatalf("expected disabled schedule never to be due")
	}
	settings["schedule_enabled"] = "true"
	settings["schedule_time"] = "bogus"
	if due(ctx, at, time.Time{}) {
		t.Fatalf("expected invalid time never to be due")
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("09:30")
	if err != nil || h != 9 || m != 30 {
		t.Fatalf("unexpected parse %d:%d %v", h, m, err)
	}
	if _, _, err := ParseClock("25:00"); err == nil {
		t.Fatalf("expected invalid hour to fail")
	}
}
