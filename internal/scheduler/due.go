package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Every is due when at least d has passed since the last run. A task that
// never ran is due at once.
func Every(d time.Duration) DueFunc {
	return func(_ context.Context, now, last time.Time) bool {
		return last.IsZero() || now.Sub(last) >= d
	}
}

// ClockFunc yields whether a daily task is enabled and its HH:MM time.
type ClockFunc func(ctx context.Context) (enabled bool, hhmm string)

// DailyAt is due during the minute named by clock, once per calendar day.
// clock is consulted on every tick, so setting changes apply without restart.
func DailyAt(loc *time.Location, clock ClockFunc) DueFunc {
	if loc == nil {
		loc = time.Local
	}
	return func(ctx context.Context, now, last time.Time) bool {
		enabled, hhmm := clock(ctx)
		if !enabled {
			return false
		}
		h, m, err := ParseClock(hhmm)
		if err != nil {
			return false
		}
		now = now.In(loc)
		if now.Hour() != h || now.Minute() != m {
			return false
		}
		return last.IsZero() || !sameDay(last.In(loc), now)
	}
}

// ParseClock validates an HH:MM string.
func ParseClock(hhmm string) (int, int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", hhmm)
	}
	return t.Hour(), t.Minute(), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// SettingsReader is the part of the store the schedule clock needs.
type SettingsReader interface {
	GetSetting(ctx context.Context, key, def string) string
}

// SettingsClock reads the enabled flag and time from persisted settings.
func SettingsClock(st SettingsReader, enabledKey, timeKey, defaultTime string) ClockFunc {
	return func(ctx context.Context) (bool, string) {
		enabled := st.GetSetting(ctx, enabledKey, "false") == "true"
		return enabled, st.GetSetting(ctx, timeKey, defaultTime)
	}
}
