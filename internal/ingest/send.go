package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listen_report/internal/notify"
	"listen_report/internal/report"
	"listen_report/internal/store"
)

var (
	ErrNoData             = errors.New("no data for date")
	ErrUnknownEnvironment = errors.New("unknown delivery environment")
)

// SendResult is what a manual or scheduled send reports back.
type SendResult struct {
	Date        string `json:"date"`
	Environment string `json:"environment"`
	Target      string `json:"target"`
	Delivered   bool   `json:"delivered"`
	Tier        string `json:"tier"`
	Detail      string `json:"detail,omitempty"`
	People      int    `json:"people"`
	Total       int    `json:"total_operations"`
}

// BuildReport renders the database-backed report for date, with month-to-date
// totals. It returns ErrNoData when the date has no rollup rows.
func (o *Orchestrator) BuildReport(ctx context.Context, date string) (*report.Report, error) {
	day, err := time.ParseInLocation(store.DateLayout, date, o.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	rows, err := o.store.DailyWithMonthly(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	counts := make(map[report.Key]int, len(rows))
	monthly := make(map[string]int, len(rows))
	total := 0
	for _, r := range rows {
		counts[report.Key{Team: r.Team, Name: r.Name, Account: r.Account}] += r.DailyCount
		monthly[r.Account] = r.MonthlyCount
		total += r.DailyCount
	}
	rep := o.renderer.Render(report.Input{Counts: counts, Date: day, Total: total, Format: o.opts.Format, Monthly: monthly})
	if rep == nil {
		return nil, ErrNoData
	}
	return rep, nil
}

// SendReport delivers the database-backed report for date to env.
func (o *Orchestrator) SendReport(ctx context.Context, date, env, trigger string) (SendResult, error) {
	res := SendResult{Date: date, Environment: env}
	target, ok := o.opts.Targets[env]
	if !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	res.Target = target.Masked()
	if target.SendURL == "" {
		return res, notify.ErrNoTarget
	}
	rep, err := o.BuildReport(ctx, date)
	if err != nil {
		return res, err
	}
	res.People, res.Total = rep.People, rep.TotalOperations
	out := o.deliver(ctx, env, trigger, date, rep)
	res.Delivered, res.Tier, res.Detail = out.Delivered, out.Tier, out.Detail()
	if !out.Delivered {
		return res, out.Err
	}
	return res, nil
}

// ScheduledResult reports a RunScheduled call. LockAcquired false means
// another runner already claimed the date.
type ScheduledResult struct {
	Date         string      `json:"date"`
	LockAcquired bool        `json:"lock_acquired"`
	Processed    int         `json:"processed"`
	Send         *SendResult `json:"send,omitempty"`
}

// RunScheduled sends yesterday's report, relative to now, to prod. Archives
// uploaded today carry the previous day's activity. The task lock is never
// released; clearing a failed date needs its task_locks row deleted.
func (o *Orchestrator) RunScheduled(ctx context.Context, now time.Time) (ScheduledResult, error) {
	date := now.In(o.opts.Location).AddDate(0, 0, -1).Format(store.DateLayout)
	res := ScheduledResult{Date: date}
	log := o.logger.With().Str("task", o.opts.TaskName).Str("date", date).Logger()

	acquired, err := o.store.AcquireTaskLock(ctx, o.opts.TaskName, date)
	if err != nil {
		return res, err
	}
	if !acquired {
		log.Info().Msg("task lock held, scheduled run skipped")
		return res, nil
	}
	res.LockAcquired = true

	for _, r := range o.ProcessPending(ctx) {
		if r.OK() {
			res.Processed++
		}
	}

	send, err := o.SendReport(ctx, date, notify.EnvProd, TriggerScheduled)
	res.Send = &send
	if err != nil {
		log.Warn().Err(err).Msg("scheduled report not delivered")
		return res, err
	}
	log.Info().Str("tier", send.Tier).Int("people", send.People).Msg("scheduled report delivered")
	return res, nil
}
