// Package ingest turns source archives into stored records, rollups and
// reports, and ships reports to the webhook.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"listen_report/internal/csvread"
	"listen_report/internal/metrics"
	"listen_report/internal/notify"
	"listen_report/internal/report"
	"listen_report/internal/store"
	"listen_report/internal/teams"
)

// Archive states, persisted in the archives table.
const (
	StateUnprocessed = "unprocessed"
	StateParsing     = "parsing"
	StateResolving   = "resolving"
	StatePersisting  = "persisting"
	StateRendering   = "rendering"
	StateDelivering  = "delivering"
	StateDone        = "done"
	StateSkipped     = "skipped"
	StateFailed      = "failed"
)

// Trigger sources recorded with each delivery.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerIngest    = "ingest"
)

// Processed reports whether an archive in state s must not be attempted again.
func Processed(s string) bool {
	return s == StateDone || s == StateSkipped || s == StateFailed
}

// Notifier is the delivery side of the orchestrator.
type Notifier interface {
	Deliver(ctx context.Context, t notify.Target, rep *report.Report) notify.Outcome
}

// Options carries the paths and knobs the orchestrator needs.
type Options struct {
	InboxDir        string
	OutputDir       string
	TeamMappingPath string
	Format          report.Format
	TaskName        string
	Location        *time.Location
	Targets         map[string]notify.Target
	RetentionDays   int
}

// Orchestrator runs synchronously inside whatever triggers it.
type Orchestrator struct {
	opts     Options
	store    *store.Store
	decoder  *csvread.Decoder
	renderer *report.Renderer
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func New(opts Options, st *store.Store, dec *csvread.Decoder, renderer *report.Renderer, n Notifier, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Format == "" {
		opts.Format = report.FormatBoth
	}
	if opts.TaskName == "" {
		opts.TaskName = "scheduled_report"
	}
	return &Orchestrator{
		opts:     opts,
		store:    st,
		decoder:  dec,
		renderer: renderer,
		notifier: n,
		metrics:  m,
		logger:   logger.With().Str("component", "ingest").Logger(),
		now:      time.Now,
	}
}

// ProcessOptions controls one ProcessArchive call.
type ProcessOptions struct {
	// Force reprocesses an archive already marked processed.
	Force bool
	// Deliver ships the archive report to Environment.
	Deliver     bool
	Environment string
	Trigger     string
}

// Result is the per-archive outcome shown to operators.
type Result struct {
	Archive     string          `json:"archive"`
	State       string          `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	ReportDate  string          `json:"report_date,omitempty"`
	CSV         string          `json:"csv,omitempty"`
	Encoding    string          `json:"encoding,omitempty"`
	Parsed      int             `json:"parsed"`
	Inserted    int             `json:"inserted"`
	Duplicates  int             `json:"duplicates"`
	Failed      int             `json:"failed"`
	Skipped     map[string]int  `json:"skipped,omitempty"`
	Dates       []string        `json:"dates,omitempty"`
	Report      *report.Report  `json:"report,omitempty"`
	Delivery    *notify.Outcome `json:"-"`
	DeliveryMsg string          `json:"delivery,omitempty"`
}

// OK reports whether the archive reached Done.
func (r Result) OK() bool { return r.State == StateDone }

// ProcessArchive walks one archive through parse, resolve, persist, render
// and optionally deliver. The returned report is leader-only; the database
// keeps every record, mapped or not. A failed archive is still marked
// processed so it is not retried forever.
func (o *Orchestrator) ProcessArchive(ctx context.Context, path string, po ProcessOptions) (res Result) {
	name := filepath.Base(path)
	res = Result{Archive: name, State: StateUnprocessed}
	log := o.logger.With().Str("archive", name).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("state", res.State).Msg("archive processing panicked")
			res.State, res.Reason = StateFailed, fmt.Sprintf("panic: %v", r)
			o.mark(ctx, &res)
		}
		o.metrics.Archive(res.State)
	}()

	if !po.Force {
		prev, err := o.store.GetArchive(ctx, name)
		if err != nil {
			return o.fail(ctx, log, &res, "read archive state", err)
		}
		if prev != nil && Processed(prev.State) {
			log.Debug().Str("state", prev.State).Msg("archive already processed")
			res.State, res.Reason = StateSkipped, "already processed"
			return res
		}
	}

	reportDate, dated := ReportDate(name, o.opts.Location)
	if dated {
		res.ReportDate = reportDate.Format(store.DateLayout)
	}

	o.advance(ctx, &res, StateParsing)
	parsed, err := parseArchive(o.decoder, path, o.opts.Location)
	res.CSV = parsed.CSVName
	if errors.Is(err, ErrNoCSV) {
		res.State, res.Reason = StateSkipped, ErrNoCSV.Error()
		o.mark(ctx, &res)
		log.Warn().Msg("archive skipped: no csv")
		return res
	}
	if err != nil {
		return o.fail(ctx, log, &res, "parse", err)
	}
	diag := parsed.Diagnostics
	res.Parsed, res.Encoding, res.Skipped = len(parsed.Rows), diag.Encoding, diag.Skipped
	for reason, n := range diag.Skipped {
		o.metrics.RowsSkipped(reason, n)
	}

	o.advance(ctx, &res, StateResolving)
	resolver := o.resolver(ctx)
	records := make([]store.Record, 0, len(parsed.Rows))
	counts := map[report.Key]int{}
	leaderTotal := 0
	tally := func(row Row) store.Record {
		entry, known := resolver.Resolve(row.Account)
		if known {
			display := entry.Name
			if display == "" {
				display = row.Name
			}
			counts[report.Key{Team: entry.Team, Name: display, Account: row.Account}]++
			leaderTotal++
		}
		return store.Record{
			Account:       row.Account,
			Name:          row.Name,
			Team:          entry.Team,
			OperationTime: row.OperationTime,
			SourceFile:    name,
		}
	}
	for _, row := range parsed.Rows {
		records = append(records, tally(row))
	}
	// Untimed leader rows count toward the report but are not stored.
	for _, row := range parsed.Untimed {
		tally(row)
	}

	o.advance(ctx, &res, StatePersisting)
	batch, err := o.store.InsertBatch(ctx, records)
	if err != nil {
		return o.fail(ctx, log, &res, "insert", err)
	}
	res.Inserted, res.Duplicates, res.Failed, res.Dates = batch.Inserted, batch.Duplicates, batch.Failed, batch.Dates
	o.metrics.RecordInsert(batch.Inserted, batch.Duplicates)
	if err := o.recompute(ctx, batch.Dates); err != nil {
		return o.fail(ctx, log, &res, "rollup", err)
	}

	o.advance(ctx, &res, StateRendering)
	var date time.Time
	if dated {
		date = reportDate
	}
	res.Report = o.renderer.Render(report.Input{Counts: counts, Date: date, Total: leaderTotal, Format: o.opts.Format})

	if po.Deliver && res.Report != nil {
		o.advance(ctx, &res, StateDelivering)
		out := o.deliver(ctx, po.Environment, po.Trigger, res.ReportDate, res.Report)
		res.Delivery = &out
		res.DeliveryMsg = out.Detail()
	}

	res.State = StateDone
	if res.Report == nil {
		res.Reason = "no team-leader records"
	}
	o.mark(ctx, &res)
	log.Info().
		Str("report_date", res.ReportDate).
		Int("parsed", res.Parsed).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("leader_ops", leaderTotal).
		Msg("archive processed")
	return res
}

func (o *Orchestrator) resolver(ctx context.Context) *teams.Resolver {
	leaders := teams.SourceFunc(func(ctx context.Context) (map[string]teams.Entry, error) {
		list, err := o.store.ListTeamLeaders(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]teams.Entry, len(list))
		for _, l := range list {
			out[l.AccountID] = teams.Entry{Team: l.TeamName, Name: l.Name}
		}
		return out, nil
	})
	return teams.Load(ctx, o.logger,
		teams.CSVSource{Path: o.opts.TeamMappingPath, Decoder: o.decoder},
		leaders,
	)
}

// recompute rebuilds the daily rollup of every touched date, then each month.
func (o *Orchestrator) recompute(ctx context.Context, dates []string) error {
	months := map[string]struct{}{}
	for _, d := range dates {
		if err := o.store.RecomputeDaily(ctx, d); err != nil {
			return err
		}
		months[store.YearMonth(d)] = struct{}{}
	}
	for ym := range months {
		if err := o.store.RecomputeMonthly(ctx, ym); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, res *Result, state string) {
	res.State = state
	o.mark(ctx, res)
}

func (o *Orchestrator) mark(ctx context.Context, res *Result) {
	// Errors are logged by the store; the state machine carries on.
	_ = o.store.MarkArchive(ctx, store.Archive{
		Name:       res.Archive,
		State:      res.State,
		Reason:     res.Reason,
		ReportDate: res.ReportDate,
		Parsed:     res.Parsed,
		Inserted:   res.Inserted,
	})
}

func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, res *Result, step string, err error) Result {
	log.Error().Err(err).Str("step", step).Str("state", res.State).Msg("archive failed")
	res.State, res.Reason = StateFailed, fmt.Sprintf("%s: %v", step, err)
	o.mark(ctx, res)
	return *res
}

// deliver sends rep and records the outcome.
func (o *Orchestrator) deliver(ctx context.Context, env, trigger, date string, rep *report.Report) notify.Outcome {
	target := o.opts.Targets[env]
	if target.Env == "" {
		target.Env = env
	}
	out := o.notifier.Deliver(ctx, target, rep)
	if trigger == "" {
		trigger = TriggerIngest
	}
	_ = o.store.RecordDelivery(ctx, &store.Delivery{
		RunID:       uuid.NewString(),
		Trigger:     trigger,
		Environment: out.Environment,
		Target:      out.Target,
		ReportDate:  date,
		Delivered:   out.Delivered,
		Tier:        out.Tier,
		Detail:      out.Detail(),
	})
	if out.Delivered && out.Tier == notify.TierMedia && rep.ImagePath != "" {
		removeArtifact(o.logger, rep.ImagePath)
	}
	return out
}
