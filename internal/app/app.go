// Package app wires the store, ingestion, delivery and triggers together
// under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"listen_report/backfill"
	"listen_report/internal/config"
	"listen_report/internal/csvread"
	"listen_report/internal/httpapi"
	"listen_report/internal/ingest"
	"listen_report/internal/metrics"
	"listen_report/internal/notify"
	"listen_report/internal/report"
	"listen_report/internal/scheduler"
	"listen_report/internal/store"
	"listen_report/internal/watch"
	"listen_report/queue"
)

const (
	defaultScheduleTime = "10:00"
	queueCapacity       = 64
	jobTimeout          = 10 * time.Minute
	schedulerInterval   = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// App owns every long-lived component.
type App struct {
	cfg       config.Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	store     *store.Store
	orch      *ingest.Orchestrator
	queue     *queue.Queue
	watcher   *watch.Watcher
	scheduler *scheduler.Scheduler
	handler   http.Handler
}

func New(cfg config.Config, logger zerolog.Logger) (*App, error) {
	for _, dir := range []string{cfg.DataDir, cfg.InboxDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	format := report.ParseFormat(cfg.Report.Format)
	var fonts *report.Fonts
	if format != report.FormatText {
		fonts = report.LoadFonts(cfg.Report.FontPath, logger)
	}
	client := notify.New(notify.Options{
		Timeout:    time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
		RatePerMin: cfg.Webhook.RatePerMin,
		Metrics:    m,
	}, logger)

	orch := ingest.New(ingest.Options{
		InboxDir:        cfg.InboxDir,
		OutputDir:       cfg.OutputDir,
		TeamMappingPath: cfg.TeamMappingPath,
		Format:          format,
		TaskName:        cfg.Schedule.TaskName,
		Location:        cfg.Location,
		RetentionDays:   cfg.Report.RetentionDays,
		Targets: map[string]notify.Target{
			notify.EnvTest: notify.NewTarget(notify.EnvTest, cfg.Webhook.TestURL, cfg.Webhook.UploadURL),
			notify.EnvProd: notify.NewTarget(notify.EnvProd, cfg.Webhook.ProdURL, cfg.Webhook.UploadURL),
		},
	}, st, csvread.NewDecoder(logger), report.NewRenderer(cfg.OutputDir, fonts, logger), client, m, logger)

	a := &App{cfg: cfg, logger: logger.With().Str("component", "app").Logger(), registry: reg, store: st, orch: orch}
	a.queue = queue.New(queueCapacity, 1, jobTimeout, logger)
	a.watcher = watch.New(cfg.InboxDir, cfg.EnableWatcher, a.queue, a.ingest, logger)
	a.scheduler = scheduler.New(schedulerInterval, m, logger, a.tasks()...)
	a.handler = httpapi.NewRouter(httpapi.Deps{
		Store:        st,
		Orchestrator: orch,
		Scheduler:    a.scheduler,
		Queue:        a.queue,
		Gatherer:     reg,
		DefaultTime:  defaultScheduleTime,
	}, logger).Handler()
	return a, nil
}

func (a *App) tasks() []scheduler.Task {
	clock := scheduler.SettingsClock(a.store, store.SettingScheduleEnabled, store.SettingScheduleTime, defaultScheduleTime)
	tasks := []scheduler.Task{
		{
			Name: a.cfg.Schedule.TaskName,
			Due:  scheduler.DailyAt(a.cfg.Location, clock),
			Run: func(ctx context.Context, now time.Time) error {
				_, err := a.orch.RunScheduled(ctx, now)
				return err
			},
		},
		{
			Name: "artifact_cleanup",
			Due:  scheduler.Every(24 * time.Hour),
			Run: func(_ context.Context, now time.Time) error {
				a.orch.Cleanup(now)
				return nil
			},
		},
	}
	if a.cfg.Schedule.InboxSweepMin > 0 {
		// The startup backfill covers the first sweep.
		every := scheduler.Every(time.Duration(a.cfg.Schedule.InboxSweepMin) * time.Minute)
		started := time.Now()
		tasks = append(tasks, scheduler.Task{
			Name: "inbox_sweep",
			Due: func(ctx context.Context, now, last time.Time) bool {
				if last.IsZero() {
					last = started
				}
				return every(ctx, now, last)
			},
			Run: func(ctx context.Context, _ time.Time) error {
				backfill.Run(ctx, backfillRepo{a: a, source: "sweep"}, -1, a.logger)
				return nil
			},
		})
	}
	return tasks
}

// ingest is the queue-side handler for watcher and backfill jobs. Queued
// ingestion never delivers.
func (a *App) ingest(ctx context.Context, path string) error {
	res := a.orch.ProcessArchive(ctx, path, ingest.ProcessOptions{Trigger: ingest.TriggerIngest})
	if res.State == ingest.StateFailed {
		return errors.New(res.Reason)
	}
	return nil
}

// Run supervises the HTTP server, watcher, queue and scheduler until ctx ends.
func (a *App) Run(ctx context.Context) error {
	sup := suture.New("listen-report", suture.Spec{
		EventHook:        a.eventHook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
	sup.Add(&httpService{server: &http.Server{
		Addr:              a.cfg.HTTPPort,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}})
	sup.Add(a.queue)
	sup.Add(a.watcher)
	sup.Add(a.scheduler)

	errCh := sup.ServeBackground(ctx)
	backfill.Run(ctx, backfillRepo{a: a, source: "backfill"}, -1, a.logger)
	a.logger.Info().Str("addr", a.cfg.HTTPPort).Msg("service started")

	err := <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) eventHook(e suture.Event) {
	a.logger.Warn().Fields(e.Map()).Msg(e.String())
}

// Close releases the database.
func (a *App) Close() error { return a.store.Close() }

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Orchestrator() *ingest.Orchestrator { return a.orch }

func (a *App) Store() *store.Store { return a.store }

type backfillRepo struct {
	a      *App
	source string
}

func (r backfillRepo) ListCandidates(ctx context.Context) ([]backfill.Record, error) {
	return r.a.orch.ListCandidates(ctx)
}

func (r backfillRepo) QueueRecord(ctx context.Context, rec backfill.Record) backfill.EnqueueResult {
	path := rec.Path
	ok, full := r.a.queue.EnqueueWithRetry(ctx, queue.Job{
		Key:    rec.Filename,
		Source: r.source,
		Work:   func(ctx context.Context) error { return r.a.ingest(ctx, path) },
	}, 30*time.Second, 250*time.Millisecond)
	return backfill.EnqueueResult{Enqueued: ok, DroppedFull: full}
}

func (r backfillRepo) OnBackfillComplete(summary backfill.Summary) {
	if summary.Enqueued > 0 || summary.DroppedFull > 0 {
		r.a.logger.Info().Str("source", r.source).Int("enqueued", summary.Enqueued).Int("dropped_full", summary.DroppedFull).Msg("inbox archives queued")
	}
}

// httpService adapts http.Server to a supervised service.
type httpService struct {
	server *http.Server
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http-server" }
