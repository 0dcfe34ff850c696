// Package scheduler runs due tasks from a single background loop.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"listen_report/internal/metrics"
)

const (
	DefaultInterval = time.Second
	stopTimeout     = 5 * time.Second
)

// DueFunc decides whether a task should run at now, given its last run.
type DueFunc func(ctx context.Context, now, last time.Time) bool

// Task is one entry of the due list. Run executes in-line on the loop.
type Task struct {
	Name string
	Due  DueFunc
	Run  func(ctx context.Context, now time.Time) error
}

// TaskStatus is the last known outcome of a task.
type TaskStatus struct {
	Name      string    `json:"name"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

// Status describes the loop.
type Status struct {
	Running bool         `json:"running"`
	Tasks   []TaskStatus `json:"tasks"`
}

// Scheduler polls its tasks every interval. Only one loop runs at a time.
type Scheduler struct {
	tasks    []Task
	interval time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  map[string]*TaskStatus
}

func New(interval time.Duration, m *metrics.Metrics, logger zerolog.Logger, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	status := make(map[string]*TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.Name] = &TaskStatus{Name: t.Name}
	}
	return &Scheduler{
		tasks:    tasks,
		interval: interval,
		metrics:  m,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		status:   status,
	}
}

// Start launches the loop. It returns false, doing nothing, if a loop is
// already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Debug().Msg("scheduler already running")
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running, s.cancel, s.done = true, cancel, make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info().Int("tasks", len(s.tasks)).Dur("interval", s.interval).Msg("scheduler started")
	return true
}

// Stop cancels the loop and waits up to five seconds for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn().Msg("scheduler loop did not stop in time")
	}
}

// Serve runs the loop until ctx ends.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status snapshots the loop and every task, sorted by name.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, Tasks: make([]TaskStatus, 0, len(s.status))}
	for _, ts := range s.status {
		st.Tasks = append(st.Tasks, *ts)
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Name < st.Tasks[j].Name })
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick runs every due task in order.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		if !t.Due(ctx, now, s.lastRun(t.Name)) {
			continue
		}
		err := s.runTask(ctx, t, now)
		s.record(t.Name, now, err)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task, now time.Time) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		outcome := "ok"
		ev := s.logger.Info()
		if err != nil {
			outcome = "error"
			ev = s.logger.Error().Err(err)
		}
		s.metrics.ScheduledRun(t.Name, outcome)
		ev.Str("task", t.Name).Int64("duration_ms", time.Since(start).Milliseconds()).Msg("scheduled task finished")
	}()
	return t.Run(ctx, now)
}

func (s *Scheduler) lastRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.status[name]; ok {
		return ts.LastRun
	}
	return time.Time{}
}

func (s *Scheduler) record(name string, now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.status[name]
	if !ok {
		ts = &TaskStatus{Name: name}
		s.status[name] = ts
	}
	ts.LastRun = now
	ts.Runs++
	ts.LastError = ""
	if err != nil {
		ts.LastError = err.Error()
	}
}
