// Package queue is a bounded hand-off between inbox triggers and the
// ingestion worker. A job key stays reserved from enqueue until its work
// finishes, so repeated filesystem events for one archive collapse.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of work, keyed by the archive it processes.
type Job struct {
	Key      string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes current queue metrics.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"workers"`
	InFlight    int    `json:"in_flight"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue is a bounded job queue with a fixed worker pool.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	logger      zerolog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	keys    map[string]struct{}
	wg      sync.WaitGroup

	processed uint64
	failed    uint64
}

// New creates a Queue with the given capacity, worker count and per-job timeout.
func New(capacity, workerCount int, timeout time.Duration, logger zerolog.Logger) *Queue {
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		logger:      logger.With().Str("component", "queue").Logger(),
		keys:        map[string]struct{}{},
	}
}

// Start launches the worker pool. Calling it again is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Serve runs the queue until ctx ends, then drains for up to five seconds.
func (q *Queue) Serve(ctx context.Context) error {
	q.Start(ctx)
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Stop(stopCtx)
	return ctx.Err()
}

// Enqueue queues j without blocking. It returns false when the queue is full,
// not running, or j.Key is already queued or in flight.
func (q *Queue) Enqueue(j Job) bool {
	return q.tryEnqueue(j, true)
}

// EnqueueWithRetry retries for up to window. Returns (enqueued, droppedFull).
func (q *Queue) EnqueueWithRetry(ctx context.Context, j Job, window time.Duration, interval time.Duration) (bool, bool) {
	deadline := time.Now().Add(window)
	if q.tryEnqueue(j, false) {
		return true, false
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, false
		case <-time.After(interval):
			if q.tryEnqueue(j, false) {
				return true, false
			}
		}
	}
	return false, true
}

func (q *Queue) tryEnqueue(j Job, logDrop bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.stopped {
		if logDrop {
			q.logger.Warn().Str("key", j.Key).Msg("enqueue while queue not running")
		}
		return false
	}
	if _, dup := q.keys[j.Key]; dup && j.Key != "" {
		q.logger.Debug().Str("key", j.Key).Msg("job already pending")
		return false
	}
	select {
	case q.jobs <- j:
		if j.Key != "" {
			q.keys[j.Key] = struct{}{}
		}
		return true
	default:
		if logDrop {
			q.logger.Warn().Str("key", j.Key).Msg("job queue full, dropping job")
		}
		return false
	}
}

// Stop stops accepting jobs and waits for workers to drain until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn().Msg("queue stop timed out with jobs in flight")
	}
}

// Stats returns current queue metrics.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		InFlight:    len(q.keys),
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
	}
}

// Healthy reports whether the queue is running.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("key", j.Key).Interface("panic", r).Msg("job panic recovered")
			atomic.AddUint64(&q.failed, 1)
		}
		q.release(j.Key)
	}()

	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err = j.Work(jobCtx)
	cancel()
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
	atomic.AddUint64(&q.processed, 1)
	ev := q.logger.Info()
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
		ev = q.logger.Warn().Err(err)
	}
	ev.Str("source", j.Source).Str("key", j.Key).Int64("duration_ms", time.Since(start).Milliseconds()).Msg("job finished")
}

func (q *Queue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.keys, key)
	q.mu.Unlock()
}
