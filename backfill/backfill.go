// Package backfill picks the inbox archives that still need ingesting when
// the service starts, and hands them to a queue.
package backfill

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Record is a file in the inbox together with its stored processing state.
type Record struct {
	Filename  string
	Path      string
	ModTime   time.Time
	SizeBytes int64
	State     string
	Processed bool
}

// Summary captures one backfill pass.
type Summary struct {
	TotalCandidates  int `json:"total"`
	AlreadyProcessed int `json:"already_processed"`
	Unprocessed      int `json:"unprocessed"`
	Selected         int `json:"selected"`
	Attempted        int `json:"attempted"`
	Enqueued         int `json:"enqueued"`
	DroppedFull      int `json:"dropped_full"`
}

// EnqueueResult captures queueing outcome for a record.
type EnqueueResult struct {
	Enqueued    bool
	DroppedFull bool
}

// Repository describes the data source needed for backfill.
type Repository interface {
	ListCandidates(ctx context.Context) ([]Record, error)
	QueueRecord(ctx context.Context, rec Record) EnqueueResult
	OnBackfillComplete(summary Summary)
}

// SelectPending returns up to limit unprocessed records, oldest first, so
// rollups build in the order the exports were produced.
func SelectPending(records []Record, limit int) ([]Record, Summary) {
	sorted := append([]Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ModTime.Equal(sorted[j].ModTime) {
			return sorted[i].ModTime.Before(sorted[j].ModTime)
		}
		return sorted[i].Filename < sorted[j].Filename
	})

	summary := Summary{TotalCandidates: len(sorted)}
	pending := make([]Record, 0, len(sorted))
	for _, r := range sorted {
		if r.Processed {
			summary.AlreadyProcessed++
			continue
		}
		pending = append(pending, r)
	}

	summary.Unprocessed = len(pending)
	if limit >= 0 && limit < summary.Unprocessed {
		pending = pending[:limit]
	}
	summary.Selected = len(pending)
	return pending, summary
}

// Run executes the backfill asynchronously.
func Run(ctx context.Context, repo Repository, limit int, logger zerolog.Logger) {
	logger = logger.With().Str("component", "backfill").Logger()
	go func() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		records, err := repo.ListCandidates(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("backfill list failed")
			return
		}

		selected, summary := SelectPending(records, limit)
		summary.Attempted = len(selected)

		for _, rec := range selected {
			result := repo.QueueRecord(ctx, rec)
			if result.Enqueued {
				summary.Enqueued++
			}
			if result.DroppedFull {
				summary.DroppedFull++
			}
		}

		logger.Info().
			Int("total", summary.TotalCandidates).
			Int("unprocessed", summary.Unprocessed).
			Int("selected", summary.Selected).
			Int("enqueued", summary.Enqueued).
			Int("dropped_full", summary.DroppedFull).
			Int("already_processed", summary.AlreadyProcessed).
			Msg("backfill summary")
		repo.OnBackfillComplete(summary)
	}()
}
