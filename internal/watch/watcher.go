// Package watch triggers ingestion when archives land in the inbox.
package watch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"listen_report/queue"
)

// Handler processes one archive path.
type Handler func(ctx context.Context, path string) error

// Watcher monitors the inbox for new .zip files and hands them to a queue.
// It never runs ingestion itself.
type Watcher struct {
	dir     string
	queue   *queue.Queue
	handle  Handler
	settle  time.Duration
	logger  zerolog.Logger
	enabled bool
}

func New(dir string, enabled bool, q *queue.Queue, handle Handler, logger zerolog.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		queue:   q,
		handle:  handle,
		settle:  2 * time.Second,
		logger:  logger.With().Str("component", "watch").Logger(),
		enabled: enabled,
	}
}

// Serve watches until ctx ends. A disabled watcher just waits.
func (w *Watcher) Serve(ctx context.Context) error {
	if !w.enabled {
		w.logger.Info().Msg("watcher disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info().Str("dir", w.dir).Msg("watching inbox")

	// Writes keep arriving while an upload is copied; an archive is queued
	// once it has been quiet for the settle period.
	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher events closed")
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && IsArchive(evt.Name) {
				pending[evt.Name] = time.Now()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher errors closed")
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < w.settle {
					continue
				}
				delete(pending, path)
				w.Submit(path, "watch")
			}
		}
	}
}

// Submit queues path for ingestion. It reports false when the queue refused it.
func (w *Watcher) Submit(path, source string) bool {
	ok := w.queue.Enqueue(queue.Job{
		Key:    filepath.Base(path),
		Source: source,
		Work: func(ctx context.Context) error {
			return w.handle(ctx, path)
		},
	})
	if ok {
		w.logger.Debug().Str("archive", filepath.Base(path)).Str("source", source).Msg("archive queued")
	}
	return ok
}

// IsArchive reports whether path names a .zip archive.
func IsArchive(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".zip")
}
