package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"listen_report/backfill"
)

var ErrInvalidName = errors.New("invalid archive name")

// FileInfo is one inbox archive as listed to operators.
type FileInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	State    string `json:"state,omitempty"`
}

// ListFiles returns the inbox archives, newest first.
func (o *Orchestrator) ListFiles(ctx context.Context) ([]FileInfo, error) {
	cands, err := o.ListCandidates(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ModTime.After(cands[j].ModTime) })
	out := make([]FileInfo, 0, len(cands))
	for _, c := range cands {
		state := c.State
		if state == "" {
			state = StateUnprocessed
		}
		out = append(out, FileInfo{
			Filename: c.Filename,
			Size:     c.SizeBytes,
			Modified: c.ModTime.In(o.opts.Location).Format("2006-01-02 15:04:05"),
			State:    state,
		})
	}
	return out, nil
}

// ListCandidates scans the inbox for .zip archives joined with stored state.
func (o *Orchestrator) ListCandidates(ctx context.Context) ([]backfill.Record, error) {
	entries, err := os.ReadDir(o.opts.InboxDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	states, err := o.store.ArchiveStates(ctx)
	if err != nil {
		return nil, err
	}
	var out []backfill.Record
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		state := states[e.Name()]
		out = append(out, backfill.Record{
			Filename:  e.Name(),
			Path:      filepath.Join(o.opts.InboxDir, e.Name()),
			ModTime:   info.ModTime(),
			SizeBytes: info.Size(),
			State:     state,
			Processed: Processed(state),
		})
	}
	return out, nil
}

// ProcessPending ingests every unprocessed inbox archive, oldest first.
func (o *Orchestrator) ProcessPending(ctx context.Context) []Result {
	cands, err := o.ListCandidates(ctx)
	if err != nil {
		o.logger.Error().Err(err).Str("inbox", o.opts.InboxDir).Msg("inbox scan failed")
		return nil
	}
	selected, summary := backfill.SelectPending(cands, len(cands))
	results := make([]Result, 0, len(selected))
	for _, rec := range selected {
		if ctx.Err() != nil {
			break
		}
		results = append(results, o.ProcessArchive(ctx, rec.Path, ProcessOptions{}))
	}
	if summary.Unprocessed > 0 {
		o.logger.Info().Int("candidates", summary.TotalCandidates).Int("processed", len(results)).Msg("inbox sweep finished")
	}
	return results
}

// SaveUpload stores r under the inbox as name and validates it. An archive
// that fails validation is removed.
func (o *Orchestrator) SaveUpload(name string, r io.Reader) (string, error) {
	base, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(o.opts.InboxDir, 0o755); err != nil {
		return "", err
	}
	// A dot-prefixed temp name keeps the watcher off the partial file.
	f, err := os.CreateTemp(o.opts.InboxDir, ".upload-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := ValidateArchive(tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	dst := filepath.Join(o.opts.InboxDir, base)
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dst, nil
}

// DeleteFile removes an inbox archive by base name.
func (o *Orchestrator) DeleteFile(name string) error {
	base, err := cleanName(name)
	if err != nil {
		return err
	}
	return os.Remove(filepath.Join(o.opts.InboxDir, base))
}

func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base != name || base == "/" || base == "." || !strings.EqualFold(filepath.Ext(base), ".zip") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

var artifactPatterns = []string{"table_*.png", "table_*.jpg", "summary_*.txt"}

// CleanupArtifacts removes rendered artifacts in dir older than retention.
func CleanupArtifacts(dir string, retention time.Duration, now time.Time, logger zerolog.Logger) int {
	removed := 0
	for _, pattern := range artifactPatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || now.Sub(info.ModTime()) < retention {
				continue
			}
			if removeArtifact(logger, m) {
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Str("dir", dir).Msg("old artifacts removed")
	}
	return removed
}

// Cleanup applies the configured retention to the output directory.
func (o *Orchestrator) Cleanup(now time.Time) int {
	days := o.opts.RetentionDays
	if days <= 0 {
		days = 30
	}
	return CleanupArtifacts(o.opts.OutputDir, time.Duration(days)*24*time.Hour, now, o.logger)
}

func removeArtifact(logger zerolog.Logger, path string) bool {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("path", path).Msg("artifact removal failed")
		return false
	}
	return true
}
