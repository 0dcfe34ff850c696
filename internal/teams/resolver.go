// Package teams maps account ids to team and display names.
package teams

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"listen_report/internal/csvread"
)

// Unassigned is the team given to accounts with no mapping.
const Unassigned = "unassigned"

// Entry is the resolved identity for an account. Name may be empty when the
// mapping source carries no display name.
type Entry struct {
	Team string
	Name string
}

// Source yields account -> Entry pairs.
type Source interface {
	TeamMapping(ctx context.Context) (map[string]Entry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (map[string]Entry, error)

func (f SourceFunc) TeamMapping(ctx context.Context) (map[string]Entry, error) { return f(ctx) }

// Resolver is an immutable lookup table built once per ingestion run.
type Resolver struct {
	entries map[string]Entry
}

// New copies entries into a Resolver.
func New(entries map[string]Entry) *Resolver {
	m := make(map[string]Entry, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &Resolver{entries: m}
}

// Load merges sources in order; later sources win for the same account. A
// failing source is logged and skipped.
func Load(ctx context.Context, logger zerolog.Logger, sources ...Source) *Resolver {
	merged := map[string]Entry{}
	for i, src := range sources {
		entries, err := src.TeamMapping(ctx)
		if err != nil {
			logger.Warn().Err(err).Int("source", i).Msg("team mapping source failed")
			continue
		}
		for account, e := range entries {
			if prev, ok := merged[account]; ok && e.Name == "" {
				e.Name = prev.Name
			}
			merged[account] = e
		}
	}
	logger.Info().Int("accounts", len(merged)).Msg("team mapping loaded")
	return &Resolver{entries: merged}
}

// Resolve returns the entry for account. Unknown accounts get Unassigned and false.
func (r *Resolver) Resolve(account string) (Entry, bool) {
	if r != nil {
		if e, ok := r.entries[account]; ok {
			return e, true
		}
	}
	return Entry{Team: Unassigned}, false
}

// Len reports how many accounts are mapped.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// CSVSource reads a mapping file: header row, then team name, account id.
type CSVSource struct {
	Path    string
	Decoder *csvread.Decoder
}

func (s CSVSource) TeamMapping(ctx context.Context) (map[string]Entry, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read team mapping: %w", err)
	}
	rows, _ := s.Decoder.Read(raw, csvread.Layout{MinColumns: 2, Identity: []int{0, 1}, SkipHeader: true})
	out := make(map[string]Entry, len(rows))
	for _, row := range rows {
		out[row[1]] = Entry{Team: row[0]}
	}
	return out, nil
}
