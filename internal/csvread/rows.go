package csvread

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Skip reasons recorded in Diagnostics.Skipped.
const (
	ReasonTooFewColumns = "too_few_columns"
	ReasonEmptyIdentity = "empty_identity"
	ReasonParse         = "parse_error"
)

const maxKeptErrors = 20

// MalformedRowError describes one skipped row.
type MalformedRowError struct {
	Line    int
	Reason  string
	Columns int
	Err     error
}

func (e *MalformedRowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("line %d: %s (%d columns)", e.Line, e.Reason, e.Columns)
}

func (e *MalformedRowError) Unwrap() error { return e.Err }

// Layout describes which rows are usable.
type Layout struct {
	MinColumns int
	// Identity lists zero-based columns that must be non-empty.
	Identity   []int
	SkipHeader bool
	// Check, when set, rejects rows whose field values are unusable.
	Check func(record []string) error
}

// Diagnostics summarises one Read call.
type Diagnostics struct {
	Encoding string
	Detected string
	Degraded bool
	Header   []string
	Total    int
	Accepted int
	Skipped  map[string]int
	// Errors keeps the first few row failures for operator feedback.
	Errors []*MalformedRowError
}

// SkippedTotal sums the per-reason skip counts.
func (d Diagnostics) SkippedTotal() int {
	n := 0
	for _, c := range d.Skipped {
		n += c
	}
	return n
}

func (d *Diagnostics) skip(e *MalformedRowError) {
	if d.Skipped == nil {
		d.Skipped = map[string]int{}
	}
	d.Skipped[e.Reason]++
	if len(d.Errors) < maxKeptErrors {
		d.Errors = append(d.Errors, e)
	}
}

// Read decodes raw and returns the rows that satisfy layout. Bad rows are
// counted in the diagnostics and never stop the scan.
func (d *Decoder) Read(raw []byte, layout Layout) ([][]string, Diagnostics) {
	dec := d.Decode(raw)
	diag := Diagnostics{Encoding: dec.Encoding, Detected: dec.Detected, Degraded: dec.Degraded}

	r := csv.NewReader(strings.NewReader(dec.Text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	var rows [][]string
	headerPending := layout.SkipHeader
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				diag.Total++
				diag.skip(&MalformedRowError{Line: perr.Line, Reason: ReasonParse, Err: err})
				continue
			}
			diag.skip(&MalformedRowError{Reason: ReasonParse, Err: err})
			break
		}
		line, _ := r.FieldPos(0)
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if headerPending {
			headerPending = false
			diag.Header = record
			continue
		}
		diag.Total++
		if len(record) < layout.MinColumns {
			diag.skip(&MalformedRowError{Line: line, Reason: ReasonTooFewColumns, Columns: len(record)})
			continue
		}
		if missingIdentity(record, layout.Identity) {
			diag.skip(&MalformedRowError{Line: line, Reason: ReasonEmptyIdentity, Columns: len(record)})
			continue
		}
		if layout.Check != nil {
			if err := layout.Check(record); err != nil {
				diag.skip(&MalformedRowError{Line: line, Reason: ReasonParse, Columns: len(record), Err: err})
				continue
			}
		}
		rows = append(rows, record)
	}
	diag.Accepted = len(rows)
	if diag.SkippedTotal() > 0 {
		d.logger.Info().Int("accepted", diag.Accepted).Interface("skipped", diag.Skipped).Str("encoding", diag.Encoding).Msg("csv rows skipped")
	}
	return rows, diag
}

func missingIdentity(record []string, cols []int) bool {
	for _, c := range cols {
		if c >= len(record) || record[c] == "" {
			return true
		}
	}
	return false
}
