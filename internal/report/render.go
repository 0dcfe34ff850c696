// Package report renders a day's listening counts into a text summary and a
// table image.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects which artifacts Render writes.
type Format string

const (
	FormatText  Format = "text"
	FormatImage Format = "image"
	FormatBoth  Format = "both"
)

// ParseFormat maps a config string onto a Format, defaulting to both.
func ParseFormat(s string) Format {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatText:
		return FormatText
	case FormatImage:
		return FormatImage
	default:
		return FormatBoth
	}
}

func (f Format) wantsText() bool  { return f == FormatText || f == FormatBoth }
func (f Format) wantsImage() bool { return f == FormatImage || f == FormatBoth }

// Key identifies one person in a report.
type Key struct {
	Team    string
	Name    string
	Account string
}

// Input is everything Render needs. A nil Monthly map means no monthly column.
type Input struct {
	Counts  map[Key]int
	Date    time.Time
	Total   int
	Format  Format
	Monthly map[string]int
}

// Row is one ranked line of the table.
type Row struct {
	Rank         int    `json:"rank"`
	Team         string `json:"team"`
	Name         string `json:"name"`
	Account      string `json:"account"`
	Count        int    `json:"count"`
	MonthlyCount int    `json:"monthly_count"`
}

// Report is the rendered output. Text holds the summary only; Markdown holds
// summary and table.
type Report struct {
	Text            string    `json:"text"`
	Markdown        string    `json:"markdown"`
	Date            time.Time `json:"date"`
	TotalOperations int       `json:"total_operations"`
	Teams           int       `json:"teams"`
	People          int       `json:"people"`
	IncludeMonthly  bool      `json:"include_monthly"`
	Columns         []string  `json:"columns"`
	Rows            []Row     `json:"rows"`
	TextPath        string    `json:"text_path,omitempty"`
	ImagePath       string    `json:"image_path,omitempty"`
}

// DateLabel is the report date as YYYY-MM-DD, or "unknown".
func (r *Report) DateLabel() string { return dateLabel(r.Date) }

// Renderer writes artifacts into outputDir. A nil Fonts disables images.
type Renderer struct {
	outputDir string
	fonts     *Fonts
	logger    zerolog.Logger
}

func NewRenderer(outputDir string, fonts *Fonts, logger zerolog.Logger) *Renderer {
	return &Renderer{
		outputDir: outputDir,
		fonts:     fonts,
		logger:    logger.With().Str("component", "report").Logger(),
	}
}

// Render builds the report for in. It returns nil when there is nothing to
// report. Artifact failures are logged and leave the matching path empty.
func (r *Renderer) Render(in Input) *Report {
	if len(in.Counts) == 0 {
		return nil
	}
	if in.Format == "" {
		in.Format = FormatBoth
	}
	includeMonthly := in.Monthly != nil
	cols := columns(includeMonthly)
	rows := rankRows(in.Counts, in.Monthly)

	teams := map[string]struct{}{}
	for k := range in.Counts {
		teams[k.Team] = struct{}{}
	}

	rep := &Report{
		Date:            in.Date,
		TotalOperations: in.Total,
		Teams:           len(teams),
		People:          len(in.Counts),
		IncludeMonthly:  includeMonthly,
		Columns:         titles(cols),
		Rows:            rows,
	}
	summary := summaryLines(rep)
	rep.Text = strings.Join(summary, "\n")
	rep.Markdown = strings.Join(append(summary, tableLines(cols, rows)...), "\n")

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		r.logger.Warn().Err(err).Str("dir", r.outputDir).Msg("output dir unavailable, artifacts skipped")
		return rep
	}
	stamp := fileStamp(in.Date)
	if in.Format.wantsText() {
		path := filepath.Join(r.outputDir, fmt.Sprintf("summary_%s.txt", stamp))
		if err := os.WriteFile(path, []byte(rep.Text), 0o644); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("summary write failed")
		} else {
			rep.TextPath = path
		}
	}
	if in.Format.wantsImage() {
		if r.fonts == nil {
			r.logger.Warn().Msg("image rendering unavailable, text only")
		} else {
			path := filepath.Join(r.outputDir, fmt.Sprintf("table_%s.png", stamp))
			if err := writeTableImage(path, r.fonts, rep, cols); err != nil {
				r.logger.Warn().Err(err).Str("path", path).Msg("table image failed, text only")
			} else {
				rep.ImagePath = path
			}
		}
	}
	r.logger.Info().
		Str("date", rep.DateLabel()).
		Int("total", rep.TotalOperations).
		Int("people", rep.People).
		Bool("monthly", includeMonthly).
		Bool("image", rep.ImagePath != "").
		Msg("report rendered")
	return rep
}

func rankRows(counts map[Key]int, monthly map[string]int) []Row {
	rows := make([]Row, 0, len(counts))
	for k, c := range counts {
		rows = append(rows, Row{Team: k.Team, Name: k.Name, Account: k.Account, Count: c, MonthlyCount: monthly[k.Account]})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		if rows[i].Team != rows[j].Team {
			return rows[i].Team < rows[j].Team
		}
		return rows[i].Account < rows[j].Account
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

func summaryLines(rep *Report) []string {
	lines := []string{
		"📊 听录音统计报表",
		fmt.Sprintf("📅 日期: %s", rep.DateLabel()),
		"",
		"## 📈 汇总信息",
		fmt.Sprintf("- **总操作次数**: %d", rep.TotalOperations),
		fmt.Sprintf("- **参与人数**: %d", rep.People),
	}
	if avg, ok := average(rep.TotalOperations, rep.People); ok {
		lines = append(lines, fmt.Sprintf("- **平均每人操作次数**: %s", avg))
	}
	return append(lines, "")
}

func average(total, people int) (string, bool) {
	if people <= 0 {
		return "", false
	}
	return fmt.Sprintf("%.1f", float64(total)/float64(people)), true
}

func dateLabel(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02")
}

func fileStamp(t time.Time) string {
	if t.IsZero() {
		return "undated"
	}
	return t.Format("20060102")
}
