package report

import (
	"strconv"
	"strings"
)

// column is the single source for both the header and every row, so the two
// can never disagree on width.
type column struct {
	title  string
	weight int
	value  func(Row) string
}

func columns(includeMonthly bool) []column {
	cols := []column{
		{title: "排名", weight: 8, value: func(r Row) string { return strconv.Itoa(r.Rank) }},
		{title: "团队", weight: 22, value: func(r Row) string { return r.Team }},
		{title: "姓名", weight: 18, value: func(r Row) string { return r.Name }},
		{title: "账号", weight: 22, value: func(r Row) string { return r.Account }},
		{title: "操作次数", weight: 14, value: func(r Row) string { return strconv.Itoa(r.Count) }},
	}
	if includeMonthly {
		cols = append(cols, column{title: "月累计", weight: 14, value: func(r Row) string { return strconv.Itoa(r.MonthlyCount) }})
	}
	return cols
}

func titles(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.title
	}
	return out
}

func tableLines(cols []column, rows []Row) []string {
	lines := []string{"## 📋 详细数据", ""}
	header := make([]string, len(cols))
	sep := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.title
		sep[i] = strings.Repeat("-", 6)
	}
	lines = append(lines, markdownRow(header), markdownRow(sep))
	for _, r := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = c.value(r)
		}
		lines = append(lines, markdownRow(cells))
	}
	return lines
}

func markdownRow(cells []string) string {
	return "| " + strings.Join(cells, " | ") + " |"
}
