package ingest

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"listen_report/internal/csvread"
)

var (
	ErrNotZip         = errors.New("not a zip archive")
	ErrCorruptArchive = errors.New("corrupt archive entry")
	ErrNoCSV          = errors.New("archive contains no csv file")
)

const (
	colAccount = 1
	colName    = 2
	colTime    = 5
	minColumns = 6

	maxCSVBytes = 256 << 20
)

var archiveDate = regexp.MustCompile(`(\d{8})\d{6}`)

// timeLayouts are tried in order. Go accepts fractional seconds after the
// seconds field without them being in the layout.
var timeLayouts = []string{
	"2006-1-2 15:04:05",
	"2006/1/2 15:04:05",
	"2006-1-2 15:04",
	"2006/1/2 15:04",
	"2006-1-2T15:04:05",
	"2006.1.2 15:04:05",
	"20060102150405",
	"2006-1-2",
	"2006/1/2",
}

// ReportDate extracts the YYYYMMDD token from an archive name.
func ReportDate(name string, loc *time.Location) (time.Time, bool) {
	m := archiveDate.FindStringSubmatch(path.Base(name))
	if m == nil {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation("20060102", m[1], loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// ParseOperationTime accepts the timestamp shapes seen in exports.
func ParseOperationTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ValidateArchive checks that path is a readable zip holding at least one csv.
func ValidateArchive(p string) error {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotZip, err)
	}
	defer zr.Close()
	found := false
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := drain(f); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
		}
		if isCSV(f.Name) {
			found = true
		}
	}
	if !found {
		return ErrNoCSV
	}
	return nil
}

func drain(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func isCSV(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._") {
		return false
	}
	return strings.EqualFold(path.Ext(name), ".csv")
}

// firstCSV returns the name and bytes of the first csv entry.
func firstCSV(p string) (string, []byte, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrNotZip, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isCSV(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return f.Name, nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxCSVBytes+1))
		rc.Close()
		if err != nil {
			return f.Name, nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
		}
		if len(data) > maxCSVBytes {
			return f.Name, nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrCorruptArchive, f.Name, maxCSVBytes)
		}
		return f.Name, data, nil
	}
	return "", nil, ErrNoCSV
}

// Row is one usable listening row.
type Row struct {
	Account       string
	Name          string
	OperationTime time.Time
}

// Parsed is the decoded content of one archive. Untimed holds rows whose
// operation time did not parse; they are never persisted but still count
// toward the archive's own report.
type Parsed struct {
	CSVName     string
	Rows        []Row
	Untimed     []Row
	Diagnostics csvread.Diagnostics
}

func parseArchive(dec *csvread.Decoder, p string, loc *time.Location) (Parsed, error) {
	name, raw, err := firstCSV(p)
	if err != nil {
		return Parsed{CSVName: name}, err
	}
	var untimed []Row
	layout := csvread.Layout{
		MinColumns: minColumns,
		Identity:   []int{colAccount, colName},
		SkipHeader: true,
		Check: func(rec []string) error {
			if _, err := ParseOperationTime(rec[colTime], loc); err != nil {
				untimed = append(untimed, Row{Account: rec[colAccount], Name: rec[colName]})
				return err
			}
			return nil
		},
	}
	records, diag := dec.Read(raw, layout)
	out := Parsed{CSVName: name, Diagnostics: diag, Untimed: untimed, Rows: make([]Row, 0, len(records))}
	for _, rec := range records {
		at, _ := ParseOperationTime(rec[colTime], loc)
		out.Rows = append(out.Rows, Row{Account: rec[colAccount], Name: rec[colName], OperationTime: at})
	}
	return out, nil
}
