package csvread

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func gbk(t *testing.T, s string) []byte {
	t.Helper()
	out, err := simplifiedchinese.GBK.NewEncoder().String(s)
	if err != nil {
		t.Fatalf("encode gbk: %v", err)
	}
	return []byte(out)
}

func TestDecodeGBKWithoutDetection(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	d.detector = nil
	want := "团队,账号\n销售一组,ACC1\n"
	got := d.Decode(gbk(t, want))
	if got.Degraded || got.Err != nil {
		t.Fatalf("expected strict decode, got %+v", got)
	}
	if got.Encoding != "gbk" {
		t.Fatalf("expected gbk, got %s", got.Encoding)
	}
	if got.Text != want {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

// listeningExport builds an export where most bytes are ASCII ids and
// timestamps and only every chineseEvery-th row carries a Chinese name.
func listeningExport(rows, chineseEvery int) string {
	var b strings.Builder
	b.WriteString("序号,账号,姓名,录音,时长,操作时间\n")
	for i := 1; i <= rows; i++ {
		name := "zhang"
		if i%chineseEvery == 0 {
			name = "张三"
		}
		fmt.Fprintf(&b, "%d,ACC%03d,%s,rec%d.mp3,%d,2025-06-01 10:%02d:00\n", i, i, name, i, 10+i, i%60)
	}
	return b.String()
}

func TestDecodeDetectedGBKExportKeepsNames(t *testing.T) {
	for _, every := range []int{10, 1} {
		want := listeningExport(40, every)
		got := NewDecoder(zerolog.Nop()).Decode(gbk(t, want))
		if got.Degraded || got.Err != nil {
			t.Fatalf("every=%d: expected strict decode, got encoding %s detected %s", every, got.Encoding, got.Detected)
		}
		if got.Encoding != "gbk" && got.Encoding != "gb18030" {
			t.Fatalf("every=%d: expected gbk or gb18030, got %s (detected %s)", every, got.Encoding, got.Detected)
		}
		if got.Text != want || !strings.Contains(got.Text, "张三") {
			t.Fatalf("every=%d: names not preserved", every)
		}
	}
}

func TestDecodeDetectedUTF8Export(t *testing.T) {
	want := listeningExport(40, 2)
	got := NewDecoder(zerolog.Nop()).Decode([]byte(want))
	if got.Encoding != "utf-8" || got.Text != want {
		t.Fatalf("expected utf-8 passthrough, got %s", got.Encoding)
	}
}

func TestDecodeIgnoresSingleByteDetection(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	for _, name := range []string{"iso-8859-1", "windows-1252", "iso-8859-9"} {
		if trustedCharsets[name] {
			t.Fatalf("%s must not lead the candidates", name)
		}
	}
	if !trustedCharsets["gb18030"] || !trustedCharsets["utf-8"] {
		t.Fatalf("expected unicode and gb18030 detections to be trusted")
	}
	if _, trusted := d.detect(nil); trusted {
		t.Fatalf("empty payload cannot be trusted")
	}
}

func TestReadGBKExportWithDetection(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	rows, diag := d.Read(gbk(t, listeningExport(40, 4)), Layout{MinColumns: 6, Identity: []int{1, 2}, SkipHeader: true})
	if len(rows) != 40 || diag.Degraded {
		t.Fatalf("expected 40 strict rows, got %d degraded=%v", len(rows), diag.Degraded)
	}
	if rows[3][2] != "张三" || diag.Header[2] != "姓名" {
		t.Fatalf("names garbled: %q header %q", rows[3][2], diag.Header)
	}
}

func TestDecodeUTF8StripsBOM(t *testing.T) {
	d := NewDecoder(zerolog.Nop(), "utf-8", "gbk")
	d.detector = nil
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("账号,姓名\n")...)
	got := d.Decode(raw)
	if got.Encoding != "utf-8" || got.Text != "账号,姓名\n" {
		t.Fatalf("unexpected decode %+v", got)
	}
}

func TestDecodeFallsBackLossily(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	d.detector = nil
	got := d.Decode([]byte{'a', 0x81, 0x20, 0xFF, 'b'})
	if !got.Degraded {
		t.Fatalf("expected degraded decode")
	}
	if !errors.Is(got.Err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", got.Err)
	}
	if strings.ContainsRune(got.Text, '�') {
		t.Fatalf("lossy text should drop replacement characters: %q", got.Text)
	}
}

func TestReadSkipsMalformedRowsWithoutAborting(t *testing.T) {
	d := NewDecoder(zerolog.Nop(), "utf-8")
	d.detector = nil
	payload := strings.Join([]string{
		"序号,账号,姓名,部门,类型,操作时间",
		"1,ACC1,张三,x,y,2025-06-01 09:00:00",
		"2,ACC1,张三",
		"3,,李四,x,y,2025-06-01 09:05:00",
		"4,ACC2,,x,y,2025-06-01 09:06:00",
		"5, ACC2 , 王五 ,x,y, 2025-06-01 09:07:00 ",
	}, "\n")
	rows, diag := d.Read([]byte(payload), Layout{MinColumns: 6, Identity: []int{1, 2}, SkipHeader: true})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[1][1] != "ACC2" || rows[1][2] != "王五" || rows[1][5] != "2025-06-01 09:07:00" {
		t.Fatalf("fields not trimmed: %q", rows[1])
	}
	if diag.Total != 5 || diag.Accepted != 2 {
		t.Fatalf("unexpected totals %+v", diag)
	}
	if diag.Skipped[ReasonTooFewColumns] != 1 || diag.Skipped[ReasonEmptyIdentity] != 2 {
		t.Fatalf("unexpected skip counts %v", diag.Skipped)
	}
	if len(diag.Header) != 6 {
		t.Fatalf("expected header captured, got %v", diag.Header)
	}
	if diag.Errors[0].Line != 3 {
		t.Fatalf("expected first failure on line 3, got %d", diag.Errors[0].Line)
	}
}
