// Package csvread turns CSV payloads of unknown encoding into trimmed rows.
package csvread

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// ErrDecode means no candidate encoding decoded the payload strictly. The
// payload is still returned, decoded lossily with the first fallback.
var ErrDecode = errors.New("csvread: no candidate encoding decoded the payload")

// DefaultFallbacks is tried after a trusted detection, in order.
var DefaultFallbacks = []string{"gbk", "utf-8", "gb2312", "big5"}

const minDetectConfidence = 30

var (
	utf8BOM         = []byte{0xEF, 0xBB, 0xBF}
	replacementChar = []byte(string(utf8.RuneError))
)

// Decoded is the outcome of Decode.
type Decoded struct {
	Text     string
	Encoding string
	Detected string
	// Degraded is set when the text came from the lossy fallback; Err is then ErrDecode.
	Degraded bool
	Err      error
}

// Decoder picks an encoding for raw bytes. It never fails outright.
type Decoder struct {
	logger    zerolog.Logger
	fallbacks []string
	detector  *chardet.Detector
}

// NewDecoder returns a Decoder using fallbacks, or DefaultFallbacks when empty.
func NewDecoder(logger zerolog.Logger, fallbacks ...string) *Decoder {
	if len(fallbacks) == 0 {
		fallbacks = DefaultFallbacks
	}
	return &Decoder{
		logger:    logger.With().Str("component", "csvread").Logger(),
		fallbacks: fallbacks,
		detector:  chardet.NewTextDetector(),
	}
}

// Decode runs detection, then strict decodes of the candidates in order. A
// payload that is valid UTF-8 tries utf-8 first; a trusted detection comes
// next, then each fallback. The first strict success wins; otherwise the
// first fallback is applied lossily.
func (d *Decoder) Decode(raw []byte) Decoded {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	detected, trusted := d.detect(raw)

	candidates := make([]string, 0, len(d.fallbacks)+2)
	if utf8.Valid(raw) {
		candidates = append(candidates, "utf-8")
	}
	if trusted {
		candidates = append(candidates, detected)
	}
	candidates = append(candidates, d.fallbacks...)

	seen := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		key := canonicalName(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		text, ok := decodeStrict(key, raw)
		if ok {
			d.logger.Debug().Str("detected", detected).Bool("trusted", trusted).Str("encoding", key).Msg("payload decoded")
			return Decoded{Text: text, Encoding: key, Detected: detected}
		}
	}

	first := canonicalName(d.fallbacks[0])
	text := decodeLossy(first, raw)
	d.logger.Warn().Str("detected", detected).Str("encoding", first).Int("bytes", len(raw)).Msg("strict decoding failed, using lossy fallback")
	return Decoded{Text: text, Encoding: first, Detected: detected, Degraded: true, Err: ErrDecode}
}

// trustedCharsets are the detections allowed to jump ahead of the fallbacks.
// Single-byte charsets decode any input, and chardet reports mostly-ASCII
// GBK exports as ISO-8859-1, so those never lead.
var trustedCharsets = map[string]bool{
	"utf-8":    true,
	"utf-16be": true,
	"utf-16le": true,
	"gb18030":  true,
}

// detect returns the canonical detected charset and whether it may be tried
// before the fallbacks.
func (d *Decoder) detect(raw []byte) (string, bool) {
	if len(raw) == 0 || d.detector == nil {
		return "", false
	}
	res, err := d.detector.DetectBest(raw)
	if err != nil || res == nil {
		return "", false
	}
	name := canonicalName(res.Charset)
	if res.Confidence < minDetectConfidence {
		d.logger.Debug().Str("charset", name).Int("confidence", res.Confidence).Msg("low confidence detection ignored")
		return name, false
	}
	return name, trustedCharsets[name]
}

func canonicalName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "gb-18030":
		return "gb18030"
	case "utf8":
		return "utf-8"
	case "big-5":
		return "big5"
	}
	return n
}

func lookup(name string) (encoding.Encoding, bool) {
	switch name {
	case "gbk", "gb2312":
		return simplifiedchinese.GBK, true
	case "gb18030":
		return simplifiedchinese.GB18030, true
	case "big5":
		return traditionalchinese.Big5, true
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, false
	}
	return enc, true
}

func decodeStrict(name string, raw []byte) (string, bool) {
	if name == "utf-8" {
		if !utf8.Valid(raw) {
			return "", false
		}
		return string(raw), true
	}
	enc, ok := lookup(name)
	if !ok {
		return "", false
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	// x/text decoders substitute U+FFFD for invalid input instead of failing.
	if bytes.Contains(out, replacementChar) && !bytes.Contains(raw, replacementChar) {
		return "", false
	}
	return string(out), true
}

func decodeLossy(name string, raw []byte) string {
	enc, ok := lookup(name)
	if !ok {
		return strings.ToValidUTF8(string(raw), "")
	}
	out, _ := enc.NewDecoder().Bytes(raw)
	return strings.ReplaceAll(string(out), string(utf8.RuneError), "")
}
