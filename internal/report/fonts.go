package report

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
)

// Fonts is the face set used for the table image. CJK is false when only the
// built-in bitmap face is available, in which case labels are drawn in ASCII.
type Fonts struct {
	Title  font.Face
	Header font.Face
	Body   font.Face
	CJK    bool
	Source string
}

var fontCandidates = []string{
	"/usr/share/fonts/truetype/wqy/wqy-microhei.ttc",
	"/usr/share/fonts/wqy-microhei/wqy-microhei.ttc",
	"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
	"/usr/share/fonts/noto-cjk/NotoSansCJK-Regular.ttc",
	"/usr/share/fonts/google-noto-cjk/NotoSansCJK-Regular.ttc",
	"/System/Library/Fonts/PingFang.ttc",
	"C:/Windows/Fonts/msyh.ttc",
	"C:/Windows/Fonts/simhei.ttf",
}

// LoadFonts opens path, or the first system CJK font found when path is empty.
// It never fails: without a usable font it returns the bitmap fallback.
func LoadFonts(path string, logger zerolog.Logger) *Fonts {
	paths := fontCandidates
	if path != "" {
		paths = append([]string{path}, fontCandidates...)
	}
	for _, p := range paths {
		f, err := openFont(p)
		if err != nil {
			if p == path {
				logger.Warn().Err(err).Str("path", p).Msg("configured font unusable")
			}
			continue
		}
		fonts, err := facesFor(f)
		if err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("font face creation failed")
			continue
		}
		fonts.Source = p
		logger.Debug().Str("path", p).Msg("report font loaded")
		return fonts
	}
	logger.Warn().Msg("no CJK font found, table image uses bitmap fallback")
	return BasicFonts()
}

// BasicFonts is the built-in fallback face set.
func BasicFonts() *Fonts {
	return &Fonts{Title: basicfont.Face7x13, Header: basicfont.Face7x13, Body: basicfont.Face7x13, Source: "basicfont"}
}

func openFont(path string) (*opentype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(path), ".ttc") {
		coll, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, err
		}
		if coll.NumFonts() == 0 {
			return nil, errors.New("empty font collection")
		}
		return coll.Font(0)
	}
	return opentype.Parse(data)
}

func facesFor(f *opentype.Font) (*Fonts, error) {
	face := func(size float64) (font.Face, error) {
		return opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	}
	title, err := face(26)
	if err != nil {
		return nil, fmt.Errorf("title face: %w", err)
	}
	header, err := face(18)
	if err != nil {
		return nil, fmt.Errorf("header face: %w", err)
	}
	body, err := face(16)
	if err != nil {
		return nil, fmt.Errorf("body face: %w", err)
	}
	return &Fonts{Title: title, Header: header, Body: body, CJK: true}, nil
}
