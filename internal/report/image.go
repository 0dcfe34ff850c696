package report

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strconv"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

const (
	imageWidth     = 800
	imageMaxHeight = 1500
	imageMaxSide   = 900
	margin         = 40
	titleHeight    = 60
	summaryLineH   = 28
	headerHeight   = 40
	rowHeight      = 34
	footerHeight   = 30
	cellPadding    = 8
)

var (
	headerColor    = color.RGBA{41, 98, 255, 255}
	rowEven        = color.RGBA{248, 250, 252, 255}
	rowOdd         = color.RGBA{255, 255, 255, 255}
	highlightColor = color.RGBA{255, 243, 224, 255}
	borderColor    = color.RGBA{229, 231, 235, 255}
	titleText      = color.RGBA{33, 33, 33, 255}
	bodyText       = color.RGBA{64, 64, 64, 255}
	white          = color.RGBA{255, 255, 255, 255}
)

// asciiTitles replaces column titles when no CJK face is loaded.
var asciiTitles = map[string]string{
	"排名":   "Rank",
	"团队":   "Team",
	"姓名":   "Name",
	"账号":   "Account",
	"操作次数": "Count",
	"月累计":  "Monthly",
}

func writeTableImage(path string, fonts *Fonts, rep *Report, cols []column) error {
	img := drawTable(fonts, rep, cols)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, fitWithin(img, imageMaxSide)); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}

func drawTable(fonts *Fonts, rep *Report, cols []column) *image.RGBA {
	summary := imageSummary(fonts, rep)
	top := margin + titleHeight + len(summary)*summaryLineH + margin/2
	visible := len(rep.Rows)
	height := top + headerHeight + visible*rowHeight + footerHeight
	if height > imageMaxHeight {
		visible = (imageMaxHeight - top - headerHeight - footerHeight) / rowHeight
		if visible < 0 {
			visible = 0
		}
		height = imageMaxHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, imageWidth, height))
	fill(img, img.Bounds(), white)

	title := fmt.Sprintf("%s年%s月%s日听录音统计报表", rep.Date.Format("2006"), rep.Date.Format("01"), rep.Date.Format("02"))
	if rep.Date.IsZero() {
		title = "听录音统计报表"
	}
	if !fonts.CJK {
		title = "Listening report " + rep.DateLabel()
	}
	drawCentered(img, fonts.Title, title, headerColor, margin+titleHeight/2)

	y := margin + titleHeight
	for _, line := range summary {
		text(img, fonts.Body, line, titleText, margin, y+summaryLineH/2)
		y += summaryLineH
	}

	xs := columnEdges(cols)
	y = top
	fill(img, image.Rect(margin, y, imageWidth-margin, y+headerHeight), headerColor)
	for i, c := range cols {
		label := c.title
		if !fonts.CJK {
			label = asciiTitles[label]
		}
		cell(img, fonts.Header, label, white, xs[i], xs[i+1], y, headerHeight)
	}
	y += headerHeight

	for i, r := range rep.Rows[:visible] {
		bg := rowOdd
		if i%2 == 0 {
			bg = rowEven
		}
		if r.Rank == 1 {
			bg = highlightColor
		}
		fill(img, image.Rect(margin, y, imageWidth-margin, y+rowHeight), bg)
		for j, c := range cols {
			cell(img, fonts.Body, c.value(r), bodyText, xs[j], xs[j+1], y, rowHeight)
		}
		fill(img, image.Rect(margin, y+rowHeight-1, imageWidth-margin, y+rowHeight), borderColor)
		y += rowHeight
	}
	if hidden := len(rep.Rows) - visible; hidden > 0 {
		note := fmt.Sprintf("… 另有 %d 人未显示", hidden)
		if !fonts.CJK {
			note = fmt.Sprintf("... %d more rows", hidden)
		}
		text(img, fonts.Body, note, bodyText, margin, y+footerHeight/2)
	}
	return img
}

func imageSummary(fonts *Fonts, rep *Report) []string {
	if !fonts.CJK {
		lines := []string{
			"Total operations: " + strconv.Itoa(rep.TotalOperations),
			"People: " + strconv.Itoa(rep.People),
		}
		if avg, ok := average(rep.TotalOperations, rep.People); ok {
			lines = append(lines, "Average per person: "+avg)
		}
		return lines
	}
	lines := []string{
		"总操作次数: " + strconv.Itoa(rep.TotalOperations),
		"参与人数: " + strconv.Itoa(rep.People),
	}
	if avg, ok := average(rep.TotalOperations, rep.People); ok {
		lines = append(lines, "平均每人操作次数: "+avg)
	}
	return lines
}

// columnEdges splits the table width by column weight.
func columnEdges(cols []column) []int {
	total := 0
	for _, c := range cols {
		total += c.weight
	}
	avail := imageWidth - 2*margin
	edges := make([]int, len(cols)+1)
	edges[0] = margin
	acc := 0
	for i, c := range cols {
		acc += c.weight
		edges[i+1] = margin + acc*avail/total
	}
	return edges
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// text draws s with its vertical middle at midY.
func text(img *image.RGBA, face font.Face, s string, c color.Color, x, midY int) {
	m := face.Metrics()
	baseline := midY + (m.Ascent.Ceil()-m.Descent.Ceil())/2
	d := font.Drawer{Dst: img, Src: image.NewUniform(c), Face: face, Dot: fixed.P(x, baseline)}
	d.DrawString(s)
}

func drawCentered(img *image.RGBA, face font.Face, s string, c color.Color, midY int) {
	w := font.MeasureString(face, s).Ceil()
	x := (img.Bounds().Dx() - w) / 2
	if x < margin {
		x = margin
	}
	text(img, face, s, c, x, midY)
}

func cell(img *image.RGBA, face font.Face, s string, c color.Color, x0, x1, y, h int) {
	s = truncate(face, s, x1-x0-2*cellPadding)
	text(img, face, s, c, x0+cellPadding, y+h/2)
}

func truncate(face font.Face, s string, width int) string {
	if width <= 0 || font.MeasureString(face, s).Ceil() <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "…"
		if font.MeasureString(face, candidate).Ceil() <= width {
			return candidate
		}
	}
	return ""
}

// fitWithin downscales src so neither side exceeds maxSide.
func fitWithin(src image.Image, maxSide int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return src
	}
	scale := float64(maxSide) / float64(max(w, h))
	dw, dh := max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
