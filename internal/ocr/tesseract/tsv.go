package tesseract

import (
	"strconv"
	"strings"

	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr"
)

// tesseract TSV columns
const (
	colLevel = iota
	colPage
	colBlock
	colPar
	colLine
	colWord
	colLeft
	colTop
	colWidth
	colHeight
	colConf
	colText
	numCols
)

const wordLevel = "5"

type lineAcc struct {
	words    []string
	rect     entity.Rect
	confSum  float64
	confN    int
	hasWords bool
}

// ParseTSV groups word rows by (block, paragraph, line) into raw lines for page.
// Lines keep the order in which tesseract first reports them.
func ParseTSV(tsv string, page int) []ocr.RawLine {
	var order []string
	acc := map[string]*lineAcc{}
	for i, row := range strings.Split(tsv, "\n") {
		if i == 0 || row == "" {
			continue
		}
		cols := strings.Split(strings.TrimRight(row, "\r"), "\t")
		if len(cols) < numCols || cols[colLevel] != wordLevel {
			continue
		}
		text := strings.TrimSpace(strings.Join(cols[colText:], " "))
		if text == "" {
			continue
		}
		left, _ := strconv.ParseFloat(cols[colLeft], 64)
		top, _ := strconv.ParseFloat(cols[colTop], 64)
		w, _ := strconv.ParseFloat(cols[colWidth], 64)
		h, _ := strconv.ParseFloat(cols[colHeight], 64)
		r := entity.Rect{MinX: left, MinY: top, MaxX: left + w, MaxY: top + h}

		key := cols[colBlock] + "/" + cols[colPar] + "/" + cols[colLine]
		a, ok := acc[key]
		if !ok {
			a = &lineAcc{}
			acc[key] = a
			order = append(order, key)
		}
		if a.hasWords {
			a.rect = a.rect.Union(r)
		} else {
			a.rect = r
			a.hasWords = true
		}
		a.words = append(a.words, text)
		if c, err := strconv.ParseFloat(cols[colConf], 64); err == nil && c >= 0 {
			a.confSum += c
			a.confN++
		}
	}

	lines := make([]ocr.RawLine, 0, len(order))
	for _, key := range order {
		a := acc[key]
		rl := ocr.RawLine{
			Text:        strings.Join(a.words, " "),
			BoundingBox: a.rect.Polygon(),
			Page:        page,
		}
		if a.confN > 0 {
			c := a.confSum / float64(a.confN) / 100
			rl.Confidence = &c
		}
		lines = append(lines, rl)
	}
	return lines
}
