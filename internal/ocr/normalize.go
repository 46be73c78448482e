package ocr

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

// Normalizer turns raw OCR lines into canonical reading-order lines.
type Normalizer struct {
	// MinConfidence drops lines scoring below it. Zero keeps everything.
	MinConfidence float64
	// RowTolerance is the max vertical centre distance for two lines on
	// the same row, as a fraction of the smaller line height.
	RowTolerance float64
	// GapTolerance is the max horizontal gap between two adjacent lines
	// that are merged, as a fraction of the smaller line height. Zero merges
	// only boxes that touch or overlap, so a label and its value stay apart.
	GapTolerance float64
}

// DefaultNormalizer keeps every line and merges overlapping same-row fragments.
func DefaultNormalizer() Normalizer {
	return Normalizer{MinConfidence: 0, RowTolerance: 0.5, GapTolerance: 0}
}

type item struct {
	idx  int
	text string
	rect entity.Rect
	box  bool
	conf float64
	page int
}

// Normalize is deterministic: equal input yields an equal slice.
func (n Normalizer) Normalize(raw []RawLine) []entity.OCRLine {
	items := make([]item, 0, len(raw))
	for i, rl := range raw {
		conf := 1.0
		if rl.Confidence != nil {
			conf = *rl.Confidence
		}
		if conf < n.MinConfidence {
			continue
		}
		text := CleanText(rl.Text)
		if text == "" {
			continue
		}
		it := item{idx: i, text: text, conf: conf, page: rl.Page}
		it.rect, it.box = rl.BoundingBox.Bounds()
		items = append(items, it)
	}

	sort.SliceStable(items, func(a, b int) bool {
		x, y := items[a], items[b]
		if x.page != y.page {
			return x.page < y.page
		}
		// unboxed lines trail their page in input order
		if x.box != y.box {
			return x.box
		}
		if !x.box {
			return x.idx < y.idx
		}
		if cx, cy := x.rect.CenterY(), y.rect.CenterY(); cx != cy {
			return cx < cy
		}
		if x.rect.MinX != y.rect.MinX {
			return x.rect.MinX < y.rect.MinX
		}
		return x.idx < y.idx
	})

	out := make([]entity.OCRLine, 0, len(items))
	for start := 0; start < len(items); {
		row := n.row(items, start)
		start += len(row)
		out = append(out, n.mergeRow(row)...)
	}
	return out
}

// row collects the lines sharing the vertical band of items[start].
func (n Normalizer) row(items []item, start int) []item {
	anchor := items[start]
	end := start + 1
	if anchor.box {
		for end < len(items) {
			next := items[end]
			if next.page != anchor.page || !next.box {
				break
			}
			h := math.Min(anchor.rect.Height(), next.rect.Height())
			if math.Abs(next.rect.CenterY()-anchor.rect.CenterY()) > n.RowTolerance*h {
				break
			}
			end++
		}
	}
	row := append([]item(nil), items[start:end]...)
	sort.SliceStable(row, func(a, b int) bool {
		if row[a].rect.MinX != row[b].rect.MinX {
			return row[a].rect.MinX < row[b].rect.MinX
		}
		return row[a].idx < row[b].idx
	})
	return row
}

func (n Normalizer) mergeRow(row []item) []entity.OCRLine {
	var out []entity.OCRLine
	cur := row[0]
	parts := []string{cur.text}
	flush := func() {
		line := entity.OCRLine{
			Text:       CleanText(strings.Join(parts, " ")),
			Confidence: cur.conf,
			Page:       cur.page,
		}
		if cur.box {
			line.BoundingBox = cur.rect.Polygon()
		}
		out = append(out, line)
	}
	for _, next := range row[1:] {
		h := math.Min(cur.rect.Height(), next.rect.Height())
		if cur.box && next.box && next.rect.MinX-cur.rect.MaxX <= n.GapTolerance*h {
			cur.rect = cur.rect.Union(next.rect)
			cur.conf = math.Min(cur.conf, next.conf)
			parts = append(parts, next.text)
			continue
		}
		flush()
		cur = next
		parts = []string{next.text}
	}
	flush()
	return out
}

// CleanText strips control characters and collapses whitespace runs.
func CleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
