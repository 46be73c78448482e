// Package visualize renders the field map of a pipeline result as a PNG.
package visualize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"sort"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

var (
	paper     = color.RGBA{0xff, 0xff, 0xff, 0xff}
	lineInk   = color.RGBA{0xb0, 0xb0, 0xb0, 0xff}
	textInk   = color.RGBA{0x60, 0x60, 0x60, 0xff}
	validInk  = color.RGBA{0x1b, 0x9e, 0x3e, 0xff}
	flagInk   = color.RGBA{0xd9, 0x2d, 0x20, 0xff}
	pageBreak = color.RGBA{0x30, 0x30, 0x30, 0xff}
)

// ErrNothingToDraw is returned when neither lines nor fields carry a box.
var ErrNothingToDraw = errors.New("visualize: no bounding boxes")

// FieldMap draws every page's OCR lines in grey and each field's box on top,
// green when valid and red when flagged, labelled with the field name.
// Pages are stacked vertically.
type FieldMap struct {
	// Width of the output image in pixels.
	Width int
	// ShowText draws the OCR text inside line boxes.
	ShowText bool
}

func NewFieldMap() *FieldMap {
	return &FieldMap{Width: 1000, ShowText: true}
}

type pageFrame struct {
	bounds entity.Rect
	top    int
	scale  float64
}

func (m *FieldMap) Render(doc *entity.Document, lines []entity.OCRLine, res *entity.PipelineResult) ([]byte, error) {
	if res == nil {
		res = &entity.PipelineResult{}
	}
	extents := map[int]entity.Rect{}
	grow := func(page int, p entity.Polygon) {
		r, ok := p.Bounds()
		if !ok {
			return
		}
		if cur, seen := extents[page]; seen {
			r = cur.Union(r)
		}
		extents[page] = r
	}
	for _, l := range lines {
		grow(l.Page, l.BoundingBox)
	}
	for _, f := range res.Fields {
		grow(fieldPage(f), f.BoundingBox)
	}
	if len(extents) == 0 {
		return nil, ErrNothingToDraw
	}

	width := m.Width
	if width <= 0 {
		width = 1000
	}
	const margin = 24
	pages := make([]int, 0, len(extents))
	for p := range extents {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	frames := map[int]pageFrame{}
	height := 0
	for _, p := range pages {
		// documents are laid out from their origin, not from the first box
		b := extents[p]
		b.MinX, b.MinY = math.Min(0, b.MinX), math.Min(0, b.MinY)
		w := b.MaxX - b.MinX
		if w <= 0 {
			w = 1
		}
		scale := float64(width-2*margin) / w
		h := int(math.Ceil((b.MaxY-b.MinY)*scale)) + 2*margin
		frames[p] = pageFrame{bounds: b, top: height, scale: scale}
		height += h
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: paper}, image.Point{}, draw.Src)

	toPixels := func(page int, r entity.Rect) image.Rectangle {
		f := frames[page]
		x0 := margin + int((r.MinX-f.bounds.MinX)*f.scale)
		y0 := f.top + margin + int((r.MinY-f.bounds.MinY)*f.scale)
		x1 := margin + int(math.Ceil((r.MaxX-f.bounds.MinX)*f.scale))
		y1 := f.top + margin + int(math.Ceil((r.MaxY-f.bounds.MinY)*f.scale))
		return image.Rect(x0, y0, x1, y1)
	}

	for i, p := range pages {
		if i > 0 {
			hline(img, 0, width, frames[p].top, pageBreak)
		}
	}
	for _, l := range lines {
		r, ok := l.BoundingBox.Bounds()
		if !ok {
			continue
		}
		px := toPixels(l.Page, r)
		outline(img, px, lineInk, 1)
		if m.ShowText {
			label(img, px.Min.X+2, px.Max.Y-2, l.Text, textInk, px.Dx())
		}
	}
	for _, f := range res.Fields {
		r, ok := f.BoundingBox.Bounds()
		if !ok {
			continue
		}
		ink := validInk
		if !f.Validation.Valid {
			ink = flagInk
		}
		px := toPixels(fieldPage(f), r).Inset(-3)
		outline(img, px, ink, 2)
		label(img, px.Min.X, px.Min.Y-3, f.Name, ink, 0)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		id := ""
		if doc != nil {
			id = doc.ID.String()
		}
		return nil, fmt.Errorf("encode field map %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

func fieldPage(f entity.ExtractedField) int {
	if f.Page != nil {
		return *f.Page
	}
	return 1
}

func hline(img *image.RGBA, x0, x1, y int, c color.Color) {
	for x := x0; x < x1; x++ {
		img.Set(x, y, c)
	}
}

func outline(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, r.Min.Y+t, c)
			img.Set(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.Set(r.Min.X+t, y, c)
			img.Set(r.Max.X-1-t, y, c)
		}
	}
}

// label draws s with its baseline at y, clipped to maxWidth pixels when set.
func label(img *image.RGBA, x, y int, s string, c color.Color, maxWidth int) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	if maxWidth > 0 {
		for len(s) > 0 && d.MeasureString(s).Ceil() > maxWidth {
			_, size := utf8.DecodeLastRuneInString(s)
			s = s[:len(s)-size]
		}
	}
	d.DrawString(s)
}
