package entity

import "math"

// Point is one polygon vertex in page units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is an ordered list of vertices.
type Polygon []Point

// Rect is an axis-aligned bounding rectangle.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Bounds returns the axis-aligned bounds of p. ok is false for an empty polygon.
func (p Polygon) Bounds() (Rect, bool) {
	if len(p) == 0 {
		return Rect{}, false
	}
	r := Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, pt := range p {
		r.MinX = math.Min(r.MinX, pt.X)
		r.MinY = math.Min(r.MinY, pt.Y)
		r.MaxX = math.Max(r.MaxX, pt.X)
		r.MaxY = math.Max(r.MaxY, pt.Y)
	}
	return r, true
}

func (r Rect) Width() float64   { return r.MaxX - r.MinX }
func (r Rect) Height() float64  { return r.MaxY - r.MinY }
func (r Rect) CenterY() float64 { return (r.MinY + r.MaxY) / 2 }

// Union returns the smallest rectangle covering both.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		MinX: math.Min(r.MinX, o.MinX),
		MinY: math.Min(r.MinY, o.MinY),
		MaxX: math.Max(r.MaxX, o.MaxX),
		MaxY: math.Max(r.MaxY, o.MaxY),
	}
}

// Polygon returns the rectangle as a clockwise four-point polygon.
func (r Rect) Polygon() Polygon {
	return Polygon{
		{X: r.MinX, Y: r.MinY},
		{X: r.MaxX, Y: r.MinY},
		{X: r.MaxX, Y: r.MaxY},
		{X: r.MinX, Y: r.MaxY},
	}
}

// OCRLine is a canonical, normalized line of OCR text.
type OCRLine struct {
	Text        string  `json:"text"`
	BoundingBox Polygon `json:"bounding_box"`
	Confidence  float64 `json:"confidence"`
	Page        int     `json:"page"`
}
