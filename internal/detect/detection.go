package detect

import "image"

// Quad is a text region as four corners in the order top-left, top-right,
// bottom-right, bottom-left.
type Quad [4]image.Point

// QuadFromRect builds the axis-aligned quad for r.
func QuadFromRect(r image.Rectangle) Quad {
	return Quad{
		{X: r.Min.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Max.Y},
		{X: r.Min.X, Y: r.Max.Y},
	}
}

// TopLeft returns the first corner.
func (q Quad) TopLeft() image.Point { return q[0] }

// BottomRight returns the third corner.
func (q Quad) BottomRight() image.Point { return q[2] }

// Detection is one recognised text region.
type Detection struct {
	Quad Quad

	// Text is the recognised string. It may be empty.
	Text string

	// Confidence is the recognition score in [0,1].
	Confidence float64
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
