package detect

import (
	"image"
	"reflect"
	"testing"
)

func TestDecodeEAST(t *testing.T) {
	const rows, cols = 2, 2
	plane := rows * cols
	scores := []float32{0.1, 0.9, 0.2, 0.3}
	geometry := make([]float32, 5*plane)
	// cell (x=1, y=0): 2px above, 10px right, 6px below, 4px left, no rotation
	geometry[0*plane+1] = 2
	geometry[1*plane+1] = 10
	geometry[2*plane+1] = 6
	geometry[3*plane+1] = 4

	rects, confs := decodeEAST(scores, geometry, rows, cols, 0.5)
	if len(rects) != 1 {
		t.Fatalf("decodeEAST() returned %d rects, want 1", len(rects))
	}
	// offset (4,0); end = (4+10, 0+6); start = end - (14, 8)
	want := image.Rect(0, -2, 14, 6)
	if rects[0] != want {
		t.Errorf("rect = %v, want %v", rects[0], want)
	}
	if confs[0] != 0.9 {
		t.Errorf("score = %v, want 0.9", confs[0])
	}

	if r, c := decodeEAST(scores[:1], geometry, rows, cols, 0.5); r != nil || c != nil {
		t.Error("decodeEAST() with short score map should return nothing")
	}
}

func TestNonMaxSuppression(t *testing.T) {
	rects := []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(1, 1, 11, 11),
		image.Rect(50, 50, 60, 60),
	}
	scores := []float32{0.6, 0.9, 0.7}

	got := nonMaxSuppression(rects, scores, 0.4)
	want := []int{1, 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("nonMaxSuppression() = %v, want %v", got, want)
	}
}

func TestSortReadingOrder(t *testing.T) {
	regions := []image.Rectangle{
		image.Rect(100, 52, 150, 72),
		image.Rect(0, 200, 40, 220),
		image.Rect(10, 50, 60, 70),
	}
	sortReadingOrder(regions)
	want := []image.Rectangle{
		image.Rect(10, 50, 60, 70),
		image.Rect(100, 52, 150, 72),
		image.Rect(0, 200, 40, 220),
	}
	if !reflect.DeepEqual(regions, want) {
		t.Errorf("sortReadingOrder() = %v, want %v", regions, want)
	}
}

func TestSortReadingOrderChainedLines(t *testing.T) {
	a := image.Rect(50, 0, 90, 20)
	b := image.Rect(0, 8, 40, 28)
	c := image.Rect(25, 16, 60, 36)
	want := []image.Rectangle{b, a, c}

	for _, in := range [][]image.Rectangle{{a, b, c}, {c, b, a}, {b, c, a}} {
		regions := append([]image.Rectangle(nil), in...)
		sortReadingOrder(regions)
		if !reflect.DeepEqual(regions, want) {
			t.Errorf("sortReadingOrder(%v) = %v, want %v", in, regions, want)
		}
	}
}
