// Package annotate burns detection labels and boxes into frames.
//
// Labels are drawn first, in draw (RGB) order, with a TrueType face or the
// built-in fallback. Boxes are drawn second, in capture (BGR) order, on top of
// the labels.
package annotate

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"

	"gocv.io/x/gocv"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/clalos/medlens/internal/detect"
)

// ErrEmptyFrame is returned when Annotate is given an empty Mat.
var ErrEmptyFrame = errors.New("annotate: empty frame")

const (
	// DefaultFontSize matches the label size used by the camera UI.
	DefaultFontSize = 32

	// labelGap is the vertical space between a label and its box.
	labelGap = 5
)

var (
	// DefaultLabelColor is red in draw order.
	DefaultLabelColor = color.RGBA{R: 255, A: 255}
	// DefaultBoxColor is green.
	DefaultBoxColor = color.RGBA{G: 255, A: 255}
)

// Options configures an Annotator.
type Options struct {
	FontPath     string
	FontSize     int
	LabelColor   color.RGBA
	BoxColor     color.RGBA
	BoxThickness int
	Logger       *slog.Logger
}

// Label records where one detection's label and box were drawn.
type Label struct {
	Text       string
	Origin     image.Point
	Box        image.Rectangle
	Confidence float64
}

// AnnotatedFrame is a capture-order frame with labels and boxes burned in.
// The caller owns Image and must Close the frame.
type AnnotatedFrame struct {
	Image gocv.Mat

	// Texts holds every detection's text in detection order, including
	// duplicates and empty strings.
	Texts []string

	Labels []Label
}

// Primary returns the first text, by convention the one acted upon.
func (f *AnnotatedFrame) Primary() (string, bool) {
	if len(f.Texts) == 0 {
		return "", false
	}
	return f.Texts[0], true
}

// Close releases the image buffer.
func (f *AnnotatedFrame) Close() error {
	return f.Image.Close()
}

// Annotator draws detections onto frames. The font is resolved once in New.
type Annotator struct {
	face         font.Face
	fontSize     int
	fallback     bool
	labelColor   color.RGBA
	boxColor     color.RGBA
	boxThickness int
}

// New builds an Annotator. If the font cannot be loaded the built-in face is
// used for the Annotator's whole lifetime; this is logged, not returned.
func New(opts Options) *Annotator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FontSize <= 0 {
		opts.FontSize = DefaultFontSize
	}
	if opts.LabelColor == (color.RGBA{}) {
		opts.LabelColor = DefaultLabelColor
	}
	if opts.BoxColor == (color.RGBA{}) {
		opts.BoxColor = DefaultBoxColor
	}
	if opts.BoxThickness <= 0 {
		opts.BoxThickness = 2
	}

	a := &Annotator{
		fontSize:     opts.FontSize,
		labelColor:   opts.LabelColor,
		boxColor:     opts.BoxColor,
		boxThickness: opts.BoxThickness,
	}

	face, err := loadFace(opts.FontPath, opts.FontSize)
	if err != nil {
		logger.Warn("Could not load label font, falling back to default font",
			"font_path", opts.FontPath,
			"font_size", opts.FontSize,
			"error", err)
		face = defaultFace()
		a.fallback = true
	}
	a.face = face
	return a
}

// FontFallback reports whether the built-in face is in use.
func (a *Annotator) FontFallback() bool {
	return a.fallback
}

// FontSize is the configured label size used for placement.
func (a *Annotator) FontSize() int {
	return a.fontSize
}

// LabelOrigin places a label above the box's top-left corner, clamped so it
// never starts above the top edge. Horizontal position is not clamped.
func LabelOrigin(topLeft image.Point, fontSize int) image.Point {
	y := topLeft.Y - fontSize - labelGap
	if y < 0 {
		y = 0
	}
	return image.Pt(topLeft.X, y)
}

// Annotate returns a new frame with dets drawn onto a copy of frame. frame is
// not modified and stays owned by the caller.
func (a *Annotator) Annotate(frame gocv.Mat, dets []detect.Detection) (AnnotatedFrame, error) {
	if frame.Empty() {
		return AnnotatedFrame{}, ErrEmptyFrame
	}
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return AnnotatedFrame{}, fmt.Errorf("annotate: unsupported frame type %v", frame.Type())
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	ToDrawOrder(frame, &rgb)

	canvas, err := newRGBCanvas(rgb)
	if err != nil {
		return AnnotatedFrame{}, fmt.Errorf("annotate: %w", err)
	}

	texts := make([]string, 0, len(dets))
	labels := make([]Label, 0, len(dets))
	for _, det := range dets {
		texts = append(texts, det.Text)
		origin := LabelOrigin(det.Quad.TopLeft(), a.fontSize)
		a.drawText(canvas, origin, det.Text)
		labels = append(labels, Label{
			Text:       det.Text,
			Origin:     origin,
			Box:        image.Rectangle{Min: det.Quad.TopLeft(), Max: det.Quad.BottomRight()},
			Confidence: det.Confidence,
		})
	}

	out := gocv.NewMat()
	ToCaptureOrder(rgb, &out)

	for _, l := range labels {
		gocv.Rectangle(&out, l.Box, a.boxColor, a.boxThickness)
	}

	return AnnotatedFrame{Image: out, Texts: texts, Labels: labels}, nil
}

// drawText renders text with its top edge at origin.Y.
func (a *Annotator) drawText(dst *rgbCanvas, origin image.Point, text string) {
	if text == "" {
		return
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(a.labelColor),
		Face: a.face,
		Dot:  fixed.Point26_6{X: fixed.I(origin.X), Y: fixed.I(origin.Y) + a.face.Metrics().Ascent},
	}
	d.DrawString(text)
}
