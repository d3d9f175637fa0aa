package annotate

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// ToDrawOrder converts a capture-order (BGR) frame into draw order (RGB).
func ToDrawOrder(src gocv.Mat, dst *gocv.Mat) {
	gocv.CvtColor(src, dst, gocv.ColorBGRToRGB)
}

// ToCaptureOrder converts a draw-order (RGB) frame back into capture order (BGR).
func ToCaptureOrder(src gocv.Mat, dst *gocv.Mat) {
	gocv.CvtColor(src, dst, gocv.ColorRGBToBGR)
}

// rgbCanvas is a draw.Image over the pixel memory of an 8-bit, 3-channel,
// RGB-ordered Mat. Writes land directly in the Mat.
type rgbCanvas struct {
	pix    []byte
	stride int
	rect   image.Rectangle
}

func newRGBCanvas(m gocv.Mat) (*rgbCanvas, error) {
	pix, err := m.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	return &rgbCanvas{
		pix:    pix,
		stride: m.Step(),
		rect:   image.Rect(0, 0, m.Cols(), m.Rows()),
	}, nil
}

func (c *rgbCanvas) ColorModel() color.Model { return color.RGBAModel }

func (c *rgbCanvas) Bounds() image.Rectangle { return c.rect }

func (c *rgbCanvas) At(x, y int) color.Color {
	if !image.Pt(x, y).In(c.rect) {
		return color.RGBA{}
	}
	i := y*c.stride + x*3
	return color.RGBA{R: c.pix[i], G: c.pix[i+1], B: c.pix[i+2], A: 0xff}
}

func (c *rgbCanvas) Set(x, y int, col color.Color) {
	if !image.Pt(x, y).In(c.rect) {
		return
	}
	r, g, b, _ := col.RGBA()
	i := y*c.stride + x*3
	c.pix[i] = uint8(r >> 8)
	c.pix[i+1] = uint8(g >> 8)
	c.pix[i+2] = uint8(b >> 8)
}
