package detect

import (
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// Tesseract is the CPU engine: gosseract over the whole frame, one detection
// per recognised text line.
type Tesseract struct {
	client    *gosseract.Client
	languages []string
	level     gosseract.PageIteratorLevel
}

// NewTesseract creates a Tesseract engine for langs and probes it once so that
// missing language data fails here rather than on the first frame.
func NewTesseract(langs []string) (*Tesseract, error) {
	codes := TesseractLanguages(langs)
	if len(codes) == 0 {
		codes = []string{"eng"}
	}

	client, err := newClient(codes, gosseract.PSM_AUTO)
	if err != nil {
		return nil, err
	}
	if err := probe(client); err != nil {
		client.Close()
		return nil, err
	}

	return &Tesseract{
		client:    client,
		languages: codes,
		level:     gosseract.RIL_TEXTLINE,
	}, nil
}

func (t *Tesseract) Name() string { return "tesseract" }

// Detect recognises text lines in img.
func (t *Tesseract) Detect(img gocv.Mat) ([]Detection, error) {
	imgBytes, err := gocv.IMEncode(".png", img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer imgBytes.Close()

	if err := t.client.SetImageFromBytes(imgBytes.GetBytes()); err != nil {
		return nil, fmt.Errorf("failed to set OCR image: %w", err)
	}

	boxes, err := t.client.GetBoundingBoxes(t.level)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounding boxes: %w", err)
	}

	dets := make([]Detection, 0, len(boxes))
	for _, box := range boxes {
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		dets = append(dets, Detection{
			Quad:       QuadFromRect(box.Box),
			Text:       text,
			Confidence: clampConfidence(box.Confidence / 100.0),
		})
	}
	return dets, nil
}

// Close releases the Tesseract client.
func (t *Tesseract) Close() error {
	return t.client.Close()
}

func newClient(codes []string, psm gosseract.PageSegMode) (*gosseract.Client, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(codes...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(psm); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return client, nil
}

// probe forces gosseract to initialise its TessBaseAPI on a blank image.
func probe(client *gosseract.Client) error {
	blank := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer blank.Close()
	blank.SetTo(gocv.NewScalar(255, 255, 255, 0))

	buf, err := gocv.IMEncode(".png", blank)
	if err != nil {
		return fmt.Errorf("failed to encode probe image: %w", err)
	}
	defer buf.Close()

	if err := client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return fmt.Errorf("failed to set probe image: %w", err)
	}
	if _, err := client.Text(); err != nil {
		return fmt.Errorf("tesseract init: %w", err)
	}
	return nil
}

// recognizeRegion runs client over a single cropped region and returns the
// text with the mean word confidence.
func recognizeRegion(client *gosseract.Client, img gocv.Mat, rect image.Rectangle) (string, float64, error) {
	roi := img.Region(rect)
	defer roi.Close()

	buf, err := gocv.IMEncode(".png", roi)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode region: %w", err)
	}
	defer buf.Close()

	if err := client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return "", 0, fmt.Errorf("failed to set region image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("failed to extract text: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		boxes = nil
	}
	var total float64
	var count int
	for _, box := range boxes {
		if box.Confidence > 0 {
			total += box.Confidence
			count++
		}
	}
	var conf float64
	if count > 0 {
		conf = total / float64(count) / 100.0
	}
	return strings.TrimSpace(text), clampConfidence(conf), nil
}
