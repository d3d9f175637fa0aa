package detect

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

var (
	// ErrNoModel is returned by NewEAST when no model path is configured.
	ErrNoModel = errors.New("detect: no EAST model configured")
	// ErrNoAccelerator is returned by NewEAST when OpenCV sees no CUDA device.
	ErrNoAccelerator = errors.New("detect: no CUDA device available")
)

// cudaDevices counts CUDA devices usable by OpenCV.
var cudaDevices = cudaDeviceCount

var eastMean = gocv.NewScalar(123.68, 116.78, 103.94, 0)

var eastOutputs = []string{
	"feature_fusion/Conv_7/Sigmoid",
	"feature_fusion/concat_3",
}

// EASTOptions configures the accelerated engine.
type EASTOptions struct {
	// ModelPath points at a frozen EAST graph (frozen_east_text_detection.pb).
	ModelPath string
	Languages []string

	// InputSize must be a multiple of 32. Defaults to 320x320.
	InputSize image.Point

	// ScoreThreshold defaults to 0.5, NMSThreshold to 0.4.
	ScoreThreshold float32
	NMSThreshold   float32
}

// EAST is the accelerated engine: region proposals from the EAST network on
// the CUDA backend, then gosseract recognition per region.
type EAST struct {
	net       gocv.Net
	client    *gosseract.Client
	inputSize image.Point
	scoreThr  float32
	nmsThr    float32
}

// NewEAST loads the EAST model onto the CUDA backend.
func NewEAST(opts EASTOptions) (*EAST, error) {
	if opts.ModelPath == "" {
		return nil, ErrNoModel
	}
	if opts.InputSize == (image.Point{}) {
		opts.InputSize = image.Pt(320, 320)
	}
	if opts.InputSize.X%32 != 0 || opts.InputSize.Y%32 != 0 {
		return nil, fmt.Errorf("detect: EAST input size %v is not a multiple of 32", opts.InputSize)
	}
	if opts.ScoreThreshold == 0 {
		opts.ScoreThreshold = 0.5
	}
	if opts.NMSThreshold == 0 {
		opts.NMSThreshold = 0.4
	}

	// OpenCV silently runs CUDA-targeted nets on the CPU when no device is
	// present, so the device check has to happen here.
	if cudaDevices() <= 0 {
		return nil, ErrNoAccelerator
	}

	net := gocv.ReadNet(opts.ModelPath, "")
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("detect: failed to load EAST model %s", opts.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
		net.Close()
		return nil, fmt.Errorf("detect: set CUDA backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
		net.Close()
		return nil, fmt.Errorf("detect: set CUDA target: %w", err)
	}
	if err := warmUp(&net, opts.InputSize); err != nil {
		net.Close()
		return nil, err
	}

	codes := TesseractLanguages(opts.Languages)
	if len(codes) == 0 {
		codes = []string{"eng"}
	}
	client, err := newClient(codes, gosseract.PSM_SINGLE_LINE)
	if err != nil {
		net.Close()
		return nil, err
	}
	if err := probe(client); err != nil {
		client.Close()
		net.Close()
		return nil, err
	}

	return &EAST{
		net:       net,
		client:    client,
		inputSize: opts.InputSize,
		scoreThr:  opts.ScoreThreshold,
		nmsThr:    opts.NMSThreshold,
	}, nil
}

func (e *EAST) Name() string { return "east+tesseract" }

// Detect proposes regions with EAST and recognises each one.
func (e *EAST) Detect(img gocv.Mat) ([]Detection, error) {
	blob := gocv.BlobFromImage(img, 1.0, e.inputSize, eastMean, true, false)
	defer blob.Close()

	if err := e.net.SetInput(blob, ""); err != nil {
		return nil, fmt.Errorf("set EAST input: %w", err)
	}
	outs := e.net.ForwardLayers(eastOutputs)
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()
	if len(outs) != 2 {
		return nil, fmt.Errorf("unexpected EAST output count %d", len(outs))
	}

	dims := outs[0].Size()
	if len(dims) != 4 {
		return nil, fmt.Errorf("unexpected EAST score shape %v", dims)
	}
	rows, cols := dims[2], dims[3]

	scores, err := outs[0].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read EAST scores: %w", err)
	}
	geometry, err := outs[1].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read EAST geometry: %w", err)
	}

	rects, confs := decodeEAST(scores, geometry, rows, cols, e.scoreThr)
	keep := nonMaxSuppression(rects, confs, e.nmsThr)

	bounds := image.Rect(0, 0, img.Cols(), img.Rows())
	sx := float64(img.Cols()) / float64(e.inputSize.X)
	sy := float64(img.Rows()) / float64(e.inputSize.Y)

	regions := make([]image.Rectangle, 0, len(keep))
	for _, i := range keep {
		r := scaleRect(rects[i], sx, sy).Intersect(bounds)
		if !r.Empty() {
			regions = append(regions, r)
		}
	}
	sortReadingOrder(regions)

	dets := make([]Detection, 0, len(regions))
	for _, r := range regions {
		text, conf, err := recognizeRegion(e.client, img, r)
		if err != nil {
			return nil, err
		}
		dets = append(dets, Detection{Quad: QuadFromRect(r), Text: text, Confidence: conf})
	}
	return dets, nil
}

// Close releases the network and the recogniser.
func (e *EAST) Close() error {
	return errors.Join(e.net.Close(), e.client.Close())
}

// warmUp runs one forward pass on a blank blob so CUDA or cuDNN failures
// surface at init time.
func warmUp(net *gocv.Net, size image.Point) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detect: CUDA warm-up failed: %v", r)
		}
	}()

	blank := gocv.NewMatWithSize(size.Y, size.X, gocv.MatTypeCV8UC3)
	defer blank.Close()
	blank.SetTo(gocv.NewScalar(0, 0, 0, 0))

	blob := gocv.BlobFromImage(blank, 1.0, size, eastMean, true, false)
	defer blob.Close()

	if err := net.SetInput(blob, ""); err != nil {
		return fmt.Errorf("detect: CUDA warm-up input: %w", err)
	}
	outs := net.ForwardLayers(eastOutputs)
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()
	if len(outs) != len(eastOutputs) || outs[0].Empty() {
		return fmt.Errorf("detect: CUDA warm-up produced no output")
	}
	return nil
}

// decodeEAST turns the score map (1x1xRxC) and geometry map (1x5xRxC) into
// axis-aligned boxes in network input coordinates. Each cell covers 4x4 pixels.
func decodeEAST(scores, geometry []float32, rows, cols int, threshold float32) ([]image.Rectangle, []float32) {
	plane := rows * cols
	if len(scores) < plane || len(geometry) < 5*plane {
		return nil, nil
	}

	var rects []image.Rectangle
	var confs []float32
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := y*cols + x
			score := scores[i]
			if score < threshold {
				continue
			}

			top := float64(geometry[i])
			right := float64(geometry[plane+i])
			bottom := float64(geometry[2*plane+i])
			left := float64(geometry[3*plane+i])
			angle := float64(geometry[4*plane+i])
			cos, sin := math.Cos(angle), math.Sin(angle)

			offX, offY := float64(x)*4, float64(y)*4
			h := top + bottom
			w := right + left
			endX := offX + cos*right + sin*bottom
			endY := offY - sin*right + cos*bottom

			rects = append(rects, image.Rect(
				int(math.Round(endX-w)), int(math.Round(endY-h)),
				int(math.Round(endX)), int(math.Round(endY)),
			))
			confs = append(confs, score)
		}
	}
	return rects, confs
}

// nonMaxSuppression returns indices of rects kept by greedy IoU suppression,
// highest score first.
func nonMaxSuppression(rects []image.Rectangle, scores []float32, iouThreshold float32) []int {
	order := make([]int, len(rects))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	suppressed := make([]bool, len(rects))
	var keep []int
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order {
			if j != i && !suppressed[j] && iou(rects[i], rects[j]) > float64(iouThreshold) {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func iou(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}

func scaleRect(r image.Rectangle, sx, sy float64) image.Rectangle {
	return image.Rect(
		int(math.Round(float64(r.Min.X)*sx)), int(math.Round(float64(r.Min.Y)*sy)),
		int(math.Round(float64(r.Max.X)*sx)), int(math.Round(float64(r.Max.Y)*sy)),
	)
}

// sortReadingOrder orders regions top to bottom in lines, then left to right
// within a line. A region joins the current line when its top is within half
// the line's first region height of that region's top.
func sortReadingOrder(regions []image.Rectangle) {
	sort.SliceStable(regions, func(a, b int) bool {
		if regions[a].Min.Y != regions[b].Min.Y {
			return regions[a].Min.Y < regions[b].Min.Y
		}
		return regions[a].Min.X < regions[b].Min.X
	})

	for start := 0; start < len(regions); {
		head := regions[start]
		end := start + 1
		for end < len(regions) && regions[end].Min.Y-head.Min.Y <= head.Dy()/2 {
			end++
		}
		line := regions[start:end]
		sort.SliceStable(line, func(a, b int) bool { return line[a].Min.X < line[b].Min.X })
		start = end
	}
}
