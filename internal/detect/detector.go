// Package detect turns frames into text detections.
//
// A Detector wraps one Engine chosen at Init time. Init tries the accelerated
// engine first when asked to and falls back once to the CPU engine; the choice
// is permanent for the Detector's lifetime.
package detect

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"
)

// ErrClosed is returned by Detect after Close.
var ErrClosed = errors.New("detect: detector is closed")

// Engine is a text detection/recognition backend.
type Engine interface {
	// Name identifies the backend in logs.
	Name() string

	// Detect returns detections in the engine's reading order. It may block
	// for the duration of inference.
	Detect(img gocv.Mat) ([]Detection, error)

	// Close releases the engine's resources.
	Close() error
}

// EngineConfig is what a Factory needs to build an Engine.
type EngineConfig struct {
	Languages   []string
	Accelerated bool
}

// Factory builds an Engine for the given configuration.
type Factory func(EngineConfig) (Engine, error)

// InitError reports a failed engine initialisation.
type InitError struct {
	Accelerated bool
	Err         error
}

func (e *InitError) Error() string {
	mode := "cpu"
	if e.Accelerated {
		mode = "accelerated"
	}
	return fmt.Sprintf("detect: %s initialization failed: %v", mode, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Options configures Init.
type Options struct {
	Languages         []string
	PreferAccelerated bool
	Logger            *slog.Logger
}

// Detector serialises access to a single Engine.
type Detector struct {
	logger      *slog.Logger
	accelerated bool

	mu     sync.Mutex
	engine Engine
	closed bool
}

// Init builds the detector. With PreferAccelerated set, an accelerated engine
// is tried first; any failure there triggers exactly one CPU attempt. If the
// CPU attempt fails too, Init returns an *InitError.
func Init(opts Options, factory Factory) (*Detector, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	langs := append([]string(nil), opts.Languages...)

	if opts.PreferAccelerated {
		engine, err := factory(EngineConfig{Languages: langs, Accelerated: true})
		if err == nil {
			logger.Info("Detector initialized", "engine", engine.Name(), "accelerated", true, "languages", langs)
			return &Detector{logger: logger, accelerated: true, engine: engine}, nil
		}
		logger.Warn("Accelerated detector unavailable, falling back to CPU", "error", err)
	}

	engine, err := factory(EngineConfig{Languages: langs, Accelerated: false})
	if err != nil {
		return nil, &InitError{Accelerated: false, Err: err}
	}
	logger.Info("Detector initialized", "engine", engine.Name(), "accelerated", false, "languages", langs)
	return &Detector{logger: logger, engine: engine}, nil
}

// Accelerated reports whether the accelerated engine is in use.
func (d *Detector) Accelerated() bool {
	return d.accelerated
}

// Detect runs the engine on img. Errors are per-call; the engine stays usable.
func (d *Detector) Detect(img gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if img.Empty() {
		return nil, fmt.Errorf("detect: empty image")
	}

	dets, err := d.engine.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %s: %w", d.engine.Name(), err)
	}
	return dets, nil
}

// Close releases the engine. Safe to call more than once.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.engine.Close()
}

// EngineFactory returns a Factory building an EAST engine from eastModel for
// accelerated configurations and a Tesseract engine otherwise.
func EngineFactory(eastModel string) Factory {
	return func(cfg EngineConfig) (Engine, error) {
		if cfg.Accelerated {
			e, err := NewEAST(EASTOptions{ModelPath: eastModel, Languages: cfg.Languages})
			if err != nil {
				return nil, err
			}
			return e, nil
		}
		t, err := NewTesseract(cfg.Languages)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}
