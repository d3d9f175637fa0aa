// Package capture owns the camera device and hands out frames captured from it.
//
// A Source is acquired with Open and must be released exactly once with Release.
// Every frame returned by Read is a fresh gocv.Mat owned by the caller, which
// must Close it.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"gocv.io/x/gocv"
)

var (
	// ErrDeviceUnavailable is returned by Open when the device cannot be acquired.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	// ErrReadFailed is returned by Read when the driver reports a failed grab.
	ErrReadFailed = errors.New("capture: failed to read frame from camera")
	// ErrEmptyFrame is returned by Read when the driver returns an empty buffer.
	ErrEmptyFrame = errors.New("capture: empty frame captured")
	// ErrReleased is returned by Read after Release.
	ErrReleased = errors.New("capture: source released")
)

// Options configures how a device is opened.
type Options struct {
	// API selects the capture backend. gocv.VideoCaptureAny picks the
	// platform default (see DefaultAPI).
	API gocv.VideoCaptureAPI

	// Logger receives open/release events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultAPI returns the capture backend used when none is requested:
// DirectShow on Windows, the OpenCV default elsewhere.
func DefaultAPI() gocv.VideoCaptureAPI {
	if runtime.GOOS == "windows" {
		return gocv.VideoCaptureDshow
	}
	return gocv.VideoCaptureAny
}

// Source is an exclusively owned camera device.
type Source struct {
	index  int
	logger *slog.Logger

	// mu serialises Read against Release.
	mu      sync.Mutex
	capture *gocv.VideoCapture
	buf     gocv.Mat

	releaseOnce sync.Once
	releaseErr  error
}

// Open acquires the camera at index. A failure here is fatal for the caller:
// the device is not retried.
func Open(index int, opts Options) (*Source, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := opts.API
	if api == gocv.VideoCaptureAny {
		api = DefaultAPI()
	}

	capture, err := gocv.VideoCaptureDeviceWithAPI(index, api)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", ErrDeviceUnavailable, index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: device %d is not opened", ErrDeviceUnavailable, index)
	}

	logger.Debug("Camera opened", "device_index", index, "api", int(api))

	return &Source{
		index:   index,
		logger:  logger,
		capture: capture,
		buf:     gocv.NewMat(),
	}, nil
}

// Index reports the device index the source was opened with.
func (s *Source) Index() int {
	return s.index
}

// Read grabs the next frame. The returned Mat is a copy owned by the caller.
func (s *Source) Read() (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return gocv.Mat{}, ErrReleased
	}
	if !s.capture.Read(&s.buf) {
		return gocv.Mat{}, ErrReadFailed
	}
	if s.buf.Empty() {
		return gocv.Mat{}, ErrEmptyFrame
	}
	return s.buf.Clone(), nil
}

// Release closes the device. It is safe to call more than once; only the
// first call does any work and later calls return the same result.
func (s *Source) Release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		var errs []error
		if s.capture != nil {
			if err := s.capture.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close video capture: %w", err))
			}
			s.capture = nil
		}
		if err := s.buf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close read buffer: %w", err))
		}
		s.releaseErr = errors.Join(errs...)

		s.logger.Debug("Camera released", "device_index", s.index, "error", s.releaseErr)
	})
	return s.releaseErr
}
