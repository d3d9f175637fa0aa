// Package pipeline runs the capture, detect and annotate loop on a dedicated
// goroutine and delivers its results over a bounded event channel.
//
// The producer goroutine exclusively owns the frame source, the detector and
// the display sink. Consumers only receive Events. Cancellation is cooperative:
// Stop sets a flag that is checked once at the top of each iteration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocv.io/x/gocv"

	"github.com/clalos/medlens/internal/annotate"
	"github.com/clalos/medlens/internal/detect"
)

var (
	// ErrAlreadyStarted is returned by Start on a running pipeline.
	ErrAlreadyStarted = errors.New("pipeline: already started")
	// ErrStopped is returned by Start on a pipeline that has stopped.
	ErrStopped = errors.New("pipeline: stopped")
)

// FrameSource yields frames owned by the caller. Release is called exactly
// once when the loop exits.
type FrameSource interface {
	Read() (gocv.Mat, error)
	Release() error
}

// TextDetector finds text in a frame.
type TextDetector interface {
	Detect(img gocv.Mat) ([]detect.Detection, error)
}

// Annotator burns detections into a copy of a frame.
type Annotator interface {
	Annotate(frame gocv.Mat, dets []detect.Detection) (annotate.AnnotatedFrame, error)
}

// State is the pipeline lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Stage names the step of an iteration that failed.
type Stage string

const (
	StageRead     Stage = "read"
	StageDetect   Stage = "detect"
	StageAnnotate Stage = "annotate"
	StagePanic    Stage = "panic"
)

// StageError is the error carried by an EventError.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options configures a Pipeline. Zero values select the defaults noted.
type Options struct {
	// Buffer is the event channel capacity. Defaults to 4. When full, the
	// oldest queued event is dropped.
	Buffer int

	// Interval is the pause after each successful iteration. Defaults to 10ms.
	Interval time.Duration

	// StopTimeout bounds how long Stop waits. Defaults to 1s.
	StopTimeout time.Duration

	// ReadRetries is how many consecutive read failures are tolerated before
	// the loop terminates. Each failure is still reported. Defaults to 0.
	ReadRetries int

	// RetryDelay is the pause before retrying a failed read. Defaults to 100ms.
	RetryDelay time.Duration

	// StatsInterval, when positive, logs producer counters periodically.
	StatsInterval time.Duration

	// Sink displays frames before they are emitted. Defaults to NoDisplay.
	Sink Sink

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Pipeline drives FrameSource, TextDetector and Annotator in a loop.
type Pipeline struct {
	src  FrameSource
	det  TextDetector
	ann  Annotator
	sink Sink
	opts Options

	runID  string
	logger *slog.Logger
	tracer trace.Tracer

	state    atomic.Int32
	stopping atomic.Bool
	events   chan Event
	done     chan struct{}
	index    int64

	metrics metrics

	latestMu sync.Mutex
	latest   []string
}

// New builds an idle pipeline that takes ownership of src.
func New(src FrameSource, det TextDetector, ann Annotator, opts Options) *Pipeline {
	if opts.Buffer <= 0 {
		opts.Buffer = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = time.Second
	}
	if opts.ReadRetries < 0 {
		opts.ReadRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.Sink == nil {
		opts.Sink = NoDisplay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/clalos/medlens/internal/pipeline")
	}

	runID := uuid.NewString()
	return &Pipeline{
		src:    src,
		det:    det,
		ann:    ann,
		sink:   opts.Sink,
		opts:   opts,
		runID:  runID,
		logger: logger.With("run_id", runID),
		tracer: tracer,
		events: make(chan Event, opts.Buffer),
		done:   make(chan struct{}),
	}
}

// RunID identifies this pipeline in logs.
func (p *Pipeline) RunID() string { return p.runID }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Events returns the channel events are delivered on. It is closed after the
// last event once the pipeline has stopped.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Done is closed once the pipeline reaches StateStopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Stats returns a snapshot of producer counters.
func (p *Pipeline) Stats() Stats { return p.metrics.snapshot() }

// LatestTexts returns a copy of the texts from the most recent frame.
func (p *Pipeline) LatestTexts() []string {
	p.latestMu.Lock()
	defer p.latestMu.Unlock()
	return append([]string(nil), p.latest...)
}

// Start moves the pipeline from Idle to Running and launches the producer.
func (p *Pipeline) Start() error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if p.State() == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	p.logger.Info("Pipeline started",
		"buffer", p.opts.Buffer,
		"interval", p.opts.Interval,
		"read_retries", p.opts.ReadRetries)

	go p.run()
	if p.opts.StatsInterval > 0 {
		go p.reportStats()
	}
	return nil
}

// Stop asks the loop to exit after its current iteration and waits up to
// StopTimeout for it. It reports whether the pipeline reached Stopped in time.
// Stopping an idle pipeline releases the source immediately.
func (p *Pipeline) Stop() bool {
	if p.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		p.finish()
		close(p.done)
		return true
	}

	p.stopping.Store(true)
	p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))

	select {
	case <-p.done:
		return true
	case <-time.After(p.opts.StopTimeout):
		p.logger.Warn("Pipeline did not stop within timeout", "timeout", p.opts.StopTimeout)
		return false
	}
}

func (p *Pipeline) run() {
	// HighGUI windows and some camera backends expect a stable OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(p.done)
	defer func() {
		p.state.Store(int32(StateStopping))
		p.finish()
	}()
	defer func() {
		if r := recover(); r != nil {
			err := &StageError{Stage: StagePanic, Err: fmt.Errorf("%v", r)}
			p.logger.Error("Pipeline iteration panicked", "frame_index", p.index, "panic", r)
			p.emit(p.errorEvent(err))
		}
	}()

	failures := 0
	for !p.stopping.Load() {
		p.index++

		err := p.iterate(p.index)
		if err == nil {
			failures = 0
			time.Sleep(p.opts.Interval)
			continue
		}

		p.emit(p.errorEvent(err))

		var stageErr *StageError
		if errors.As(err, &stageErr) && stageErr.Stage == StageRead && failures < p.opts.ReadRetries {
			failures++
			p.logger.Warn("Frame read failed, retrying",
				"frame_index", p.index,
				"attempt", failures,
				"max_retries", p.opts.ReadRetries,
				"error", err)
			time.Sleep(p.opts.RetryDelay)
			continue
		}

		p.logger.Error("Pipeline terminated by iteration failure", "frame_index", p.index, "error", err)
		return
	}
	p.logger.Debug("Stop requested, leaving loop", "frame_index", p.index)
}

// iterate runs one read, detect, annotate cycle and emits its frame.
func (p *Pipeline) iterate(index int64) error {
	start := time.Now()
	_, span := p.tracer.Start(context.Background(), "pipeline.iteration",
		trace.WithAttributes(attribute.Int64("frame.index", index)))
	defer span.End()

	frame, err := p.src.Read()
	if err != nil {
		p.metrics.readErrors.Add(1)
		return failSpan(span, StageRead, err)
	}
	defer frame.Close()

	dets, err := p.det.Detect(frame)
	if err != nil {
		p.metrics.detectErrors.Add(1)
		return failSpan(span, StageDetect, err)
	}

	annotated, err := p.ann.Annotate(frame, dets)
	if err != nil {
		p.metrics.annotateErrors.Add(1)
		return failSpan(span, StageAnnotate, err)
	}
	span.SetAttributes(attribute.Int("detections", len(dets)))

	if err := p.sink.Show(&annotated); err != nil {
		p.logger.Warn("Display sink failed", "frame_index", index, "error", err)
	}

	p.setLatest(annotated.Texts)
	p.metrics.framesEmitted.Add(1)
	p.metrics.updateIterationTime(time.Since(start))

	p.logger.Debug("Frame annotated",
		"frame_index", index,
		"detections", len(dets),
		"elapsed", time.Since(start))

	p.emit(Event{Kind: EventFrameReady, Index: index, Time: time.Now(), Frame: &annotated})
	return nil
}

func failSpan(span trace.Span, stage Stage, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(stage))
	return &StageError{Stage: stage, Err: err}
}

func (p *Pipeline) errorEvent(err error) Event {
	return Event{
		Kind:    EventError,
		Index:   p.index,
		Time:    time.Now(),
		Err:     err,
		Message: err.Error(),
	}
}

func (p *Pipeline) setLatest(texts []string) {
	p.latestMu.Lock()
	p.latest = append(p.latest[:0], texts...)
	p.latestMu.Unlock()
}

// finish releases everything the producer owns and closes the event channel.
func (p *Pipeline) finish() {
	if err := p.src.Release(); err != nil {
		p.logger.Warn("Failed to release frame source", "error", err)
	}
	if err := p.sink.Close(); err != nil {
		p.logger.Warn("Failed to close display sink", "error", err)
	}
	p.state.Store(int32(StateStopped))
	close(p.events)

	s := p.Stats()
	p.logger.Info("Pipeline stopped",
		"frames_emitted", s.FramesEmitted,
		"events_dropped", s.EventsDropped,
		"read_errors", s.ReadErrors,
		"detect_errors", s.DetectErrors,
		"annotate_errors", s.AnnotateErrors,
		"avg_iteration_ms", float64(s.AvgIteration.Microseconds())/1000)
}

// reportStats periodically logs producer counters until the pipeline stops.
func (p *Pipeline) reportStats() {
	ticker := time.NewTicker(p.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			s := p.Stats()
			p.logger.Debug("Pipeline stats report",
				"frames_emitted", s.FramesEmitted,
				"events_dropped", s.EventsDropped,
				"read_errors", s.ReadErrors,
				"detect_errors", s.DetectErrors,
				"queued_events", len(p.events),
				"avg_iteration_ms", float64(s.AvgIteration.Microseconds())/1000)

			if s.EventsDropped > 0 && s.EventsDropped*2 > s.FramesEmitted {
				p.logger.Warn("Consumer is falling behind",
					"events_dropped", s.EventsDropped,
					"frames_emitted", s.FramesEmitted)
			}
		}
	}
}
