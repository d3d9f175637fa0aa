package pipeline

import (
	"bytes"
	"errors"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/medlens/internal/annotate"
	"github.com/clalos/medlens/internal/detect"
)

var errRead = errors.New("failed to read frame from camera")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource returns a frame for read n when script(n) is nil.
type scriptedSource struct {
	script   func(n int) error
	reads    atomic.Int64
	released atomic.Int32
}

func (s *scriptedSource) Read() (gocv.Mat, error) {
	n := int(s.reads.Add(1))
	if err := s.script(n); err != nil {
		return gocv.Mat{}, err
	}
	m := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(0, 0, 0, 0))
	return m, nil
}

func (s *scriptedSource) Release() error {
	s.released.Add(1)
	return nil
}

type stubDetector struct {
	dets  []detect.Detection
	err   error
	panic bool
}

func (d *stubDetector) Detect(gocv.Mat) ([]detect.Detection, error) {
	if d.panic {
		panic("detector exploded")
	}
	return d.dets, d.err
}

func ibuprofen() *stubDetector {
	return &stubDetector{dets: []detect.Detection{{
		Quad:       detect.Quad{{10, 50}, {60, 50}, {60, 80}, {10, 80}},
		Text:       "ibuprofen",
		Confidence: 0.9,
	}}}
}

func newAnnotator(tb testing.TB) *annotate.Annotator {
	return annotate.New(annotate.Options{
		FontPath: filepath.Join(tb.TempDir(), "missing.ttf"),
		Logger:   discardLogger(),
	})
}

func framesUntil(limit int) func(int) error {
	return func(n int) error {
		if n <= limit {
			return nil
		}
		return errRead
	}
}

// collect drains events until the channel closes, closing frames as it goes.
func collect(t *testing.T, p *Pipeline, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			ev.Close()
		case <-deadline:
			t.Fatalf("events channel not closed within %v (got %d events)", timeout, len(events))
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestPipelineEmitsFramesThenError(t *testing.T) {
	src := &scriptedSource{script: framesUntil(3)}
	p := New(src, ibuprofen(), newAnnotator(t), Options{Buffer: 16, Interval: time.Millisecond, Logger: discardLogger()})

	var labels []image.Point
	var texts [][]string
	p.sink = SinkFunc(func(f *annotate.AnnotatedFrame) error {
		labels = append(labels, f.Labels[0].Origin)
		texts = append(texts, append([]string(nil), f.Texts...))
		return nil
	})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events := collect(t, p, 5*time.Second)

	want := []EventKind{EventFrameReady, EventFrameReady, EventFrameReady, EventError}
	if got := kinds(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i, ev := range events {
		if ev.Index != int64(i+1) {
			t.Errorf("event %d index = %d, want %d", i, ev.Index, i+1)
		}
	}

	last := events[3]
	var stageErr *StageError
	if !errors.As(last.Err, &stageErr) || stageErr.Stage != StageRead {
		t.Errorf("error event err = %v, want read StageError", last.Err)
	}
	if !errors.Is(last.Err, errRead) {
		t.Errorf("error event err = %v, want wrapped %v", last.Err, errRead)
	}
	if last.Message == "" {
		t.Error("error event has empty message")
	}

	for i := range labels {
		if labels[i] != image.Pt(10, 13) {
			t.Errorf("frame %d label origin = %v, want (10,13)", i, labels[i])
		}
		if !reflect.DeepEqual(texts[i], []string{"ibuprofen"}) {
			t.Errorf("frame %d texts = %v", i, texts[i])
		}
	}

	<-p.Done()
	if got := src.released.Load(); got != 1 {
		t.Errorf("source released %d times, want 1", got)
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %v, want STOPPED", p.State())
	}
	s := p.Stats()
	if s.FramesEmitted != 3 || s.ReadErrors != 1 || s.EventsDropped != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	if got := p.LatestTexts(); !reflect.DeepEqual(got, []string{"ibuprofen"}) {
		t.Errorf("LatestTexts() = %v", got)
	}
}

func TestStopReleasesWithinTimeout(t *testing.T) {
	src := &scriptedSource{script: func(int) error { return nil }}
	p := New(src, ibuprofen(), newAnnotator(t), Options{Logger: discardLogger()})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p.State() != StateRunning {
		t.Errorf("State() = %v, want RUNNING", p.State())
	}

	select {
	case ev := <-p.Events():
		if ev.Kind != EventFrameReady {
			t.Fatalf("first event = %v, want FRAME_READY", ev.Kind)
		}
		if ev.Frame == nil || ev.Frame.Image.Empty() {
			t.Fatal("first event carries no frame")
		}
		ev.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("no frame within 5s")
	}

	start := time.Now()
	if !p.Stop() {
		t.Fatal("Stop() did not complete within timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second+100*time.Millisecond {
		t.Errorf("Stop() took %v", elapsed)
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %v, want STOPPED", p.State())
	}
	if got := src.released.Load(); got != 1 {
		t.Errorf("source released %d times, want 1", got)
	}

	for _, ev := range collect(t, p, time.Second) {
		if ev.Kind != EventFrameReady {
			t.Errorf("unexpected %v event after stop: %v", ev.Kind, ev.Err)
		}
	}

	if !p.Stop() {
		t.Error("second Stop() returned false")
	}
	if got := src.released.Load(); got != 1 {
		t.Errorf("source released %d times after second Stop, want 1", got)
	}
}

func TestDropOldestWhenConsumerIsSlow(t *testing.T) {
	src := &scriptedSource{script: framesUntil(5)}
	p := New(src, ibuprofen(), newAnnotator(t), Options{Buffer: 1, Interval: time.Millisecond, Logger: discardLogger()})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	events := collect(t, p, time.Second)
	if got := kinds(events); !reflect.DeepEqual(got, []EventKind{EventError}) {
		t.Fatalf("event kinds = %v, want [ERROR]", got)
	}
	if got := p.Stats().EventsDropped; got != 5 {
		t.Errorf("EventsDropped = %d, want 5", got)
	}
}

func TestReadRetries(t *testing.T) {
	src := &scriptedSource{script: func(n int) error {
		if n == 3 {
			return nil
		}
		return errRead
	}}
	p := New(src, ibuprofen(), newAnnotator(t), Options{
		Buffer:      16,
		Interval:    time.Millisecond,
		ReadRetries: 2,
		RetryDelay:  time.Millisecond,
		Logger:      discardLogger(),
	})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events := collect(t, p, 5*time.Second)

	want := []EventKind{EventError, EventError, EventFrameReady, EventError, EventError, EventError}
	if got := kinds(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	if got := src.released.Load(); got != 1 {
		t.Errorf("source released %d times, want 1", got)
	}
}

func TestNonReadFailuresTerminate(t *testing.T) {
	detectErr := errors.New("inference failed")

	tests := []struct {
		name      string
		detector  *stubDetector
		wantStage Stage
	}{
		{name: "detect error", detector: &stubDetector{err: detectErr}, wantStage: StageDetect},
		{name: "detect panic", detector: &stubDetector{panic: true}, wantStage: StagePanic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{script: func(int) error { return nil }}
			p := New(src, tt.detector, newAnnotator(t), Options{ReadRetries: 3, Logger: discardLogger()})

			if err := p.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			events := collect(t, p, 5*time.Second)

			if len(events) != 1 || events[0].Kind != EventError {
				t.Fatalf("events = %v, want one ERROR", kinds(events))
			}
			var stageErr *StageError
			if !errors.As(events[0].Err, &stageErr) || stageErr.Stage != tt.wantStage {
				t.Errorf("error = %v, want stage %s", events[0].Err, tt.wantStage)
			}
			if got := src.reads.Load(); got != 1 {
				t.Errorf("reads = %d, want 1", got)
			}
			if got := src.released.Load(); got != 1 {
				t.Errorf("source released %d times, want 1", got)
			}
			if p.State() != StateStopped {
				t.Errorf("State() = %v, want STOPPED", p.State())
			}
		})
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Run("stop idle", func(t *testing.T) {
		src := &scriptedSource{script: framesUntil(0)}
		p := New(src, ibuprofen(), newAnnotator(t), Options{Logger: discardLogger()})

		if p.State() != StateIdle {
			t.Fatalf("State() = %v, want IDLE", p.State())
		}
		if !p.Stop() {
			t.Fatal("Stop() on idle pipeline returned false")
		}
		if p.State() != StateStopped {
			t.Errorf("State() = %v, want STOPPED", p.State())
		}
		if got := src.released.Load(); got != 1 {
			t.Errorf("source released %d times, want 1", got)
		}
		if _, ok := <-p.Events(); ok {
			t.Error("Events() not closed after stopping idle pipeline")
		}
		if err := p.Start(); !errors.Is(err, ErrStopped) {
			t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
		}
	})

	t.Run("start twice", func(t *testing.T) {
		src := &scriptedSource{script: func(int) error { return nil }}
		p := New(src, ibuprofen(), newAnnotator(t), Options{Logger: discardLogger()})

		if err := p.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := p.Start(); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
		}
		go func() {
			for ev := range p.Events() {
				ev.Close()
			}
		}()
		if !p.Stop() {
			t.Error("Stop() timed out")
		}
	})
}

func TestEventKindString(t *testing.T) {
	if EventFrameReady.String() != "FRAME_READY" || EventError.String() != "ERROR" || EventKind(9).String() != "UNKNOWN" {
		t.Error("unexpected EventKind strings")
	}
	if StateStopping.String() != "STOPPING" || State(9).String() != "UNKNOWN" {
		t.Error("unexpected State strings")
	}
}

// syncBuffer is a log sink safe for the producer and reporter goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStatsReporting(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	src := &scriptedSource{script: func(int) error { return nil }}
	p := New(src, ibuprofen(), newAnnotator(t), Options{
		Buffer:        1,
		Interval:      time.Millisecond,
		StatsInterval: 5 * time.Millisecond,
		Logger:        logger,
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		out := logs.String()
		if strings.Contains(out, "Pipeline stats report") && strings.Contains(out, "Consumer is falling behind") {
			break
		}
		if time.Now().After(deadline) {
			p.Stop()
			t.Fatalf("stats report not logged within 5s; logs:\n%s", out)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !p.Stop() {
		t.Fatal("Stop() timed out")
	}
	collect(t, p, time.Second)
	if !strings.Contains(logs.String(), "run_id="+p.RunID()) {
		t.Error("stats logs do not carry the run id")
	}
}

// blockingDetector blocks every Detect call until release is closed.
type blockingDetector struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDetector) Detect(gocv.Mat) ([]detect.Detection, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return nil, nil
}

func TestStopTimesOutOnBlockedIteration(t *testing.T) {
	det := &blockingDetector{entered: make(chan struct{}), release: make(chan struct{})}
	src := &scriptedSource{script: func(int) error { return nil }}
	p := New(src, det, newAnnotator(t), Options{StopTimeout: 50 * time.Millisecond, Logger: discardLogger()})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-det.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("detector never called")
	}

	start := time.Now()
	if p.Stop() {
		t.Fatal("Stop() = true while an iteration is blocked")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Errorf("Stop() returned after %v, want about 50ms", elapsed)
	}
	if p.State() != StateStopping {
		t.Errorf("State() = %v, want STOPPING", p.State())
	}
	if got := src.released.Load(); got != 0 {
		t.Errorf("source released %d times before the iteration finished", got)
	}

	close(det.release)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish after detector unblocked")
	}

	for _, ev := range collect(t, p, time.Second) {
		if ev.Kind != EventFrameReady {
			t.Errorf("unexpected %v event: %v", ev.Kind, ev.Err)
		}
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %v, want STOPPED", p.State())
	}
	if got := src.released.Load(); got != 1 {
		t.Errorf("source released %d times, want 1", got)
	}
}
