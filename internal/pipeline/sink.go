package pipeline

import (
	"gocv.io/x/gocv"

	"github.com/clalos/medlens/internal/annotate"
)

// Sink displays annotated frames on the producer goroutine before they are
// emitted. It must not retain the frame.
type Sink interface {
	Show(f *annotate.AnnotatedFrame) error
	Close() error
}

type noDisplay struct{}

func (noDisplay) Show(*annotate.AnnotatedFrame) error { return nil }
func (noDisplay) Close() error                        { return nil }

// NoDisplay discards frames.
var NoDisplay Sink = noDisplay{}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(f *annotate.AnnotatedFrame) error

func (fn SinkFunc) Show(f *annotate.AnnotatedFrame) error { return fn(f) }
func (fn SinkFunc) Close() error                          { return nil }

// KeyHandler receives a key pressed while f was on screen.
type KeyHandler func(key int, f *annotate.AnnotatedFrame)

// WindowSink shows frames in an OpenCV HighGUI window. The window is created
// on first use so that it belongs to the producer's OS thread.
type WindowSink struct {
	name   string
	onKey  KeyHandler
	window *gocv.Window
}

// NewWindowSink returns a sink that displays frames in a window titled name.
// onKey may be nil.
func NewWindowSink(name string, onKey KeyHandler) *WindowSink {
	return &WindowSink{name: name, onKey: onKey}
}

func (w *WindowSink) Show(f *annotate.AnnotatedFrame) error {
	if w.window == nil {
		w.window = gocv.NewWindow(w.name)
	}
	w.window.IMShow(f.Image)
	if key := w.window.WaitKey(1); key >= 0 && w.onKey != nil {
		w.onKey(key&0xFF, f)
	}
	return nil
}

func (w *WindowSink) Close() error {
	if w.window == nil {
		return nil
	}
	err := w.window.Close()
	w.window = nil
	return err
}
