package pipeline

import (
	"time"

	"github.com/clalos/medlens/internal/annotate"
)

// EventKind tags an Event.
type EventKind int

const (
	// EventFrameReady carries an annotated frame.
	EventFrameReady EventKind = iota
	// EventError reports a failed iteration.
	EventError
)

// String returns a string representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case EventFrameReady:
		return "FRAME_READY"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is what the producer hands to the consumer. Ownership of Frame moves
// with the event: the receiver must call Close once done with it.
type Event struct {
	Kind EventKind

	// Index is the iteration number, starting from 1.
	Index int64

	// Time is when the event was produced.
	Time time.Time

	// Frame is set for EventFrameReady.
	Frame *annotate.AnnotatedFrame

	// Err and Message are set for EventError.
	Err     error
	Message string
}

// Close releases the frame carried by a FrameReady event. It is a no-op for
// other events and safe to call more than once.
func (e *Event) Close() {
	if e.Frame != nil {
		e.Frame.Close()
		e.Frame = nil
	}
}

// emit queues ev, discarding the oldest queued event while the buffer is full.
// Only the producer goroutine sends, so the loop always makes progress.
func (p *Pipeline) emit(ev Event) {
	for {
		select {
		case p.events <- ev:
			return
		default:
		}

		select {
		case old := <-p.events:
			p.metrics.eventsDropped.Add(1)
			p.logger.Debug("Dropped oldest event due to full buffer",
				"dropped_index", old.Index,
				"dropped_kind", old.Kind,
				"total_dropped", p.metrics.eventsDropped.Load())
			old.Close()
		default:
		}
	}
}
