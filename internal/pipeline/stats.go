package pipeline

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of producer counters.
type Stats struct {
	FramesEmitted  int64
	EventsDropped  int64
	ReadErrors     int64
	DetectErrors   int64
	AnnotateErrors int64
	AvgIteration   time.Duration
}

type metrics struct {
	framesEmitted  atomic.Int64
	eventsDropped  atomic.Int64
	readErrors     atomic.Int64
	detectErrors   atomic.Int64
	annotateErrors atomic.Int64
	// avgIterationNs is an exponential moving average, alpha 0.1.
	avgIterationNs atomic.Int64
}

func (m *metrics) updateIterationTime(d time.Duration) {
	current := m.avgIterationNs.Load()
	next := d.Nanoseconds()
	if current != 0 {
		next = int64(float64(current)*0.9 + float64(next)*0.1)
	}
	m.avgIterationNs.Store(next)
}

func (m *metrics) snapshot() Stats {
	return Stats{
		FramesEmitted:  m.framesEmitted.Load(),
		EventsDropped:  m.eventsDropped.Load(),
		ReadErrors:     m.readErrors.Load(),
		DetectErrors:   m.detectErrors.Load(),
		AnnotateErrors: m.annotateErrors.Load(),
		AvgIteration:   time.Duration(m.avgIterationNs.Load()),
	}
}
