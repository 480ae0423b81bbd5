// Package playback splices decoded capture frames into a gapless audio
// track. Frames arrive as discrete buffers over an unreliable, jittery
// path; the splicer schedules each one back-to-back against an audio
// clock with a small look-ahead so the output is continuous.
package playback

import (
	"sync"
	"time"
)

// Graph abstracts the audio output the splicer schedules into. The real
// output lives in the embedding shell; tests and headless runs use the
// clock-driven implementation below.
type Graph interface {
	// CurrentTime returns the graph clock in seconds. It only moves
	// forward.
	CurrentTime() float64
	// ScheduleBuffer schedules interleaved float32 samples to begin at
	// `when` on the graph clock.
	ScheduleBuffer(pcm []float32, channels, sampleRate int, when float64) error
	// Close releases the graph's output resources.
	Close()
}

// GraphFactory builds one graph per playback session.
type GraphFactory func(sessionID string) (Graph, error)

// ScheduledBuffer records one ScheduleBuffer call on a clockGraph.
type ScheduledBuffer struct {
	Samples    int
	Channels   int
	SampleRate int
	When       float64
}

// clockGraph is a wall-clock graph that records what was scheduled. It
// produces no audible output; it exists so the splicer's scheduling is
// observable and deterministic enough to test.
type clockGraph struct {
	mu        sync.Mutex
	start     time.Time
	scheduled []ScheduledBuffer
	closed    bool
}

// NewClockGraph returns a silent graph driven by the wall clock.
func NewClockGraph() Graph {
	return &clockGraph{start: time.Now()}
}

func (g *clockGraph) CurrentTime() float64 {
	return time.Since(g.start).Seconds()
}

func (g *clockGraph) ScheduleBuffer(pcm []float32, channels, sampleRate int, when float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scheduled = append(g.scheduled, ScheduledBuffer{
		Samples:    len(pcm),
		Channels:   channels,
		SampleRate: sampleRate,
		When:       when,
	})
	return nil
}

func (g *clockGraph) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
