package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// fakeGraph gives the test direct control of the audio clock.
type fakeGraph struct {
	mu        sync.Mutex
	now       float64
	scheduled []ScheduledBuffer
	closed    bool
}

func (g *fakeGraph) CurrentTime() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now
}

func (g *fakeGraph) advance(seconds float64) {
	g.mu.Lock()
	g.now += seconds
	g.mu.Unlock()
}

func (g *fakeGraph) ScheduleBuffer(pcm []float32, channels, sampleRate int, when float64) error {
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

func (g *fakeGraph) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *fakeGraph) buffers() []ScheduledBuffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ScheduledBuffer, len(g.scheduled))
	copy(out, g.scheduled)
	return out
}

func (g *fakeGraph) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

const lookAhead = 60 * time.Millisecond

func testFrame(seq uint64) *sidecarproto.AudioFrame {
	return &sidecarproto.AudioFrame{
		SessionID:  "sess-1",
		TargetID:   "pid:42",
		Sequence:   seq,
		SampleRate: sidecarproto.TargetSampleRate,
		Channels:   sidecarproto.TargetChannels,
		FrameCount: sidecarproto.FrameSize,
		PCM:        make([]float32, sidecarproto.FrameSize),
	}
}

func TestPlayerSchedulesFramesContiguously(t *testing.T) {
	graph := &fakeGraph{}
	p := newPlayer("sess-1", graph, lookAhead)

	p.Enqueue(testFrame(0))
	p.Enqueue(testFrame(1))
	p.Enqueue(testFrame(2))

	bufs := graph.buffers()
	require.Len(t, bufs, 3)

	frameDur := testFrame(0).Duration()
	assert.InDelta(t, lookAhead.Seconds(), bufs[0].When, 1e-9)
	assert.InDelta(t, bufs[0].When+frameDur, bufs[1].When, 1e-9)
	assert.InDelta(t, bufs[1].When+frameDur, bufs[2].When, 1e-9)
}

func TestPlayerResyncsForwardAfterStall(t *testing.T) {
	graph := &fakeGraph{}
	p := newPlayer("sess-1", graph, lookAhead)

	p.Enqueue(testFrame(0))

	// Delivery stalls: the clock runs well past the write cursor. The next
	// frame must be scheduled ahead of now, not into the past.
	graph.advance(1.0)
	p.Enqueue(testFrame(1))

	bufs := graph.buffers()
	require.Len(t, bufs, 2)
	assert.InDelta(t, 1.0+lookAhead.Seconds(), bufs[1].When, 1e-9)

	resyncs, _ := p.Stats()
	assert.Equal(t, 1, resyncs)
}

func TestPlayerCountsSequenceGaps(t *testing.T) {
	graph := &fakeGraph{}
	p := newPlayer("sess-1", graph, lookAhead)

	p.Enqueue(testFrame(0))
	p.Enqueue(testFrame(1))
	p.Enqueue(testFrame(5)) // frames 2..4 lost in transit

	_, gaps := p.Stats()
	assert.Equal(t, 1, gaps)
	// The lost frames cost their audio, nothing more: all delivered frames
	// were still scheduled.
	assert.Len(t, graph.buffers(), 3)
}

func TestPlayerIgnoresEmptyFrames(t *testing.T) {
	graph := &fakeGraph{}
	p := newPlayer("sess-1", graph, lookAhead)

	p.Enqueue(&sidecarproto.AudioFrame{SessionID: "sess-1"})
	assert.Empty(t, graph.buffers())
}

func TestRegistryCreatesPlayerOnFirstFrame(t *testing.T) {
	graphs := make(map[string]*fakeGraph)
	var mu sync.Mutex
	factory := func(sessionID string) (Graph, error) {
		g := &fakeGraph{}
		mu.Lock()
		graphs[sessionID] = g
		mu.Unlock()
		return g, nil
	}
	r := NewRegistry(factory, lookAhead)

	r.Deliver(testFrame(0))
	assert.Equal(t, 1, r.Count())

	other := testFrame(0)
	other.SessionID = "sess-2"
	r.Deliver(other)
	assert.Equal(t, 2, r.Count())

	mu.Lock()
	assert.Len(t, graphs, 2)
	mu.Unlock()
}

func TestRegistryReleaseClosesGraph(t *testing.T) {
	graph := &fakeGraph{}
	r := NewRegistry(func(string) (Graph, error) { return graph, nil }, lookAhead)

	r.Deliver(testFrame(0))
	require.Equal(t, 1, r.Count())

	r.Release("sess-1")
	assert.Zero(t, r.Count())
	assert.True(t, graph.isClosed())

	// Frames after release create a fresh player; stale state is gone.
	r.Deliver(testFrame(1))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryReleaseAll(t *testing.T) {
	var created []*fakeGraph
	var mu sync.Mutex
	r := NewRegistry(func(string) (Graph, error) {
		g := &fakeGraph{}
		mu.Lock()
		created = append(created, g)
		mu.Unlock()
		return g, nil
	}, lookAhead)

	r.Deliver(testFrame(0))
	other := testFrame(0)
	other.SessionID = "sess-2"
	r.Deliver(other)

	r.ReleaseAll()
	assert.Zero(t, r.Count())
	mu.Lock()
	for _, g := range created {
		assert.True(t, g.isClosed())
	}
	mu.Unlock()
}
