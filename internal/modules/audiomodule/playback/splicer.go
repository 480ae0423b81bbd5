package playback

import (
	"sync"
	"time"

	"github.com/sweetshark/sweetshark/internal/logger"
	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// Player splices one session's frames into its graph.
//
// Scheduling keeps a write cursor a fixed look-ahead in front of the graph
// clock. Each frame is scheduled at the cursor and the cursor advances by
// the frame's duration, so consecutive frames are sample-contiguous. If
// the cursor falls behind the clock (delivery stalled longer than the
// look-ahead), the cursor resyncs forward instead of scheduling into the
// past, which would stack delayed audio.
type Player struct {
	sessionID string
	graph     Graph
	lookAhead float64

	mu      sync.Mutex
	cursor  float64
	started bool
	lastSeq uint64
	haveSeq bool
	resyncs int
	gaps    int
}

func newPlayer(sessionID string, graph Graph, lookAhead time.Duration) *Player {
	return &Player{
		sessionID: sessionID,
		graph:     graph,
		lookAhead: lookAhead.Seconds(),
	}
}

// Enqueue schedules one frame. Sequence gaps are tolerated and counted;
// a dropped frame costs its 20ms of audio, nothing more.
func (p *Player) Enqueue(frame *sidecarproto.AudioFrame) {
	if frame.SampleRate == 0 || frame.Channels == 0 || len(frame.PCM) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.haveSeq && frame.Sequence > p.lastSeq+1 {
		p.gaps++
		logger.Debug("audio frame sequence gap",
			logger.String("session", p.sessionID),
			logger.Uint64("expected", p.lastSeq+1),
			logger.Uint64("got", frame.Sequence))
	}
	p.lastSeq = frame.Sequence
	p.haveSeq = true

	now := p.graph.CurrentTime()
	if !p.started || p.cursor < now {
		if p.started {
			p.resyncs++
		}
		p.cursor = now + p.lookAhead
		p.started = true
	}

	if err := p.graph.ScheduleBuffer(frame.PCM, int(frame.Channels), int(frame.SampleRate), p.cursor); err != nil {
		logger.Warn("failed to schedule audio buffer",
			logger.String("session", p.sessionID), logger.Err(err))
		return
	}
	p.cursor += frame.Duration()
}

// Stats returns resync and sequence-gap counters.
func (p *Player) Stats() (resyncs, gaps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resyncs, p.gaps
}

func (p *Player) close() {
	p.graph.Close()
}

// Registry owns one player per active session.
type Registry struct {
	factory   GraphFactory
	lookAhead time.Duration

	mu      sync.Mutex
	players map[string]*Player
}

// NewRegistry creates a player registry. factory may be nil, in which
// case sessions get a silent clock graph.
func NewRegistry(factory GraphFactory, lookAhead time.Duration) *Registry {
	if factory == nil {
		factory = func(string) (Graph, error) { return NewClockGraph(), nil }
	}
	return &Registry{
		factory:   factory,
		lookAhead: lookAhead,
		players:   make(map[string]*Player),
	}
}

// Deliver routes a frame to its session's player, creating the player on
// first frame. Frames whose session was already released are dropped.
func (r *Registry) Deliver(frame *sidecarproto.AudioFrame) {
	r.mu.Lock()
	player, ok := r.players[frame.SessionID]
	if !ok {
		graph, err := r.factory(frame.SessionID)
		if err != nil {
			r.mu.Unlock()
			logger.Warn("failed to create playback graph",
				logger.String("session", frame.SessionID), logger.Err(err))
			return
		}
		player = newPlayer(frame.SessionID, graph, r.lookAhead)
		r.players[frame.SessionID] = player
	}
	r.mu.Unlock()

	player.Enqueue(frame)
}

// Release tears down a session's player and its graph. Called when the
// session ends, whatever the reason.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	player, ok := r.players[sessionID]
	delete(r.players, sessionID)
	r.mu.Unlock()
	if ok {
		player.close()
	}
}

// ReleaseAll tears down every player, used on shutdown.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	players := r.players
	r.players = make(map[string]*Player)
	r.mu.Unlock()
	for _, p := range players {
		p.close()
	}
}

// Player returns the live player for a session, if any.
func (r *Registry) Player(sessionID string) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[sessionID]
	return p, ok
}

// Count returns the number of live players.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}
