package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetshark/sweetshark/internal/config"
	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

type recordedFrame struct {
	owner string
	frame *sidecarproto.AudioFrame
}

type recordedEnd struct {
	owner     string
	sessionID string
	reason    string
}

type fakeSink struct {
	mu     sync.Mutex
	frames []recordedFrame
	ends   []recordedEnd
}

func (s *fakeSink) DeliverFrame(ownerKey string, frame *sidecarproto.AudioFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, recordedFrame{owner: ownerKey, frame: frame})
	s.mu.Unlock()
}

func (s *fakeSink) DeliverSessionEnded(ownerKey, sessionID, reason string) {
	s.mu.Lock()
	s.ends = append(s.ends, recordedEnd{owner: ownerKey, sessionID: sessionID, reason: reason})
	s.mu.Unlock()
}

func (s *fakeSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) endCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ends)
}

// testHarness wires a manager to an in-process fake helper speaking the
// stdio protocol over pipes.
type testHarness struct {
	m      *Manager
	sink   *fakeSink
	stdin  *io.PipeReader // what the fake helper reads
	stdout *io.PipeWriter // what the fake helper writes

	writeMu sync.Mutex
}

func newTestHarness(t *testing.T, rpcTimeout time.Duration) *testHarness {
	t.Helper()
	sink := &fakeSink{}
	cfg := config.SidecarConfig{
		HealthTimeout:        time.Second,
		RPCTimeout:           rpcTimeout,
		EgressReconnectDelay: 10 * time.Millisecond,
	}
	m := NewManager(cfg, hclog.NewNullLogger(), nil, sink)

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	m.mu.Lock()
	m.stdin = stdinW
	m.state = StateReady
	m.caps = &sidecarproto.Capabilities{PerAppAudio: "supported"}
	m.mu.Unlock()
	go m.readLoop(stdoutR)

	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
	})
	return &testHarness{m: m, sink: sink, stdin: stdinR, stdout: stdoutW}
}

func (h *testHarness) writeLine(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err = h.stdout.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (h *testHarness) readRequest(t *testing.T) sidecarproto.Request {
	t.Helper()
	scanner := bufio.NewScanner(h.stdin)
	require.True(t, scanner.Scan(), "expected a request line")
	var req sidecarproto.Request
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &req))
	return req
}

// answer runs a fake helper that replies to every request with the given
// handler.
func (h *testHarness) answer(handler func(req sidecarproto.Request) sidecarproto.Response) {
	go func() {
		scanner := bufio.NewScanner(h.stdin)
		for scanner.Scan() {
			var req sidecarproto.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := handler(req)
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			h.writeMu.Lock()
			_, _ = h.stdout.Write(append(data, '\n'))
			h.writeMu.Unlock()
		}
	}()
}

func TestRPCCorrelatesConcurrentCalls(t *testing.T) {
	h := newTestHarness(t, time.Second)
	h.answer(func(req sidecarproto.Request) sidecarproto.Response {
		result, _ := json.Marshal(map[string]string{"method": req.Method})
		return sidecarproto.Response{ID: req.ID, OK: true, Result: result}
	})

	var wg sync.WaitGroup
	for _, method := range []string{"a.one", "b.two", "c.three"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			var out map[string]string
			err := h.m.call(context.Background(), method, nil, &out)
			assert.NoError(t, err)
			assert.Equal(t, method, out["method"])
		}(method)
	}
	wg.Wait()
}

func TestRPCTimeoutFailsLocallyAndReleasesCorrelationID(t *testing.T) {
	h := newTestHarness(t, 50*time.Millisecond)
	// Swallow the request without answering.
	go func() { _, _ = io.Copy(io.Discard, h.stdin) }()

	err := h.m.call(context.Background(), "never.answered", nil, nil)
	require.ErrorIs(t, err, ErrRPCTimeout)

	h.m.pendingMu.Lock()
	pending := len(h.m.pending)
	h.m.pendingMu.Unlock()
	assert.Zero(t, pending)
}

func TestRPCErrorResponse(t *testing.T) {
	h := newTestHarness(t, time.Second)
	h.answer(func(req sidecarproto.Request) sidecarproto.Response {
		return sidecarproto.Response{
			ID:    req.ID,
			OK:    false,
			Error: &sidecarproto.Error{Message: "no such target"},
		}
	})

	err := h.m.call(context.Background(), "audio_capture.start", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such target")
}

func TestLateResponseAfterTimeoutIsIgnored(t *testing.T) {
	h := newTestHarness(t, 30*time.Millisecond)
	req := make(chan sidecarproto.Request, 1)
	go func() { req <- h.readRequest(t) }()

	err := h.m.call(context.Background(), "slow.method", nil, nil)
	require.ErrorIs(t, err, ErrRPCTimeout)

	// The answer arrives after the caller gave up; it must be dropped
	// without disturbing later calls.
	late := <-req
	h.writeLine(t, sidecarproto.Response{ID: late.ID, OK: true})

	h.answer(func(r sidecarproto.Request) sidecarproto.Response {
		return sidecarproto.Response{ID: r.ID, OK: true}
	})
	assert.NoError(t, h.m.call(context.Background(), "next.method", nil, nil))
}

func TestFallbackFrameEventRoutedToOwner(t *testing.T) {
	h := newTestHarness(t, time.Second)
	h.m.sessions.Add(Session{SessionID: "sess-1", OwnerKey: "conn-A"})

	pcm := []float32{0.25, -0.25, 0.5}
	params, _ := json.Marshal(sidecarproto.FrameEventParams{
		SessionID:  "sess-1",
		TargetID:   "pid:4242",
		Sequence:   7,
		SampleRate: sidecarproto.TargetSampleRate,
		Channels:   sidecarproto.TargetChannels,
		FrameCount: 3,
		PCMBase64:  sidecarproto.EncodeBase64PCM(pcm),
		Encoding:   sidecarproto.PCMEncoding,
	})
	h.writeLine(t, sidecarproto.Event{Event: sidecarproto.EventCaptureFrame, Params: params})

	require.Eventually(t, func() bool { return h.sink.frameCount() == 1 },
		time.Second, 5*time.Millisecond)

	h.sink.mu.Lock()
	got := h.sink.frames[0]
	h.sink.mu.Unlock()
	assert.Equal(t, "conn-A", got.owner)
	assert.Equal(t, uint64(7), got.frame.Sequence)
	assert.Equal(t, pcm, got.frame.PCM)
}

func TestFrameForUnknownSessionIsDropped(t *testing.T) {
	h := newTestHarness(t, time.Second)

	params, _ := json.Marshal(sidecarproto.FrameEventParams{
		SessionID: "ghost",
		PCMBase64: sidecarproto.EncodeBase64PCM([]float32{0.1}),
	})
	h.writeLine(t, sidecarproto.Event{Event: sidecarproto.EventCaptureFrame, Params: params})

	// Follow with a known-session frame to prove the stream advanced.
	h.m.sessions.Add(Session{SessionID: "sess-1", OwnerKey: "conn-A"})
	params2, _ := json.Marshal(sidecarproto.FrameEventParams{
		SessionID: "sess-1",
		PCMBase64: sidecarproto.EncodeBase64PCM([]float32{0.2}),
	})
	h.writeLine(t, sidecarproto.Event{Event: sidecarproto.EventCaptureFrame, Params: params2})

	require.Eventually(t, func() bool { return h.sink.frameCount() == 1 },
		time.Second, 5*time.Millisecond)
	h.sink.mu.Lock()
	owner := h.sink.frames[0].owner
	h.sink.mu.Unlock()
	assert.Equal(t, "conn-A", owner)
}

func TestCaptureEndedEventClearsSessionAndNotifiesOwner(t *testing.T) {
	h := newTestHarness(t, time.Second)
	h.m.sessions.Add(Session{SessionID: "sess-1", OwnerKey: "conn-A"})

	params, _ := json.Marshal(sidecarproto.CaptureEndedParams{
		SessionID: "sess-1",
		Reason:    sidecarproto.EndReasonAppExited,
	})
	h.writeLine(t, sidecarproto.Event{Event: sidecarproto.EventCaptureEnded, Params: params})

	require.Eventually(t, func() bool { return h.sink.endCount() == 1 },
		time.Second, 5*time.Millisecond)
	h.sink.mu.Lock()
	end := h.sink.ends[0]
	h.sink.mu.Unlock()
	assert.Equal(t, "conn-A", end.owner)
	assert.Equal(t, sidecarproto.EndReasonAppExited, end.reason)

	_, ok := h.m.sessions.Get("sess-1")
	assert.False(t, ok)
}

func TestReadyCommitFromSpawning(t *testing.T) {
	h := newTestHarness(t, time.Second)
	h.m.setState(StateSpawning)
	require.True(t, h.m.commitReady())
	assert.Equal(t, StateReady, h.m.State())
}

func TestStartupCrashAfterHealthCheckStaysDegraded(t *testing.T) {
	h := newTestHarness(t, time.Second)

	// The helper answered the health ping and then died: the exit path
	// degrades the manager before startup finishes. The Ready commit must
	// lose that race, not overwrite it.
	h.m.setState(StateSpawning)
	h.m.setState(StateDegraded)

	assert.False(t, h.m.commitReady())
	assert.Equal(t, StateDegraded, h.m.State())
	assert.ErrorIs(t, h.m.requireReady(), ErrNotReady)
}

func TestStopRefusedForSessionOwnedByAnotherConnection(t *testing.T) {
	h := newTestHarness(t, time.Second)
	h.answer(func(req sidecarproto.Request) sidecarproto.Response {
		return sidecarproto.Response{ID: req.ID, OK: true}
	})
	h.m.sessions.Add(Session{SessionID: "sess-1", OwnerKey: "conn-A"})

	err := h.m.StopCaptureOwned(context.Background(), "conn-B", "sess-1")
	require.ErrorIs(t, err, ErrNotSessionOwner)
	_, ok := h.m.sessions.Get("sess-1")
	assert.True(t, ok, "refused stop must leave the session intact")

	require.NoError(t, h.m.StopCaptureOwned(context.Background(), "conn-A", "sess-1"))
	_, ok = h.m.sessions.Get("sess-1")
	assert.False(t, ok)

	// Unknown ids pass through; the helper answers them as a no-op.
	assert.NoError(t, h.m.StopCaptureOwned(context.Background(), "conn-A", "ghost"))
}

func TestRequireReadyByState(t *testing.T) {
	h := newTestHarness(t, time.Second)

	h.m.setState(StateDegraded)
	err := h.m.requireReady()
	assert.ErrorIs(t, err, ErrNotReady)

	h.m.setState(StateUnsupported)
	err = h.m.requireReady()
	assert.ErrorIs(t, err, ErrUnsupported)

	h.m.setState(StateReady)
	assert.NoError(t, h.m.requireReady())
}

func TestCapabilitiesRequireReadyState(t *testing.T) {
	h := newTestHarness(t, time.Second)
	assert.True(t, h.m.Capabilities())

	h.m.setState(StateDegraded)
	assert.False(t, h.m.Capabilities())
}

func TestSessionTableOwnership(t *testing.T) {
	table := NewSessionTable()
	table.Add(Session{SessionID: "s1", OwnerKey: "A"})
	table.Add(Session{SessionID: "s2", OwnerKey: "A"})
	table.Add(Session{SessionID: "s3", OwnerKey: "B"})

	assert.Len(t, table.ByOwner("A"), 2)
	assert.Len(t, table.ByOwner("B"), 1)
	assert.Equal(t, 3, table.Count())

	table.Remove("s2")
	assert.Len(t, table.ByOwner("A"), 1)

	table.Clear()
	assert.Zero(t, table.Count())
}

func TestFallbackFrameRejectsUnknownEncoding(t *testing.T) {
	_, err := frameFromFallbackEvent(&sidecarproto.FrameEventParams{
		Encoding:  "pcm16_hex",
		PCMBase64: sidecarproto.EncodeBase64PCM([]float32{0.1}),
	})
	assert.Error(t, err)
}
