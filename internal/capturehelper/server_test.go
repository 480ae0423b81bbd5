package capturehelper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// scriptEngine is a deterministic engine driven by the test: frames are
// emitted on demand, not on a timer.
type scriptEngine struct {
	mu      sync.Mutex
	emit    func([]float32)
	ended   func(string)
	stopped int
}

func (e *scriptEngine) Name() string    { return "script" }
func (e *scriptEngine) Supported() bool { return true }

func (e *scriptEngine) ListTargets() ([]sidecarproto.AudioTarget, error) {
	return []sidecarproto.AudioTarget{
		{ID: "pid:100", Label: "Player", PID: 100, ProcessName: "player"},
		{ID: "pid:200", Label: "Browser", PID: 200, ProcessName: "browser"},
	}, nil
}

func (e *scriptEngine) ResolvePID(sourceID string) (*uint32, error) {
	if sourceID == "window:77:1" {
		pid := uint32(100)
		return &pid, nil
	}
	return nil, nil
}

func (e *scriptEngine) Start(target CaptureTarget, emit func([]float32), ended func(string)) (func(), error) {
	e.mu.Lock()
	e.emit = emit
	e.ended = ended
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.stopped++
		e.mu.Unlock()
	}, nil
}

func (e *scriptEngine) emitFrame(pcm []float32) {
	e.mu.Lock()
	emit := e.emit
	e.mu.Unlock()
	emit(pcm)
}

func (e *scriptEngine) endSession(reason string) {
	e.mu.Lock()
	ended := e.ended
	e.mu.Unlock()
	ended(reason)
}

func (e *scriptEngine) stopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// helperHarness runs a Server over in-memory pipes and gives the test a
// synchronous RPC client plus access to unsolicited events.
type helperHarness struct {
	t      *testing.T
	engine *scriptEngine
	server *Server
	inW    *io.PipeWriter

	mu        sync.Mutex
	responses map[string]chan sidecarproto.Response
	events    chan sidecarproto.Event
	nextID    int
}

func newHelperHarness(t *testing.T) *helperHarness {
	t.Helper()
	engine := &scriptEngine{}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	server, err := NewServer(engine, outW, hclog.NewNullLogger())
	require.NoError(t, err)

	h := &helperHarness{
		t:         t,
		engine:    engine,
		server:    server,
		inW:       inW,
		responses: make(map[string]chan sidecarproto.Response),
		events:    make(chan sidecarproto.Event, 64),
	}

	go func() { _ = server.Run(context.Background(), inR) }()
	go h.readLoop(outR)
	t.Cleanup(func() { _ = inW.Close() })
	return h
}

func (h *helperHarness) readLoop(out io.Reader) {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var resp sidecarproto.Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != "" {
			h.mu.Lock()
			ch, ok := h.responses[resp.ID]
			h.mu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}
		var ev sidecarproto.Event
		if err := json.Unmarshal(line, &ev); err == nil && ev.Event != "" {
			h.events <- ev
		}
	}
}

func (h *helperHarness) call(method string, params interface{}, result interface{}) error {
	h.t.Helper()
	h.mu.Lock()
	h.nextID++
	id := string(rune('a'+h.nextID%26)) + "-req"
	ch := make(chan sidecarproto.Response, 1)
	h.responses[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.responses, id)
		h.mu.Unlock()
	}()

	req := sidecarproto.Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(h.t, err)
		req.Params = raw
	}
	data, err := json.Marshal(req)
	require.NoError(h.t, err)
	_, err = h.inW.Write(append(data, '\n'))
	require.NoError(h.t, err)

	select {
	case resp := <-ch:
		if !resp.OK {
			msg := "rpc failed"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("%s: %s", method, msg)
		}
		if result != nil && len(resp.Result) > 0 {
			require.NoError(h.t, json.Unmarshal(resp.Result, result))
		}
		return nil
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no response to %s", method)
		return nil
	}
}

func (h *helperHarness) awaitEvent(name string) sidecarproto.Event {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("event %s never arrived", name)
			return sidecarproto.Event{}
		}
	}
}

func TestHealthPing(t *testing.T) {
	h := newHelperHarness(t)
	var health sidecarproto.HealthResult
	require.NoError(t, h.call(sidecarproto.MethodHealthPing, nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, sidecarproto.ProtocolVersion, health.ProtocolVersion)
}

func TestCapabilitiesReflectEngine(t *testing.T) {
	h := newHelperHarness(t)
	var caps sidecarproto.Capabilities
	require.NoError(t, h.call(sidecarproto.MethodCapabilitiesGet, nil, &caps))
	assert.True(t, caps.PerAppAudioSupported())
	assert.Equal(t, sidecarproto.PCMEncoding, caps.Encoding)
}

func TestEgressInfoAdvertisesBoundPort(t *testing.T) {
	h := newHelperHarness(t)
	var info sidecarproto.BinaryEgressInfo
	require.NoError(t, h.call(sidecarproto.MethodBinaryEgressInfo, nil, &info))
	assert.NotZero(t, info.Port)
	assert.Equal(t, sidecarproto.BinaryEgressFraming, info.Framing)
}

func TestListTargetsSuggestsByWindowSource(t *testing.T) {
	h := newHelperHarness(t)
	var result sidecarproto.ListTargetsResult
	require.NoError(t, h.call(sidecarproto.MethodAudioTargetsList,
		sidecarproto.ListTargetsParams{SourceID: "window:77:1"}, &result))
	assert.Len(t, result.Targets, 2)
	assert.Equal(t, "pid:100", result.SuggestedTargetID)
}

func TestResolveSource(t *testing.T) {
	h := newHelperHarness(t)
	var result sidecarproto.ResolveSourceResult
	require.NoError(t, h.call(sidecarproto.MethodResolveSource,
		sidecarproto.ResolveSourceParams{SourceID: "window:77:1"}, &result))
	require.NotNil(t, result.PID)
	assert.Equal(t, uint32(100), *result.PID)

	require.NoError(t, h.call(sidecarproto.MethodResolveSource,
		sidecarproto.ResolveSourceParams{SourceID: "screen:0:1"}, &result))
	assert.Nil(t, result.PID)
}

func TestStartCaptureIncludeMode(t *testing.T) {
	h := newHelperHarness(t)
	var result sidecarproto.StartCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStart,
		sidecarproto.StartCaptureParams{AppAudioTargetID: "pid:100"}, &result))
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "include", result.Mode)
	assert.Equal(t, "pid:100", result.TargetID)
	assert.Equal(t, sidecarproto.TargetSampleRate, result.SampleRate)
}

func TestStartCaptureExcludeMode(t *testing.T) {
	h := newHelperHarness(t)
	pid := uint32(555)
	var result sidecarproto.StartCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStart,
		sidecarproto.StartCaptureParams{ExcludePID: &pid}, &result))
	assert.Equal(t, "exclude", result.Mode)
	assert.Equal(t, sidecarproto.ExcludeTargetID(555), result.TargetID)
}

func TestNewStartDisplacesActiveSession(t *testing.T) {
	h := newHelperHarness(t)
	var first sidecarproto.StartCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStart,
		sidecarproto.StartCaptureParams{AppAudioTargetID: "pid:100"}, &first))

	var second sidecarproto.StartCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStart,
		sidecarproto.StartCaptureParams{AppAudioTargetID: "pid:200"}, &second))
	assert.NotEqual(t, first.SessionID, second.SessionID)

	ev := h.awaitEvent(sidecarproto.EventCaptureEnded)
	var params sidecarproto.CaptureEndedParams
	require.NoError(t, json.Unmarshal(ev.Params, &params))
	assert.Equal(t, first.SessionID, params.SessionID)
	assert.Equal(t, sidecarproto.EndReasonCaptureStopped, params.Reason)
	assert.Equal(t, 1, h.engine.stopCount())
}

func TestStopWithMismatchedSessionIsNoOp(t *testing.T) {
	h := newHelperHarness(t)
	var started sidecarproto.StartCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStart,
		sidecarproto.StartCaptureParams{AppAudioTargetID: "pid:100"}, &started))

	var stopped sidecarproto.StopCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStop,
		sidecarproto.StopCaptureParams{SessionID: "no-such-session"}, &stopped))
	assert.False(t, stopped.Stopped)
	assert.Zero(t, h.engine.stopCount())

	require.NoError(t, h.call(sidecarproto.MethodCaptureStop,
		sidecarproto.StopCaptureParams{SessionID: started.SessionID}, &stopped))
	assert.True(t, stopped.Stopped)
	assert.Equal(t, 1, h.engine.stopCount())
}

func TestFramesFallBackToBase64WithoutEgressClient(t *testing.T) {
	h := newHelperHarness(t)
	var started sidecarproto.StartCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStart,
		sidecarproto.StartCaptureParams{AppAudioTargetID: "pid:100"}, &started))

	pcm := []float32{0.5, -0.5, 0.25}
	h.engine.emitFrame(pcm)

	ev := h.awaitEvent(sidecarproto.EventCaptureFrame)
	var params sidecarproto.FrameEventParams
	require.NoError(t, json.Unmarshal(ev.Params, &params))
	assert.Equal(t, started.SessionID, params.SessionID)
	assert.Equal(t, uint64(0), params.Sequence)
	decoded, err := sidecarproto.DecodeBase64PCM(params.PCMBase64)
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)
}

func TestEngineEndedEmitsEvent(t *testing.T) {
	h := newHelperHarness(t)
	var started sidecarproto.StartCaptureResult
	require.NoError(t, h.call(sidecarproto.MethodCaptureStart,
		sidecarproto.StartCaptureParams{AppAudioTargetID: "pid:100"}, &started))

	h.engine.endSession(sidecarproto.EndReasonAppExited)

	ev := h.awaitEvent(sidecarproto.EventCaptureEnded)
	var params sidecarproto.CaptureEndedParams
	require.NoError(t, json.Unmarshal(ev.Params, &params))
	assert.Equal(t, started.SessionID, params.SessionID)
	assert.Equal(t, sidecarproto.EndReasonAppExited, params.Reason)
}

func TestStartWithoutTargetFails(t *testing.T) {
	h := newHelperHarness(t)
	err := h.call(sidecarproto.MethodCaptureStart, sidecarproto.StartCaptureParams{}, nil)
	assert.Error(t, err)
}

func TestUnknownMethodFails(t *testing.T) {
	h := newHelperHarness(t)
	err := h.call("no.such.method", nil, nil)
	assert.Error(t, err)
}
