// Package sidecar supervises the sweetshark-capture helper process: spawn
// and health-check, correlation-id RPC over the helper's stdio, unsolicited
// event dispatch, the binary egress connection, and the session ownership
// table.
//
// Process state machine: NotStarted → Spawning → Ready → Degraded. A
// missing binary short-circuits to Unsupported. There is no transition
// back to Ready without an explicit new Start, and the manager never
// respawns within a run: repeated crashes must stay visible, not be
// masked by silent restarts.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/sweetshark/sweetshark/internal/config"
	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// State is the helper process lifecycle state.
type State string

const (
	StateNotStarted  State = "not_started"
	StateSpawning    State = "spawning"
	StateReady       State = "ready"
	StateDegraded    State = "degraded"
	StateUnsupported State = "unsupported"
)

// ErrUnsupported reports that sidecar audio is permanently unavailable for
// this run (binary missing or platform unsupported).
var ErrUnsupported = errors.New("audio sidecar is unsupported on this system")

// ErrNotReady reports that the helper is not in the Ready state.
var ErrNotReady = errors.New("audio sidecar is not ready")

// ErrRPCTimeout reports a request that was failed locally after the fixed
// timeout. The call's correlation id is released; the helper connection
// itself is not torn down.
var ErrRPCTimeout = errors.New("sidecar rpc timed out")

// ErrNotSessionOwner refuses a stop for a session owned by a different
// connection.
var ErrNotSessionOwner = errors.New("capture session is owned by another connection")

// EventSink receives helper events routed to an owning page connection.
// The bridge module implements it.
type EventSink interface {
	DeliverFrame(ownerKey string, frame *sidecarproto.AudioFrame)
	DeliverSessionEnded(ownerKey, sessionID, reason string)
}

// helperBinaryName is the executable the manager looks for next to the
// host binary when no explicit path is configured.
const helperBinaryName = "sweetshark-capture"

type pendingCall struct {
	ch chan *sidecarproto.Response
}

// Manager owns the helper process lifecycle.
type Manager struct {
	cfg    config.SidecarConfig
	logger hclog.Logger
	bus    events.EventBus
	sink   EventSink

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	exitedCh chan struct{}

	caps     *sidecarproto.Capabilities
	sessions *SessionTable
	egress   egressClient

	// onFrame receives every decoded frame (binary or base64 path) before
	// owner routing. The audio module points this at the playback registry.
	onFrame func(*sidecarproto.AudioFrame)
}

// egressClient is the subset of the egress connection the manager drives.
type egressClient interface {
	Run()
	Close()
}

// NewManager creates a manager. sink and bus may be nil; onFrame may be
// nil.
func NewManager(cfg config.SidecarConfig, logger hclog.Logger, bus events.EventBus, sink EventSink) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("sidecar"),
		bus:      bus,
		sink:     sink,
		state:    StateNotStarted,
		pending:  make(map[string]*pendingCall),
		exitedCh: make(chan struct{}),
		sessions: NewSessionTable(),
	}
}

// SetFrameCallback installs the decoded-frame callback. Must be called
// before Start.
func (m *Manager) SetFrameCallback(fn func(*sidecarproto.AudioFrame)) {
	m.onFrame = fn
}

// State returns the current process state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Sessions returns the session ownership table.
func (m *Manager) Sessions() *SessionTable {
	return m.sessions
}

// Start spawns the helper, health-checks it, queries capabilities, and
// establishes the binary egress connection. A missing binary degrades the
// manager permanently to Unsupported; no retry loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateNotStarted {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot start sidecar from state %s", state)
	}
	m.state = StateSpawning
	m.mu.Unlock()

	path, err := m.resolveBinary()
	if err != nil {
		m.logger.Warn("capture helper binary not found, per-app audio disabled for this run", "error", err)
		m.setState(StateUnsupported)
		return ErrUnsupported
	}

	cmd := exec.Command(path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.setState(StateDegraded)
		return fmt.Errorf("failed to open helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.setState(StateDegraded)
		return fmt.Errorf("failed to open helper stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.setState(StateDegraded)
		return fmt.Errorf("failed to open helper stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		m.setState(StateDegraded)
		return fmt.Errorf("failed to spawn capture helper: %w", err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.pid = cmd.Process.Pid
	m.mu.Unlock()

	m.logger.Info("capture helper spawned", "path", path, "pid", cmd.Process.Pid)

	go m.readLoop(stdout)
	go m.stderrLoop(stderr)
	go m.waitLoop(cmd)

	healthCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	var health sidecarproto.HealthResult
	if err := m.call(healthCtx, sidecarproto.MethodHealthPing, nil, &health); err != nil {
		m.logger.Error("helper health check failed", "error", err)
		m.Shutdown()
		m.setState(StateDegraded)
		return fmt.Errorf("helper health check failed: %w", err)
	}
	if health.ProtocolVersion != sidecarproto.ProtocolVersion {
		m.logger.Error("helper protocol version mismatch",
			"helper", health.ProtocolVersion, "host", sidecarproto.ProtocolVersion)
		m.Shutdown()
		m.setState(StateDegraded)
		return fmt.Errorf("helper protocol version %d does not match host %d",
			health.ProtocolVersion, sidecarproto.ProtocolVersion)
	}

	var caps sidecarproto.Capabilities
	if err := m.call(ctx, sidecarproto.MethodCapabilitiesGet, nil, &caps); err != nil {
		m.logger.Warn("capabilities query failed, assuming unsupported", "error", err)
		caps = sidecarproto.Capabilities{PerAppAudio: "unsupported"}
	}
	m.mu.Lock()
	m.caps = &caps
	m.mu.Unlock()

	m.startEgress(ctx)

	if !m.commitReady() {
		// The helper died between the health check and here; the exit
		// handler already degraded the manager and that stands.
		return fmt.Errorf("capture helper exited during startup")
	}
	m.publish(events.EventSidecarReady, map[string]interface{}{
		"pid":              cmd.Process.Pid,
		"per_app_audio":    caps.PerAppAudio,
		"protocol_version": caps.ProtocolVersion,
	})
	return nil
}

// startEgress asks the helper for its binary egress port and keeps a
// persistent connection to it. Failure is tolerable: frames then arrive
// only on the base64 fallback path.
func (m *Manager) startEgress(ctx context.Context) {
	var info sidecarproto.BinaryEgressInfo
	if err := m.call(ctx, sidecarproto.MethodBinaryEgressInfo, nil, &info); err != nil {
		m.logger.Warn("binary egress unavailable, using base64 fallback only", "error", err)
		return
	}
	if info.Framing != sidecarproto.BinaryEgressFraming {
		m.logger.Warn("unknown egress framing, using base64 fallback only", "framing", info.Framing)
		return
	}

	client := newEgressConn(egressConnConfig{
		addr:           fmt.Sprintf("127.0.0.1:%d", info.Port),
		reconnectDelay: m.cfg.EgressReconnectDelay,
		logger:         m.logger,
		bus:            m.bus,
		onFrame:        m.routeFrame,
		helperAlive:    m.helperAlive,
	})
	m.mu.Lock()
	m.egress = client
	m.mu.Unlock()
	go client.Run()
}

// helperAlive reports whether the helper process still runs; the egress
// client uses it to decide between reconnecting and giving up.
func (m *Manager) helperAlive() bool {
	m.mu.Lock()
	pid := m.pid
	state := m.state
	m.mu.Unlock()
	if pid == 0 || (state != StateReady && state != StateSpawning) {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// Capabilities reports whether per-application audio isolation is
// available. Callers must check this before attempting sidecar audio and
// fall back to video-only sharing when unsupported.
func (m *Manager) Capabilities() (perAppAudioSupported bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.caps == nil {
		return false
	}
	return m.caps.PerAppAudioSupported()
}

// StartCapture starts a capture session owned by ownerKey.
func (m *Manager) StartCapture(ctx context.Context, ownerKey string, params sidecarproto.StartCaptureParams) (*sidecarproto.StartCaptureResult, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	var result sidecarproto.StartCaptureResult
	if err := m.call(ctx, sidecarproto.MethodCaptureStart, params, &result); err != nil {
		return nil, err
	}
	m.sessions.Add(Session{
		SessionID:  result.SessionID,
		OwnerKey:   ownerKey,
		TargetID:   result.TargetID,
		SampleRate: uint32(result.SampleRate),
		Channels:   uint16(result.Channels),
	})
	m.publish(events.EventAudioSessionStarted, map[string]interface{}{
		"session_id": result.SessionID,
		"owner":      ownerKey,
		"target_id":  result.TargetID,
	})
	return &result, nil
}

// StopCapture stops a capture session. Best-effort: a failed stop is
// logged by the caller, not retried.
func (m *Manager) StopCapture(ctx context.Context, sessionID string) error {
	if err := m.requireReady(); err != nil {
		return err
	}
	var result sidecarproto.StopCaptureResult
	err := m.call(ctx, sidecarproto.MethodCaptureStop, sidecarproto.StopCaptureParams{SessionID: sessionID}, &result)
	m.sessions.Remove(sessionID)
	return err
}

// StopCaptureOwned stops a session on behalf of ownerKey. A live session
// owned by another connection is refused; an unknown session id passes
// through and the helper treats it as a no-op.
func (m *Manager) StopCaptureOwned(ctx context.Context, ownerKey, sessionID string) error {
	if sess, ok := m.sessions.Get(sessionID); ok && sess.OwnerKey != ownerKey {
		return ErrNotSessionOwner
	}
	return m.StopCapture(ctx, sessionID)
}

// StopOwnedSessions stops every session owned by a connection, used on
// connection teardown. Failures are logged and swallowed.
func (m *Manager) StopOwnedSessions(ctx context.Context, ownerKey string) {
	for _, s := range m.sessions.ByOwner(ownerKey) {
		if err := m.StopCapture(ctx, s.SessionID); err != nil {
			m.logger.Warn("failed to stop owned session", "session", s.SessionID, "error", err)
		}
	}
}

// ListTargets queries capturable application audio targets.
func (m *Manager) ListTargets(ctx context.Context, sourceID string) (*sidecarproto.ListTargetsResult, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	var result sidecarproto.ListTargetsResult
	err := m.call(ctx, sidecarproto.MethodAudioTargetsList, sidecarproto.ListTargetsParams{SourceID: sourceID}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolveSource maps a window-backed source id to its owning pid.
func (m *Manager) ResolveSource(ctx context.Context, sourceID string) (*sidecarproto.ResolveSourceResult, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	var result sidecarproto.ResolveSourceResult
	err := m.call(ctx, sidecarproto.MethodResolveSource, sidecarproto.ResolveSourceParams{SourceID: sourceID}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Manager) requireReady() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateReady:
		return nil
	case StateUnsupported:
		return ErrUnsupported
	default:
		return fmt.Errorf("%w (state %s)", ErrNotReady, m.state)
	}
}

// call performs one correlated RPC. Requests unanswered past the deadline
// fail locally with ErrRPCTimeout and their correlation id is released, so
// the pending table cannot leak.
func (m *Manager) call(ctx context.Context, method string, params, result interface{}) error {
	id := uuid.NewString()
	pc := &pendingCall{ch: make(chan *sidecarproto.Response, 1)}
	m.pendingMu.Lock()
	m.pending[id] = pc
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	req := sidecarproto.Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}
	if err := m.writeLine(req); err != nil {
		return err
	}

	timeout := m.cfg.RPCTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.ch:
		if resp == nil {
			return fmt.Errorf("helper exited before answering %s", method)
		}
		if !resp.OK {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("%s failed: %s", method, msg)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrRPCTimeout, method, timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.exitedCh:
		return fmt.Errorf("helper exited before answering %s", method)
	}
}

func (m *Manager) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("helper stdin is closed")
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to helper: %w", err)
	}
	return nil
}

// readLoop consumes the helper's stdout: correlated responses are handed
// to their waiters, id-less messages are dispatched as events.
func (m *Manager) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp sidecarproto.Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != "" {
			m.pendingMu.Lock()
			pc, ok := m.pending[resp.ID]
			m.pendingMu.Unlock()
			if ok {
				respCopy := resp
				pc.ch <- &respCopy
			} else {
				m.logger.Debug("response for unknown or timed-out call", "id", resp.ID)
			}
			continue
		}

		var ev sidecarproto.Event
		if err := json.Unmarshal(line, &ev); err == nil && ev.Event != "" {
			m.handleEvent(ev)
			continue
		}

		m.logger.Warn("unparseable line from helper", "line", string(line))
	}
}

func (m *Manager) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		m.logger.Debug("helper", "stderr", scanner.Text())
	}
}

// handleEvent dispatches an unsolicited helper event.
func (m *Manager) handleEvent(ev sidecarproto.Event) {
	switch ev.Event {
	case sidecarproto.EventCaptureFrame:
		var params sidecarproto.FrameEventParams
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			m.logger.Warn("malformed frame event", "error", err)
			return
		}
		frame, err := frameFromFallbackEvent(&params)
		if err != nil {
			m.logger.Warn("undecodable fallback frame", "error", err)
			return
		}
		m.routeFrame(frame)

	case sidecarproto.EventCaptureEnded:
		var params sidecarproto.CaptureEndedParams
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			m.logger.Warn("malformed session-ended event", "error", err)
			return
		}
		m.endSession(params.SessionID, params.Reason)

	default:
		m.logger.Debug("unhandled helper event", "event", ev.Event)
	}
}

// routeFrame delivers a decoded frame to its session owner. Frames for
// unknown sessions are dropped; decoding them anyway keeps the stream
// aligned.
func (m *Manager) routeFrame(frame *sidecarproto.AudioFrame) {
	sess, ok := m.sessions.Get(frame.SessionID)
	if !ok {
		m.logger.Debug("dropping frame for unknown session", "session", frame.SessionID)
		return
	}
	if m.onFrame != nil {
		m.onFrame(frame)
	}
	if m.sink != nil {
		m.sink.DeliverFrame(sess.OwnerKey, frame)
	}
}

func (m *Manager) endSession(sessionID, reason string) {
	sess, ok := m.sessions.Get(sessionID)
	m.sessions.Remove(sessionID)
	if ok && m.sink != nil {
		m.sink.DeliverSessionEnded(sess.OwnerKey, sessionID, reason)
	}
	m.publish(events.EventAudioSessionEnded, map[string]interface{}{
		"session_id": sessionID,
		"reason":     reason,
	})
}

// waitLoop observes helper exit: every outstanding RPC fails, session
// ownership records are cleared, and the manager degrades until an
// explicit new Start, which this run never performs.
func (m *Manager) waitLoop(cmd *exec.Cmd) {
	err := cmd.Wait()

	m.mu.Lock()
	alreadyDegraded := m.state == StateDegraded || m.state == StateUnsupported
	m.state = StateDegraded
	egress := m.egress
	m.egress = nil
	m.mu.Unlock()

	close(m.exitedCh)

	m.pendingMu.Lock()
	for id, pc := range m.pending {
		delete(m.pending, id)
		select {
		case pc.ch <- nil:
		default:
		}
	}
	m.pendingMu.Unlock()

	if egress != nil {
		egress.Close()
	}

	for _, s := range m.sessions.All() {
		if m.sink != nil {
			m.sink.DeliverSessionEnded(s.OwnerKey, s.SessionID, sidecarproto.EndReasonCaptureError)
		}
	}
	m.sessions.Clear()

	if !alreadyDegraded {
		m.logger.Warn("capture helper exited, audio degraded for the remainder of the run", "error", err)
	}
	m.publish(events.EventSidecarExited, map[string]interface{}{
		"error": fmt.Sprint(err),
	})
}

// Shutdown terminates the helper process. Used on application exit and
// after a failed health check.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cmd := m.cmd
	stdin := m.stdin
	m.stdin = nil
	egress := m.egress
	m.egress = nil
	m.mu.Unlock()

	if egress != nil {
		egress.Close()
	}
	if stdin != nil {
		// Closing stdin asks the helper to exit its read loop cleanly.
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-m.exitedCh:
			case <-time.After(2 * time.Second):
				_ = cmd.Process.Kill()
			}
			close(done)
		}()
		<-done
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// commitReady completes the Spawning→Ready transition. It refuses when
// waitLoop degraded the manager in the meantime, so a helper that died
// after answering the health ping is never reported Ready.
func (m *Manager) commitReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSpawning {
		return false
	}
	m.state = StateReady
	return true
}

func (m *Manager) publish(t events.EventType, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(events.Event{Type: t, Source: "sidecar", Data: data})
}

func (m *Manager) resolveBinary() (string, error) {
	path := m.cfg.BinaryPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("cannot locate host executable: %w", err)
		}
		name := helperBinaryName
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		path = filepath.Join(filepath.Dir(exe), name)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("helper binary not found at %s: %w", path, err)
	}
	return path, nil
}
