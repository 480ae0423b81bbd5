package capturehelper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// Server is the helper's RPC loop: newline-delimited JSON requests on
// stdin, responses and unsolicited events on stdout. stdout is the only
// protocol channel; all logging goes to stderr.
type Server struct {
	logger hclog.Logger
	engine Engine
	egress *EgressServer

	out     io.Writer
	writeMu sync.Mutex

	mu     sync.Mutex
	active *captureSession
}

// captureSession is the single active capture. Starting a new session
// stops the previous one first; the platform mixers behind the engines
// do not compose concurrent captures.
type captureSession struct {
	id       string
	targetID string
	mode     string
	stop     func()
	sequence uint64
	seqMu    sync.Mutex
	ended    bool
}

// NewServer creates the helper server. The egress listener binds
// immediately so its port can be advertised before any capture starts.
func NewServer(engine Engine, out io.Writer, logger hclog.Logger) (*Server, error) {
	egress, err := NewEgressServer(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to bind egress listener: %w", err)
	}
	return &Server{
		logger: logger,
		engine: engine,
		egress: egress,
		out:    out,
	}, nil
}

// Run reads requests until stdin closes, then stops any active capture.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req sidecarproto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("unparseable request line", "error", err)
			continue
		}
		s.handle(ctx, req)
	}

	s.stopActive("", sidecarproto.EndReasonCaptureStopped, false)
	s.egress.Close()
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req sidecarproto.Request) {
	result, err := s.dispatch(ctx, req)
	if req.ID == "" {
		// Notifications get no response; failures are only logged.
		if err != nil {
			s.logger.Warn("notification failed", "method", req.Method, "error", err)
		}
		return
	}
	resp := sidecarproto.Response{ID: req.ID, OK: err == nil}
	if err != nil {
		resp.Error = &sidecarproto.Error{Message: err.Error()}
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.OK = false
			resp.Error = &sidecarproto.Error{Message: fmt.Sprintf("failed to encode result: %v", merr)}
		} else {
			resp.Result = raw
		}
	}
	s.writeLine(resp)
}

func (s *Server) dispatch(ctx context.Context, req sidecarproto.Request) (interface{}, error) {
	switch req.Method {
	case sidecarproto.MethodHealthPing:
		return sidecarproto.HealthResult{
			Status:          "ok",
			TimestampMs:     time.Now().UnixMilli(),
			ProtocolVersion: sidecarproto.ProtocolVersion,
		}, nil

	case sidecarproto.MethodCapabilitiesGet:
		support := "unsupported"
		if s.engine.Supported() {
			support = "supported"
		}
		return sidecarproto.Capabilities{
			Platform:        s.engine.Name(),
			PerAppAudio:     support,
			ProtocolVersion: sidecarproto.ProtocolVersion,
			Encoding:        sidecarproto.PCMEncoding,
		}, nil

	case sidecarproto.MethodAudioTargetsList:
		return s.handleListTargets(req.Params)

	case sidecarproto.MethodResolveSource:
		return s.handleResolveSource(req.Params)

	case sidecarproto.MethodBinaryEgressInfo:
		return sidecarproto.BinaryEgressInfo{
			Port:            s.egress.Port(),
			Framing:         sidecarproto.BinaryEgressFraming,
			ProtocolVersion: sidecarproto.ProtocolVersion,
		}, nil

	case sidecarproto.MethodCaptureStart:
		return s.handleStart(req.Params)

	case sidecarproto.MethodCaptureStop:
		return s.handleStop(req.Params)

	default:
		return nil, fmt.Errorf("unknown method: %s", req.Method)
	}
}

func (s *Server) handleListTargets(raw json.RawMessage) (interface{}, error) {
	var params sidecarproto.ListTargetsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	targets, err := s.engine.ListTargets()
	if err != nil {
		return nil, err
	}
	result := sidecarproto.ListTargetsResult{
		Targets:         targets,
		ProtocolVersion: sidecarproto.ProtocolVersion,
	}
	// When the caller names a window-backed source, suggest the target
	// whose pid owns that window.
	if params.SourceID != "" {
		if pid, err := s.engine.ResolvePID(params.SourceID); err == nil && pid != nil {
			want := sidecarproto.PIDTargetID(*pid)
			for _, t := range targets {
				if t.ID == want {
					result.SuggestedTargetID = want
					break
				}
			}
		}
	}
	return result, nil
}

func (s *Server) handleResolveSource(raw json.RawMessage) (interface{}, error) {
	var params sidecarproto.ResolveSourceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	pid, err := s.engine.ResolvePID(params.SourceID)
	if err != nil {
		return nil, err
	}
	return sidecarproto.ResolveSourceResult{SourceID: params.SourceID, PID: pid}, nil
}

func (s *Server) handleStart(raw json.RawMessage) (interface{}, error) {
	var params sidecarproto.StartCaptureParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	target, err := s.resolveTarget(params)
	if err != nil {
		return nil, err
	}

	// One capture at a time: a new start displaces the previous session.
	s.stopActive("", sidecarproto.EndReasonCaptureStopped, true)

	session := &captureSession{
		id:       uuid.NewString(),
		targetID: target.TargetID,
		mode:     target.Mode,
	}
	stop, err := s.engine.Start(target,
		func(pcm []float32) { s.emitFrame(session, pcm) },
		func(reason string) { s.sessionEnded(session, reason) })
	if err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}
	session.stop = stop

	s.mu.Lock()
	s.active = session
	s.mu.Unlock()

	s.logger.Info("capture started", "session", session.id,
		"target", target.TargetID, "mode", target.Mode)
	return sidecarproto.StartCaptureResult{
		SessionID:       session.id,
		TargetID:        target.TargetID,
		Mode:            target.Mode,
		SampleRate:      sidecarproto.TargetSampleRate,
		Channels:        sidecarproto.TargetChannels,
		FramesPerBuffer: sidecarproto.FrameSize,
		ProtocolVersion: sidecarproto.ProtocolVersion,
		Encoding:        sidecarproto.PCMEncoding,
	}, nil
}

// resolveTarget picks the capture mode from the start parameters:
// excludePid wins, then an explicit target id, then a source id resolved
// to its owning pid.
func (s *Server) resolveTarget(params sidecarproto.StartCaptureParams) (CaptureTarget, error) {
	if params.ExcludePID != nil {
		return CaptureTarget{
			Mode:     "exclude",
			PID:      *params.ExcludePID,
			TargetID: sidecarproto.ExcludeTargetID(*params.ExcludePID),
		}, nil
	}
	if params.AppAudioTargetID != "" {
		mode, pid, ok := sidecarproto.ParseTargetID(params.AppAudioTargetID)
		if !ok {
			return CaptureTarget{}, fmt.Errorf("invalid target id: %s", params.AppAudioTargetID)
		}
		return CaptureTarget{Mode: mode, PID: pid, TargetID: params.AppAudioTargetID}, nil
	}
	if params.SourceID != "" {
		pid, err := s.engine.ResolvePID(params.SourceID)
		if err != nil {
			return CaptureTarget{}, err
		}
		if pid == nil {
			return CaptureTarget{}, fmt.Errorf("source has no resolvable audio target: %s", params.SourceID)
		}
		return CaptureTarget{Mode: "include", PID: *pid, TargetID: sidecarproto.PIDTargetID(*pid)}, nil
	}
	return CaptureTarget{}, fmt.Errorf("no capture target given")
}

func (s *Server) handleStop(raw json.RawMessage) (interface{}, error) {
	var params sidecarproto.StopCaptureParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	stopped := s.stopActive(params.SessionID, sidecarproto.EndReasonCaptureStopped, true)
	return sidecarproto.StopCaptureResult{
		Stopped:         stopped,
		ProtocolVersion: sidecarproto.ProtocolVersion,
	}, nil
}

// stopActive stops the active session. A non-empty sessionID that does
// not match the active session is a no-op: the stop raced a displacement
// and the named session is already gone.
func (s *Server) stopActive(sessionID, reason string, emitEnded bool) bool {
	s.mu.Lock()
	session := s.active
	if session == nil || (sessionID != "" && session.id != sessionID) {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	alreadyEnded := session.ended
	session.ended = true
	s.mu.Unlock()

	if session.stop != nil {
		session.stop()
	}
	if emitEnded && !alreadyEnded {
		s.writeEvent(sidecarproto.EventCaptureEnded, sidecarproto.CaptureEndedParams{
			SessionID:       session.id,
			TargetID:        session.targetID,
			Reason:          reason,
			ProtocolVersion: sidecarproto.ProtocolVersion,
		})
	}
	return true
}

// sessionEnded handles an engine-initiated end (app exited, device lost).
func (s *Server) sessionEnded(session *captureSession, reason string) {
	s.mu.Lock()
	if s.active == session {
		s.active = nil
	}
	alreadyEnded := session.ended
	session.ended = true
	s.mu.Unlock()
	if alreadyEnded {
		return
	}
	s.logger.Info("capture ended", "session", session.id, "reason", reason)
	s.writeEvent(sidecarproto.EventCaptureEnded, sidecarproto.CaptureEndedParams{
		SessionID:       session.id,
		TargetID:        session.targetID,
		Reason:          reason,
		ProtocolVersion: sidecarproto.ProtocolVersion,
	})
}

// emitFrame ships one PCM buffer: over the binary egress when a client is
// connected, as a base64 event otherwise.
func (s *Server) emitFrame(session *captureSession, pcm []float32) {
	session.seqMu.Lock()
	seq := session.sequence
	session.sequence++
	session.seqMu.Unlock()

	frame := &sidecarproto.AudioFrame{
		SessionID:         session.id,
		TargetID:          session.targetID,
		Sequence:          seq,
		SampleRate:        sidecarproto.TargetSampleRate,
		Channels:          sidecarproto.TargetChannels,
		FrameCount:        uint32(len(pcm) / sidecarproto.TargetChannels),
		ProtocolVersion:   sidecarproto.ProtocolVersion,
		DroppedFrameCount: s.egress.DroppedFrames(),
		PCM:               pcm,
	}

	if s.egress.HasClients() {
		data, err := sidecarproto.EncodeFrame(frame)
		if err != nil {
			s.logger.Warn("failed to encode frame", "error", err)
			return
		}
		s.egress.Broadcast(data)
		return
	}

	s.writeEvent(sidecarproto.EventCaptureFrame, sidecarproto.FrameEventParams{
		SessionID:       frame.SessionID,
		TargetID:        frame.TargetID,
		Sequence:        frame.Sequence,
		SampleRate:      int(frame.SampleRate),
		Channels:        int(frame.Channels),
		FrameCount:      int(frame.FrameCount),
		PCMBase64:       sidecarproto.EncodeBase64PCM(frame.PCM),
		ProtocolVersion: frame.ProtocolVersion,
		Encoding:        sidecarproto.PCMEncoding,
	})
}

func (s *Server) writeEvent(event string, params interface{}) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.logger.Warn("failed to encode event", "event", event, "error", err)
		return
	}
	s.writeLine(sidecarproto.Event{Event: event, Params: raw})
}

func (s *Server) writeLine(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode protocol message", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to write protocol message", "error", err)
	}
}
