// Package sidecarproto defines the wire protocol shared between the host
// process and the sweetshark-capture helper: the newline-delimited JSON RPC
// carried over the helper's stdin/stdout and the length-prefixed binary
// frame format carried over the loopback egress socket.
package sidecarproto

import "encoding/json"

// Protocol constants. These must match on both sides of the process
// boundary; ProtocolVersion is echoed in every response and frame so a
// mismatched helper can be detected instead of silently misparsed.
const (
	ProtocolVersion uint32 = 1

	// Capture format produced by the helper.
	TargetSampleRate = 48000
	TargetChannels   = 1
	FrameSize        = 960 // samples per channel, 20ms at 48kHz

	// PCM encoding used by the JSON fallback event path.
	PCMEncoding = "f32le_base64"

	// Framing identifier advertised by audio_capture.binary_egress_info.
	BinaryEgressFraming = "length_prefixed_f32le_v1"

	// Upper bound on a single binary frame (length prefix excluded).
	MaxBinaryFrameBytes = 4 * 1024 * 1024
)

// RPC method names handled by the helper.
const (
	MethodHealthPing       = "health.ping"
	MethodCapabilitiesGet  = "capabilities.get"
	MethodAudioTargetsList = "audio_targets.list"
	MethodResolveSource    = "windows.resolve_source"
	MethodBinaryEgressInfo = "audio_capture.binary_egress_info"
	MethodCaptureStart     = "audio_capture.start"
	MethodCaptureStop      = "audio_capture.stop"
)

// Unsolicited event names emitted by the helper (no correlation id).
const (
	EventCaptureFrame = "audio_capture.frame"
	EventCaptureEnded = "audio_capture.ended"
)

// Capture end reasons reported by audio_capture.ended.
const (
	EndReasonCaptureStopped = "capture_stopped"
	EndReasonAppExited      = "app_exited"
	EndReasonCaptureError   = "capture_error"
	EndReasonDeviceLost     = "device_lost"
)

// Request is one line of JSON on the helper's stdin.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line of JSON on the helper's stdout, correlated by ID.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error describes a failed RPC.
type Error struct {
	Message string `json:"message"`
}

// Event is an unsolicited message on the helper's stdout. It is
// distinguished from a Response by carrying an Event name and no ID.
type Event struct {
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params"`
}

// HealthResult is the payload of a health.ping response.
type HealthResult struct {
	Status          string `json:"status"`
	TimestampMs     int64  `json:"timestampMs"`
	ProtocolVersion uint32 `json:"protocolVersion"`
}

// Capabilities is the payload of a capabilities.get response.
// PerAppAudio is "supported" or "unsupported".
type Capabilities struct {
	Platform        string `json:"platform"`
	PerAppAudio     string `json:"perAppAudio"`
	ProtocolVersion uint32 `json:"protocolVersion"`
	Encoding        string `json:"encoding"`
}

// PerAppAudioSupported reports whether the helper can isolate one
// application's audio on this platform.
func (c Capabilities) PerAppAudioSupported() bool {
	return c.PerAppAudio == "supported"
}

// AudioTarget is one capturable application as reported by
// audio_targets.list. ID uses the "pid:<n>" grammar.
type AudioTarget struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	PID         uint32 `json:"pid"`
	ProcessName string `json:"processName"`
}

// ListTargetsParams are the parameters of audio_targets.list. SourceID, if
// set, asks the helper to suggest the target backing that capture source.
type ListTargetsParams struct {
	SourceID string `json:"sourceId,omitempty"`
}

// ListTargetsResult is the payload of an audio_targets.list response.
type ListTargetsResult struct {
	Targets           []AudioTarget `json:"targets"`
	SuggestedTargetID string        `json:"suggestedTargetId,omitempty"`
	ProtocolVersion   uint32        `json:"protocolVersion"`
}

// ResolveSourceParams are the parameters of windows.resolve_source.
type ResolveSourceParams struct {
	SourceID string `json:"sourceId"`
}

// ResolveSourceResult maps a window-backed source id to the pid that owns
// it. PID is nil when the window is gone or the id is not window-backed.
type ResolveSourceResult struct {
	SourceID string  `json:"sourceId"`
	PID      *uint32 `json:"pid"`
}

// BinaryEgressInfo is the payload of audio_capture.binary_egress_info.
type BinaryEgressInfo struct {
	Port            uint16 `json:"port"`
	Framing         string `json:"framing"`
	ProtocolVersion uint32 `json:"protocolVersion"`
}

// StartCaptureParams are the parameters of audio_capture.start. Exactly one
// of the target forms is used: AppAudioTargetID (or SourceID resolved to
// one) selects a specific process tree; ExcludePID selects everything
// except a process tree, used for full-screen shares so the client's own
// output isn't looped back.
type StartCaptureParams struct {
	SourceID         string  `json:"sourceId,omitempty"`
	AppAudioTargetID string  `json:"appAudioTargetId,omitempty"`
	ExcludePID       *uint32 `json:"excludePid,omitempty"`
}

// StartCaptureResult is the payload of a successful audio_capture.start.
type StartCaptureResult struct {
	SessionID       string `json:"sessionId"`
	TargetID        string `json:"targetId"`
	Mode            string `json:"mode"` // "include" or "exclude"
	SampleRate      int    `json:"sampleRate"`
	Channels        int    `json:"channels"`
	FramesPerBuffer int    `json:"framesPerBuffer"`
	ProtocolVersion uint32 `json:"protocolVersion"`
	Encoding        string `json:"encoding"`
}

// StopCaptureParams are the parameters of audio_capture.stop. An empty
// SessionID stops whatever session is active.
type StopCaptureParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

// StopCaptureResult is the payload of an audio_capture.stop response.
type StopCaptureResult struct {
	Stopped         bool   `json:"stopped"`
	ProtocolVersion uint32 `json:"protocolVersion"`
}

// FrameEventParams is the payload of the base64 fallback frame event,
// emitted only while the binary egress connection is down.
type FrameEventParams struct {
	SessionID       string `json:"sessionId"`
	TargetID        string `json:"targetId"`
	Sequence        uint64 `json:"sequence"`
	SampleRate      int    `json:"sampleRate"`
	Channels        int    `json:"channels"`
	FrameCount      int    `json:"frameCount"`
	PCMBase64       string `json:"pcmBase64"`
	ProtocolVersion uint32 `json:"protocolVersion"`
	Encoding        string `json:"encoding"`
}

// CaptureEndedParams is the payload of the audio_capture.ended event.
type CaptureEndedParams struct {
	SessionID       string `json:"sessionId"`
	TargetID        string `json:"targetId"`
	Reason          string `json:"reason"`
	Error           string `json:"error,omitempty"`
	ProtocolVersion uint32 `json:"protocolVersion"`
}
