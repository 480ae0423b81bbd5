package bridgemodule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sweetshark/sweetshark/internal/logger"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/picker"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/relay"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/sources"
	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
)

// bridgeRequest mirrors the sidecar RPC shape: one JSON object per
// message, correlated by id.
type bridgeRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type bridgeResponse struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type bridgeEvent struct {
	Event  string      `json:"event"`
	Params interface{} `json:"params,omitempty"`
}

// Connection is one page context attached to the bridge. Its id is the
// ownership key for pending selections and capture sessions.
type Connection struct {
	id     string
	ws     *websocket.Conn
	module *Module

	send      chan preparedMessage
	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	picker       *picker.Controller
	binaryFrames bool
}

type preparedMessage struct {
	messageType int
	data        []byte
}

func newConnection(ws *websocket.Conn, module *Module) *Connection {
	return &Connection{
		id:     uuid.NewString(),
		ws:     ws,
		module: module,
		send:   make(chan preparedMessage, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// ID returns the connection's ownership key.
func (c *Connection) ID() string { return c.id }

// Run drives the connection until the socket closes. Blocks.
func (c *Connection) Run() {
	go c.writePump()
	c.readPump()
	c.module.dropConnection(c)
}

// Close tears the connection down from the host side.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Connection) readPump() {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("page connection read error",
					logger.String("conn", c.id), logger.Err(err))
			}
			return
		}

		var req bridgeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			logger.Debug("malformed bridge request", logger.String("conn", c.id))
			continue
		}
		c.dispatch(req)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// dispatch routes one request. Picker opening resolves asynchronously so
// select/cancel requests can arrive while it is pending; everything else
// answers inline.
func (c *Connection) dispatch(req bridgeRequest) {
	switch req.Method {
	case "capture.openPicker":
		go c.handleOpenPicker(req)
		return
	case "audio.start", "audio.listTargets", "audio.resolveSource", "audio.stop":
		// Sidecar RPCs block up to the RPC timeout; keep the read pump
		// responsive while they run.
		go func() {
			result, err := c.handle(req)
			c.respond(req, result, err)
		}()
		return
	default:
		result, err := c.handle(req)
		c.respond(req, result, err)
	}
}

func (c *Connection) handle(req bridgeRequest) (interface{}, error) {
	ctx := context.Background()
	switch req.Method {
	case "capture.listSources":
		return c.handleListSources(ctx)
	case "capture.setPendingSelection":
		return c.handleSetPendingSelection(req.Params)
	case "picker.select":
		return c.handlePickerSelect(req.Params)
	case "picker.setAudioShare":
		return c.handlePickerSetAudioShare(req.Params)
	case "picker.cancel":
		return c.handlePickerCancel()
	case "audio.getCapabilities":
		return c.handleGetCapabilities()
	case "audio.listTargets":
		return c.handleListTargets(ctx, req.Params)
	case "audio.resolveSource":
		return c.handleResolveSource(ctx, req.Params)
	case "audio.start":
		return c.handleAudioStart(ctx, req.Params)
	case "audio.stop":
		return c.handleAudioStop(ctx, req.Params)
	case "audio.setBinaryFrames":
		return c.handleSetBinaryFrames(req.Params)
	default:
		return nil, fmt.Errorf("unknown method: %s", req.Method)
	}
}

func (c *Connection) respond(req bridgeRequest, result interface{}, err error) {
	if req.ID == "" {
		return
	}
	resp := bridgeResponse{ID: req.ID, OK: err == nil, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	c.sendJSON(resp)
}

func (c *Connection) handleListSources(ctx context.Context) (interface{}, error) {
	listed := c.module.capture.Lister().List(ctx, sources.AllTypes())
	return map[string]interface{}{"sources": listed}, nil
}

type setPendingParams struct {
	SessionKey     string `json:"sessionKey"`
	SourceID       string `json:"sourceId"`
	ShareAudio     bool   `json:"shareAudio"`
	IsScreenSource bool   `json:"isScreenSource"`
}

func (c *Connection) handleSetPendingSelection(raw json.RawMessage) (interface{}, error) {
	var p setPendingParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SourceID == "" {
		return nil, fmt.Errorf("sourceId is required")
	}
	key := p.SessionKey
	if key == "" {
		key = c.id
	}
	c.module.capture.Relay().SetPending(key, relay.Selection{
		SourceID:            p.SourceID,
		ShareAudioRequested: p.ShareAudio,
		IsScreenSource:      p.IsScreenSource,
	})
	return map[string]interface{}{"sessionKey": key}, nil
}

// handleOpenPicker runs one picker invocation on this connection's
// surface and answers when it resolves.
func (c *Connection) handleOpenPicker(req bridgeRequest) {
	surface := newWSSurface(c)

	c.mu.Lock()
	if c.picker != nil {
		c.mu.Unlock()
		c.respond(req, nil, fmt.Errorf("a picker is already open"))
		return
	}
	ctrl := c.module.capture.NewPicker(surface)
	c.picker = ctrl
	c.mu.Unlock()

	sel, err := ctrl.Run(context.Background())

	c.mu.Lock()
	c.picker = nil
	c.mu.Unlock()

	switch {
	case err == nil:
		// The relay write precedes the response: by the time the page
		// triggers the native display-media call, the handler must be able
		// to consume the choice.
		c.module.capture.Relay().SetPending(c.id, relay.Selection{
			SourceID:            sel.SourceID,
			ShareAudioRequested: sel.AudioRequested,
			IsScreenSource:      sel.IsScreenSource,
		})
		c.respond(req, map[string]interface{}{
			"cancelled":      false,
			"sessionKey":     c.id,
			"sourceId":       sel.SourceID,
			"audioRequested": sel.AudioRequested,
			"isScreenSource": sel.IsScreenSource,
		}, nil)
	case err == picker.ErrFallbackToNative:
		c.respond(req, map[string]interface{}{"cancelled": false, "fallbackToNative": true}, nil)
	default:
		c.respond(req, map[string]interface{}{"cancelled": true}, nil)
	}
}

type pickerSelectParams struct {
	SourceID string `json:"sourceId"`
}

func (c *Connection) handlePickerSelect(raw json.RawMessage) (interface{}, error) {
	var p pickerSelectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	ctrl := c.activePicker()
	if ctrl == nil {
		return nil, fmt.Errorf("no picker is open")
	}
	if err := ctrl.Select(p.SourceID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"accepted": true}, nil
}

type audioShareParams struct {
	Enabled bool `json:"enabled"`
}

func (c *Connection) handlePickerSetAudioShare(raw json.RawMessage) (interface{}, error) {
	var p audioShareParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	ctrl := c.activePicker()
	if ctrl == nil {
		return nil, fmt.Errorf("no picker is open")
	}
	ctrl.SetAudioShare(p.Enabled)
	return map[string]interface{}{"enabled": p.Enabled}, nil
}

func (c *Connection) handlePickerCancel() (interface{}, error) {
	ctrl := c.activePicker()
	if ctrl == nil {
		return nil, fmt.Errorf("no picker is open")
	}
	ctrl.Cancel()
	return map[string]interface{}{"cancelled": true}, nil
}

func (c *Connection) activePicker() *picker.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.picker
}

func (c *Connection) handleGetCapabilities() (interface{}, error) {
	mgr := c.module.audio.Manager()
	return map[string]interface{}{
		"state":                string(mgr.State()),
		"perAppAudioSupported": mgr.Capabilities(),
	}, nil
}

func (c *Connection) handleListTargets(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p sidecarproto.ListTargetsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return c.module.audio.Manager().ListTargets(ctx, p.SourceID)
}

func (c *Connection) handleResolveSource(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p sidecarproto.ResolveSourceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return c.module.audio.Manager().ResolveSource(ctx, p.SourceID)
}

func (c *Connection) handleAudioStart(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p sidecarproto.StartCaptureParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	result, err := c.module.audio.Manager().StartCapture(ctx, c.id, p)
	if err != nil {
		return nil, err
	}
	c.module.capture.Sessions().AttachAudioSession(c.id, result.SessionID)
	return result, nil
}

func (c *Connection) handleAudioStop(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p sidecarproto.StopCaptureParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	// Scoped to this connection's sessions: one page context must not be
	// able to stop another's capture.
	if err := c.module.audio.Manager().StopCaptureOwned(ctx, c.id, p.SessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"stopped": true}, nil
}

type binaryFramesParams struct {
	Enabled bool `json:"enabled"`
}

func (c *Connection) handleSetBinaryFrames(raw json.RawMessage) (interface{}, error) {
	var p binaryFramesParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	c.mu.Lock()
	c.binaryFrames = p.Enabled
	c.mu.Unlock()
	return map[string]interface{}{"enabled": p.Enabled}, nil
}

// pushFrame delivers one audio frame to the page: a binary websocket
// message in the egress wire format when the page opted in, a base64 JSON
// event otherwise. A full send queue drops the frame; playback absorbs
// the gap.
func (c *Connection) pushFrame(frame *sidecarproto.AudioFrame) {
	c.mu.Lock()
	binary := c.binaryFrames
	c.mu.Unlock()

	if binary {
		data, err := sidecarproto.EncodeFrame(frame)
		if err != nil {
			logger.Warn("failed to encode frame for page",
				logger.String("conn", c.id), logger.Err(err))
			return
		}
		c.trySend(preparedMessage{messageType: websocket.BinaryMessage, data: data})
		return
	}

	c.sendEvent("onAudioFrame", sidecarproto.FrameEventParams{
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

func (c *Connection) pushSessionEnded(sessionID, reason string) {
	c.sendEvent("onAudioSessionEnded", map[string]interface{}{
		"sessionId": sessionID,
		"reason":    reason,
	})
}

func (c *Connection) sendEvent(event string, params interface{}) {
	c.sendJSON(bridgeEvent{Event: event, Params: params})
}

func (c *Connection) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("failed to marshal bridge message", logger.Err(err))
		return
	}
	c.trySend(preparedMessage{messageType: websocket.TextMessage, data: data})
}

func (c *Connection) trySend(msg preparedMessage) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		logger.Debug("bridge send queue full, dropping message",
			logger.String("conn", c.id))
	}
}
