// Package bridgemodule is the host side of the page bridge: embedded page
// contexts connect over a loopback WebSocket and drive share negotiation
// and sidecar audio through a small request/response surface, with frames
// and lifecycle events pushed back.
package bridgemodule

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/internal/logger"
	"github.com/sweetshark/sweetshark/internal/modules/audiomodule"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule"
	"github.com/sweetshark/sweetshark/internal/modules/modulemanager"
	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

const ModuleID = "system.bridge"

// Module accepts page connections and routes their requests into the
// capture and audio modules.
type Module struct {
	capture *capturemodule.Module
	audio   *audiomodule.Module

	mu    sync.RWMutex
	conns map[string]*Connection
}

var instance = &Module{conns: make(map[string]*Connection)}

func init() {
	modulemanager.Register(instance)
}

// GetModule returns the registered bridge module.
func GetModule() *Module {
	return instance
}

func (m *Module) ID() string   { return ModuleID }
func (m *Module) Name() string { return "Page Bridge" }
func (m *Module) Core() bool   { return false }

func (m *Module) Migrate(db *gorm.DB) error { return nil }

func (m *Module) Init() error {
	m.capture = capturemodule.GetModule()
	m.audio = audiomodule.GetModule()
	m.audio.SetSink(m)
	return nil
}

// Stop closes every live page connection.
func (m *Module) Stop() error {
	for _, c := range m.snapshot() {
		c.Close()
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The listener binds to loopback only; origin checks would reject the
	// embedded pages' synthetic origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the bridge endpoints.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/bridge/ws", m.handleWebSocket)
	api.POST("/capture/request/:sessionKey", m.handleCaptureRequest)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"sidecar": string(m.audio.Manager().State()),
		})
	})
}

func (m *Module) handleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.Err(err))
		return
	}

	conn := newConnection(ws, m)
	m.mu.Lock()
	m.conns[conn.ID()] = conn
	m.mu.Unlock()

	logger.Info("page connected", logger.String("conn", conn.ID()))
	conn.Run()
}

// handleCaptureRequest is the platform's display-media callback: it
// consumes the pending selection for the session and answers with the
// re-resolved source, or declines.
func (m *Module) handleCaptureRequest(c *gin.Context) {
	sessionKey := c.Param("sessionKey")
	resp, err := m.capture.Handler().HandleRequest(c.Request.Context(), sessionKey)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"declined": true, "reason": err.Error()})
		return
	}
	m.capture.Sessions().RecordShare(sessionKey, resp)
	c.JSON(http.StatusOK, gin.H{"declined": false, "response": resp})
}

// DeliverFrame pushes a frame to its owning connection: binary when the
// page negotiated it, base64 JSON otherwise.
func (m *Module) DeliverFrame(ownerKey string, frame *sidecarproto.AudioFrame) {
	if conn := m.get(ownerKey); conn != nil {
		conn.pushFrame(frame)
	}
}

// DeliverSessionEnded pushes a session-ended event to its owning
// connection and stamps the audit trail.
func (m *Module) DeliverSessionEnded(ownerKey, sessionID, reason string) {
	m.capture.Sessions().RecordEnd(sessionID, reason)
	if conn := m.get(ownerKey); conn != nil {
		conn.pushSessionEnded(sessionID, reason)
	}
}

// dropConnection runs connection teardown: the registry entry, any
// pending selection keyed by the connection, and every capture session it
// owned.
func (m *Module) dropConnection(conn *Connection) {
	m.mu.Lock()
	delete(m.conns, conn.ID())
	m.mu.Unlock()

	m.capture.Relay().Clear(conn.ID())
	m.audio.Manager().StopOwnedSessions(context.Background(), conn.ID())
	logger.Info("page disconnected", logger.String("conn", conn.ID()))

	if bus := events.GetGlobalEventBus(); bus != nil {
		bus.PublishAsync(events.Event{
			Type:   events.EventPickerCancelled,
			Source: "bridge",
			Data:   map[string]interface{}{"conn": conn.ID(), "reason": "disconnect"},
		})
	}
}

func (m *Module) get(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

func (m *Module) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}
