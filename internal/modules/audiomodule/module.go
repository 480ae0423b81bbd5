// Package audiomodule owns loopback-safe application audio: the capture
// helper process, the binary egress stream, and the playback splicer.
package audiomodule

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/sweetshark/sweetshark/internal/config"
	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/internal/modules/audiomodule/playback"
	"github.com/sweetshark/sweetshark/internal/modules/audiomodule/sidecar"
	"github.com/sweetshark/sweetshark/internal/modules/modulemanager"
	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

const ModuleID = "system.audio"

// Module wires the sidecar manager to the playback registry and exposes
// both to the bridge.
type Module struct {
	manager  *sidecar.Manager
	playback *playback.Registry
	sink     *sinkProxy
	logger   hclog.Logger
}

var instance = &Module{sink: &sinkProxy{}}

func init() {
	modulemanager.Register(instance)
}

// GetModule returns the registered audio module.
func GetModule() *Module {
	return instance
}

func (m *Module) ID() string   { return ModuleID }
func (m *Module) Name() string { return "Sidecar Audio" }
func (m *Module) Core() bool   { return false }

func (m *Module) Migrate(db *gorm.DB) error { return nil }

// Init builds the manager and spawns the helper in the background. A
// missing helper binary is an expected outcome, not an init failure: the
// module stays up and reports per-app audio as unsupported.
func (m *Module) Init() error {
	cfg := config.Get()
	bus := events.GetGlobalEventBus()

	m.logger = hclog.New(&hclog.LoggerOptions{
		Name:  "audio",
		Level: hclog.LevelFromString(cfg.Logging.Level),
	})
	m.playback = playback.NewRegistry(nil, cfg.Playback.LookAhead)
	m.manager = sidecar.NewManager(cfg.Sidecar, m.logger, bus, m)
	m.manager.SetFrameCallback(m.playback.Deliver)

	go func() {
		if err := m.manager.Start(context.Background()); err != nil {
			if errors.Is(err, sidecar.ErrUnsupported) {
				return
			}
			m.logger.Warn("sidecar startup failed", "error", err)
		}
	}()
	return nil
}

// Stop terminates the helper and releases every player.
func (m *Module) Stop() error {
	if m.manager != nil {
		m.manager.Shutdown()
	}
	if m.playback != nil {
		m.playback.ReleaseAll()
	}
	return nil
}

// Manager returns the sidecar process manager.
func (m *Module) Manager() *sidecar.Manager { return m.manager }

// Playback returns the playback splicer registry.
func (m *Module) Playback() *playback.Registry { return m.playback }

// SetSink installs the event sink that routes frames and ended-events to
// owning page connections. The bridge module calls this once during its
// own init; delivery before that is dropped.
func (m *Module) SetSink(sink sidecar.EventSink) {
	m.sink.set(sink)
}

// DeliverFrame forwards a routed frame to the bridge sink. The module is
// the manager's sink so session teardown can release players here.
func (m *Module) DeliverFrame(ownerKey string, frame *sidecarproto.AudioFrame) {
	m.sink.DeliverFrame(ownerKey, frame)
}

// DeliverSessionEnded releases the session's player and forwards the
// ended-event to the bridge sink.
func (m *Module) DeliverSessionEnded(ownerKey, sessionID, reason string) {
	if m.playback != nil {
		m.playback.Release(sessionID)
	}
	m.sink.DeliverSessionEnded(ownerKey, sessionID, reason)
}

// sinkProxy lets the manager hold a sink reference before the bridge
// exists.
type sinkProxy struct {
	mu    sync.RWMutex
	inner sidecar.EventSink
}

func (p *sinkProxy) set(sink sidecar.EventSink) {
	p.mu.Lock()
	p.inner = sink
	p.mu.Unlock()
}

func (p *sinkProxy) DeliverFrame(ownerKey string, frame *sidecarproto.AudioFrame) {
	p.mu.RLock()
	sink := p.inner
	p.mu.RUnlock()
	if sink != nil {
		sink.DeliverFrame(ownerKey, frame)
	}
}

func (p *sinkProxy) DeliverSessionEnded(ownerKey, sessionID, reason string) {
	p.mu.RLock()
	sink := p.inner
	p.mu.RUnlock()
	if sink != nil {
		sink.DeliverSessionEnded(ownerKey, sessionID, reason)
	}
}
