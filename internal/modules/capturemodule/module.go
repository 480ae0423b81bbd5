// Package capturemodule wires the screen-share negotiation pipeline: the
// source lister, the picker controller, the pending-selection relay, and
// the platform capture request handler.
package capturemodule

import (
	"gorm.io/gorm"

	"github.com/sweetshark/sweetshark/internal/config"
	"github.com/sweetshark/sweetshark/internal/database"
	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/handler"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/picker"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/relay"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/sources"
	"github.com/sweetshark/sweetshark/internal/modules/modulemanager"
)

const ModuleID = "system.capture"

// Module owns the share negotiation components. Other modules reach them
// through the accessors, never through package globals.
type Module struct {
	provider sources.Provider
	lister   *sources.Lister
	relay    *relay.Registry
	handler  *handler.Handler
	prefs    *picker.PreferenceStore
	sessions *SessionLog
}

var instance = &Module{}

func init() {
	modulemanager.Register(instance)
}

// GetModule returns the registered capture module.
func GetModule() *Module {
	return instance
}

// SetProvider installs the platform source provider. Must happen before
// module initialization; tests install fakes here.
func (m *Module) SetProvider(p sources.Provider) {
	m.provider = p
}

func (m *Module) ID() string   { return ModuleID }
func (m *Module) Name() string { return "Capture Negotiation" }
func (m *Module) Core() bool   { return true }

func (m *Module) Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&database.SharePreference{}, &database.ShareSessionRecord{})
}

func (m *Module) Init() error {
	cfg := config.Get()
	bus := events.GetGlobalEventBus()

	if m.provider == nil {
		m.provider = &unsupportedProvider{}
	}
	m.lister = sources.NewLister(m.provider, cfg.Picker.ThumbnailMaxDim)
	m.relay = relay.NewRegistry(bus)
	m.handler = handler.New(m.relay, m.lister, bus)
	m.prefs = picker.NewPreferenceStore(database.GetDB())
	m.sessions = NewSessionLog(database.GetDB())
	return nil
}

// Lister returns the source lister.
func (m *Module) Lister() *sources.Lister { return m.lister }

// Relay returns the pending-selection registry.
func (m *Module) Relay() *relay.Registry { return m.relay }

// Handler returns the platform capture request handler.
func (m *Module) Handler() *handler.Handler { return m.handler }

// Preferences returns the share-audio preference store.
func (m *Module) Preferences() *picker.PreferenceStore { return m.prefs }

// Sessions returns the share session audit log.
func (m *Module) Sessions() *SessionLog { return m.sessions }

// NewPicker creates a controller for one picker invocation rendered on the
// given surface.
func (m *Module) NewPicker(surface picker.Surface) *picker.Controller {
	cfg := config.Get()
	return picker.NewController(m.lister, m.prefs, surface, picker.Config{
		RefreshInterval: cfg.Picker.RefreshInterval,
		ProfileKey:      picker.DefaultProfileKey,
	})
}
