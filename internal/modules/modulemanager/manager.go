// Package modulemanager provides registration and lifecycle for the host's
// functional modules (capture negotiation, audio sidecar, bridge surface).
package modulemanager

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sweetshark/sweetshark/internal/logger"
)

// Module is the interface every module implements.
type Module interface {
	ID() string                // Unique identifier for the module
	Name() string              // Display name
	Core() bool                // Core modules cannot be disabled
	Migrate(db *gorm.DB) error // Run database migrations
	Init() error               // Initialize the module
}

// RouteRegistrar is an optional interface for modules that expose routes on
// the bridge router.
type RouteRegistrar interface {
	RegisterRoutes(router *gin.Engine)
}

// Stoppable is an optional interface for modules that own background work.
type Stoppable interface {
	Stop() error
}

// ModuleRegistry manages module registration and initialization.
type ModuleRegistry struct {
	modules     map[string]Module
	order       []string
	mu          sync.RWMutex
	initialized bool
}

// Registry is the global module registry.
var Registry = &ModuleRegistry{
	modules: make(map[string]Module),
}

// Register adds a module to the global registry. Modules call this from
// their package init.
func Register(m Module) {
	Registry.Register(m)
}

// Register adds a module to the registry.
func (r *ModuleRegistry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		logger.Warn("module registered after initialization", logger.String("module", m.ID()))
	}
	if _, exists := r.modules[m.ID()]; !exists {
		r.order = append(r.order, m.ID())
	}
	r.modules[m.ID()] = m
	logger.Info("module registered", logger.String("module", m.Name()), logger.String("id", m.ID()))
}

// LoadAll migrates and initializes all registered modules in registration
// order.
func LoadAll(db *gorm.DB) error {
	return Registry.LoadAll(db)
}

// LoadAll migrates and initializes all registered modules.
func (r *ModuleRegistry) LoadAll(db *gorm.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	for _, id := range r.order {
		m := r.modules[id]
		if db != nil {
			if err := m.Migrate(db); err != nil {
				return fmt.Errorf("module %s migration failed: %w", id, err)
			}
		}
		if err := m.Init(); err != nil {
			if m.Core() {
				return fmt.Errorf("core module %s failed to initialize: %w", id, err)
			}
			logger.Warn("module failed to initialize", logger.String("module", id), logger.Err(err))
		}
	}

	r.initialized = true
	return nil
}

// RegisterRoutes lets every route-registering module attach its routes.
func RegisterRoutes(router *gin.Engine) {
	Registry.mu.RLock()
	defer Registry.mu.RUnlock()
	for _, id := range Registry.order {
		if rr, ok := Registry.modules[id].(RouteRegistrar); ok {
			rr.RegisterRoutes(router)
		}
	}
}

// StopAll stops modules in reverse registration order.
func StopAll() {
	Registry.mu.RLock()
	defer Registry.mu.RUnlock()
	for i := len(Registry.order) - 1; i >= 0; i-- {
		m := Registry.modules[Registry.order[i]]
		if s, ok := m.(Stoppable); ok {
			if err := s.Stop(); err != nil {
				logger.Warn("module stop failed", logger.String("module", m.ID()), logger.Err(err))
			}
		}
	}
}

// Get returns a registered module by id.
func Get(id string) (Module, bool) {
	Registry.mu.RLock()
	defer Registry.mu.RUnlock()
	m, ok := Registry.modules[id]
	return m, ok
}
