// Package server assembles the host process: event bus, database, module
// system, and the loopback HTTP/WebSocket listener the embedded pages
// talk to.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sweetshark/sweetshark/internal/config"
	"github.com/sweetshark/sweetshark/internal/database"
	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/internal/logger"
	"github.com/sweetshark/sweetshark/internal/modules/modulemanager"

	// Import all modules to trigger their registration.
	_ "github.com/sweetshark/sweetshark/internal/modules/audiomodule"
	_ "github.com/sweetshark/sweetshark/internal/modules/bridgemodule"
	_ "github.com/sweetshark/sweetshark/internal/modules/capturemodule"
)

var systemEventBus events.EventBus

// Initialize brings up the event bus, database, and modules. Must run
// before SetupRouter.
func Initialize() error {
	cfg := config.Get()

	systemEventBus = events.NewEventBus(events.Config{})
	if err := systemEventBus.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	events.SetGlobalEventBus(systemEventBus)

	if err := database.Initialize(cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := modulemanager.LoadAll(database.GetDB()); err != nil {
		return fmt.Errorf("failed to load modules: %w", err)
	}

	systemEventBus.PublishAsync(events.Event{
		Type:   events.EventSystemStarted,
		Source: "server",
	})
	return nil
}

// SetupRouter builds the gin router and mounts every module's routes.
func SetupRouter() *gin.Engine {
	cfg := config.Get()
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Server.EnableCORS {
		r.Use(corsMiddleware())
	}

	modulemanager.RegisterRoutes(r)
	return r
}

// Shutdown stops modules in reverse registration order, then the bus.
func Shutdown(ctx context.Context) {
	if systemEventBus != nil {
		systemEventBus.PublishAsync(events.Event{
			Type:   events.EventSystemStopped,
			Source: "server",
		})
	}
	modulemanager.StopAll()
	if systemEventBus != nil {
		if err := systemEventBus.Stop(ctx); err != nil {
			logger.Warn("event bus stop failed", logger.Err(err))
		}
	}
}

// corsMiddleware allows the embedded pages' synthetic origins during
// development. The listener itself binds to loopback only.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
