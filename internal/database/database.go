// Package database owns the gorm connection and the host's persistent
// models: the picker's share-audio preference and share session audit rows.
package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sweetshark/sweetshark/internal/config"
	"github.com/sweetshark/sweetshark/internal/logger"
)

var db *gorm.DB

// Initialize opens the database described by the configuration and runs
// migrations. The host keeps running without persistence if this fails;
// callers must treat a nil GetDB result as "preferences are session-only".
func Initialize(cfg config.DatabaseConfig) error {
	var (
		conn *gorm.DB
		err  error
	)

	logMode := gormlogger.Silent
	if cfg.LogQueries {
		logMode = gormlogger.Info
	}
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(logMode)}

	switch cfg.Type {
	case "postgres":
		conn, err = gorm.Open(postgres.Open(cfg.URL), gormCfg)
	case "", "sqlite":
		path := cfg.SQLitePath()
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return fmt.Errorf("failed to create data dir: %w", mkErr)
		}
		conn, err = gorm.Open(sqlite.Open(path), gormCfg)
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.AutoMigrate(&SharePreference{}, &ShareSessionRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	db = conn
	logger.Info("database initialized", logger.String("type", cfg.Type))
	return nil
}

// GetDB returns the database handle, or nil when persistence is disabled.
func GetDB() *gorm.DB {
	return db
}

// SetDB installs a database handle. Tests use this with an in-memory
// sqlite connection.
func SetDB(conn *gorm.DB) {
	db = conn
}
