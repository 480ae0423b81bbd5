// Package config holds the host process configuration: the bridge server,
// the preference database, the picker refresh behavior, the capture sidecar
// lifecycle knobs, and audio playback scheduling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete host configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Picker   PickerConfig   `yaml:"picker" json:"picker"`
	Sidecar  SidecarConfig  `yaml:"sidecar" json:"sidecar"`
	Playback PlaybackConfig `yaml:"playback" json:"playback"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig configures the host bridge HTTP/WS listener that embedded
// page contexts connect to. It binds to loopback only; the bridge is a
// local privilege boundary, not a network service.
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"SWEETSHARK_HOST"`
	Port         int           `yaml:"port" json:"port" env:"SWEETSHARK_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"SWEETSHARK_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"SWEETSHARK_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors" env:"SWEETSHARK_ENABLE_CORS"`
}

// DatabaseConfig configures preference and audit storage.
type DatabaseConfig struct {
	Type         string `yaml:"type" json:"type" env:"SWEETSHARK_DB_TYPE"`
	URL          string `yaml:"url" json:"url" env:"SWEETSHARK_DB_URL"`
	DataDir      string `yaml:"data_dir" json:"data_dir" env:"SWEETSHARK_DATA_DIR"`
	DatabasePath string `yaml:"database_path" json:"database_path" env:"SWEETSHARK_DATABASE_PATH"`
	LogQueries   bool   `yaml:"log_queries" json:"log_queries" env:"SWEETSHARK_DB_LOG_QUERIES"`
}

// PickerConfig controls the in-page source picker.
type PickerConfig struct {
	// RefreshInterval is how often thumbnails are re-captured while the
	// picker is open.
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" env:"SWEETSHARK_PICKER_REFRESH_INTERVAL"`
	// ThumbnailMaxDim bounds thumbnail snapshots on their longest side.
	// Thumbnails are a UI affordance, not archival quality.
	ThumbnailMaxDim int `yaml:"thumbnail_max_dim" json:"thumbnail_max_dim" env:"SWEETSHARK_THUMBNAIL_MAX_DIM"`
}

// SidecarConfig controls the capture helper process lifecycle.
type SidecarConfig struct {
	// BinaryPath locates the sweetshark-capture helper. Empty means "look
	// next to the host executable".
	BinaryPath string `yaml:"binary_path" json:"binary_path" env:"SWEETSHARK_SIDECAR_PATH"`
	// HealthTimeout bounds the initial health.ping after spawn.
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout" env:"SWEETSHARK_SIDECAR_HEALTH_TIMEOUT"`
	// RPCTimeout bounds every request; calls past it fail locally and
	// release their correlation id.
	RPCTimeout time.Duration `yaml:"rpc_timeout" json:"rpc_timeout" env:"SWEETSHARK_SIDECAR_RPC_TIMEOUT"`
	// EgressReconnectDelay is the pause before re-dialing the binary
	// egress socket after an unexpected close while the helper lives.
	EgressReconnectDelay time.Duration `yaml:"egress_reconnect_delay" json:"egress_reconnect_delay" env:"SWEETSHARK_EGRESS_RECONNECT_DELAY"`
}

// PlaybackConfig controls frame scheduling in the playback splicer.
type PlaybackConfig struct {
	// LookAhead is the forward scheduling margin that absorbs delivery
	// jitter. Falling further behind than this triggers a forward resync.
	LookAhead time.Duration `yaml:"look_ahead" json:"look_ahead" env:"SWEETSHARK_PLAYBACK_LOOKAHEAD"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"SWEETSHARK_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"SWEETSHARK_LOG_FORMAT"`
}

// DefaultConfig returns the default host configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         37817,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: "./sweetshark-data",
		},
		Picker: PickerConfig{
			RefreshInterval: 5 * time.Second,
			ThumbnailMaxDim: 320,
		},
		Sidecar: SidecarConfig{
			HealthTimeout:        3 * time.Second,
			RPCTimeout:           5 * time.Second,
			EgressReconnectDelay: time.Second,
		},
		Playback: PlaybackConfig{
			LookAhead: 60 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SQLitePath returns the resolved sqlite file path.
func (d DatabaseConfig) SQLitePath() string {
	if d.DatabasePath != "" {
		return d.DatabasePath
	}
	return filepath.Join(d.DataDir, "sweetshark.db")
}

var (
	mu     sync.RWMutex
	global = DefaultConfig()
)

// Load reads configuration from an optional yaml file, then overrides from
// the environment, and installs the result as the process configuration.
func Load(configPath string) error {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	mu.Lock()
	global = cfg
	mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	cp := *global
	return &cp
}

// Set replaces the process configuration. Tests use this.
func Set(cfg *Config) {
	mu.Lock()
	global = cfg
	mu.Unlock()
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Picker.RefreshInterval <= 0 {
		return fmt.Errorf("picker refresh interval must be positive")
	}
	if cfg.Picker.ThumbnailMaxDim < 16 {
		return fmt.Errorf("thumbnail max dimension %d is too small", cfg.Picker.ThumbnailMaxDim)
	}
	if cfg.Sidecar.RPCTimeout <= 0 || cfg.Sidecar.HealthTimeout <= 0 {
		return fmt.Errorf("sidecar timeouts must be positive")
	}
	if cfg.Playback.LookAhead <= 0 {
		return fmt.Errorf("playback look-ahead must be positive")
	}
	return nil
}

func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}
		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}
	return nil
}
