// Package config provides configuration management for pairdev.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	WarmPool  WarmPoolConfig  `mapstructure:"warmPool"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Session   SessionConfig   `mapstructure:"session"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds state-store configuration.
// Backend is one of: memory, sqlite, external (PostgreSQL).
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"` // sqlite database file
	DSN      string `mapstructure:"dsn"`  // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds sandbox provider configuration.
// Provider is one of: local, docker, sprites.
type SandboxConfig struct {
	Provider       string `mapstructure:"provider"`
	DockerHost     string `mapstructure:"dockerHost"`
	DefaultImage   string `mapstructure:"defaultImage"`
	SpritesToken   string `mapstructure:"spritesToken"`
	ExecTimeout    int    `mapstructure:"execTimeout"`    // seconds
	RequestTimeout int    `mapstructure:"requestTimeout"` // seconds, provider API calls
}

// WarmPoolConfig holds warm pool limits and timings.
type WarmPoolConfig struct {
	MaxPerKey     int    `mapstructure:"maxPerKey"`
	TTLMinutes    int    `mapstructure:"ttlMinutes"`
	WarmTimeout   int    `mapstructure:"warmTimeout"` // seconds
	HighWaterMark int    `mapstructure:"highWaterMark"`
	ManifestPath  string `mapstructure:"manifestPath"` // optional YAML prewarm manifest
}

// SchedulerConfig holds background agent scheduler limits.
type SchedulerConfig struct {
	MaxConcurrent int  `mapstructure:"maxConcurrent"`
	MaxQueued     int  `mapstructure:"maxQueued"`
	MaxPerSession int  `mapstructure:"maxPerSession"`
	InitTimeout   int  `mapstructure:"initTimeout"` // seconds
	RunTimeout    int  `mapstructure:"runTimeout"`  // seconds
	AutoProcess   bool `mapstructure:"autoProcess"`
}

// SessionConfig holds multiplayer session limits.
type SessionConfig struct {
	MaxUsersPerSession int  `mapstructure:"maxUsersPerSession"`
	MaxClientsPerUser  int  `mapstructure:"maxClientsPerUser"`
	MaxPrompts         int  `mapstructure:"maxPrompts"`
	AllowReorder       bool `mapstructure:"allowReorder"`
	LockTimeout        int  `mapstructure:"lockTimeout"` // seconds
}

// SnapshotConfig holds snapshot catalog configuration.
type SnapshotConfig struct {
	TTLHours      int `mapstructure:"ttlHours"`
	SweepInterval int `mapstructure:"sweepInterval"` // seconds
}

// LifecycleConfig holds pause-on-idle / resume-on-follow-up behavior.
type LifecycleConfig struct {
	AutoTerminate   bool `mapstructure:"autoTerminate"`
	MinWorkDuration int  `mapstructure:"minWorkDuration"` // seconds
	SyncOnRestore   bool `mapstructure:"syncOnRestore"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LockTimeoutDuration returns the edit-lock expiry as a time.Duration.
func (s *SessionConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(s.LockTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PAIRDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "./pairdev.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "pairdev-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.provider", "local")
	v.SetDefault("sandbox.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.defaultImage", "pairdev/sandbox:latest")
	v.SetDefault("sandbox.spritesToken", "")
	v.SetDefault("sandbox.execTimeout", 120)
	v.SetDefault("sandbox.requestTimeout", 30)

	// Warm pool defaults
	v.SetDefault("warmPool.maxPerKey", 5)
	v.SetDefault("warmPool.ttlMinutes", 30)
	v.SetDefault("warmPool.warmTimeout", 120)
	v.SetDefault("warmPool.highWaterMark", 2)
	v.SetDefault("warmPool.manifestPath", "")

	// Scheduler defaults
	v.SetDefault("scheduler.maxConcurrent", 5)
	v.SetDefault("scheduler.maxQueued", 100)
	v.SetDefault("scheduler.maxPerSession", 10)
	v.SetDefault("scheduler.initTimeout", 60)
	v.SetDefault("scheduler.runTimeout", 1800)
	v.SetDefault("scheduler.autoProcess", true)

	// Session defaults
	v.SetDefault("session.maxUsersPerSession", 10)
	v.SetDefault("session.maxClientsPerUser", 5)
	v.SetDefault("session.maxPrompts", 50)
	v.SetDefault("session.allowReorder", true)
	v.SetDefault("session.lockTimeout", 300)

	// Snapshot defaults
	v.SetDefault("snapshot.ttlHours", 24)
	v.SetDefault("snapshot.sweepInterval", 300)

	// Lifecycle defaults
	v.SetDefault("lifecycle.autoTerminate", true)
	v.SetDefault("lifecycle.minWorkDuration", 5)
	v.SetDefault("lifecycle.syncOnRestore", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PAIRDEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/pairdev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PAIRDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key
	// naming. AutomaticEnv does not handle camelCase conversion, and
	// STATE_STORE / OTEL_* are unprefixed by contract.
	_ = v.BindEnv("store.backend", "STATE_STORE", "PAIRDEV_STORE_BACKEND")
	_ = v.BindEnv("store.path", "PAIRDEV_STORE_PATH")
	_ = v.BindEnv("store.dsn", "PAIRDEV_STORE_DSN")
	_ = v.BindEnv("sandbox.provider", "PAIRDEV_SANDBOX_PROVIDER")
	_ = v.BindEnv("sandbox.spritesToken", "SPRITES_TOKEN", "PAIRDEV_SANDBOX_SPRITES_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pairdev/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Backend {
	case "memory", "sqlite":
	case "external":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required when store.backend is external")
		}
	default:
		errs = append(errs, "store.backend must be one of: memory, sqlite, external")
	}

	switch cfg.Sandbox.Provider {
	case "local", "docker", "sprites":
	default:
		errs = append(errs, "sandbox.provider must be one of: local, docker, sprites")
	}
	if cfg.Sandbox.Provider == "sprites" && cfg.Sandbox.SpritesToken == "" {
		errs = append(errs, "sandbox.spritesToken is required when sandbox.provider is sprites")
	}

	if cfg.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, "scheduler.maxConcurrent must be positive")
	}
	if cfg.Scheduler.MaxQueued <= 0 {
		errs = append(errs, "scheduler.maxQueued must be positive")
	}
	if cfg.WarmPool.MaxPerKey <= 0 {
		errs = append(errs, "warmPool.maxPerKey must be positive")
	}
	if cfg.Session.MaxPrompts <= 0 {
		errs = append(errs, "session.maxPrompts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
