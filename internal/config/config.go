// ABOUTME: Configuration loading and parsing for carelink-core
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Argon2 floors accepted outside of tests.
const (
	MinArgon2Time      = 1
	MinArgon2MemoryKiB = 16 * 1024
	MinArgon2Threads   = 1
)

// Config represents the complete carelink-core configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Backup    BackupConfig    `yaml:"backup" toml:"backup"`
	Crypto    CryptoConfig    `yaml:"crypto" toml:"crypto"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Companion CompanionConfig `yaml:"companion" toml:"companion"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// BackupConfig holds backup folder and scheduling configuration
type BackupConfig struct {
	Dir           string `yaml:"dir" toml:"dir"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"` // negative disables rotation
	OnClose       bool   `yaml:"on_close" toml:"on_close"`

	AutoInterval    time.Duration `yaml:"-" toml:"-"`
	AutoIntervalRaw string        `yaml:"auto_interval" toml:"auto_interval"`
}

// CryptoConfig holds the argon2id cost parameters used for key derivation
type CryptoConfig struct {
	Argon2Time      uint32 `yaml:"argon2_time" toml:"argon2_time"`
	Argon2MemoryKiB uint32 `yaml:"argon2_memory_kib" toml:"argon2_memory_kib"`
	Argon2Threads   uint8  `yaml:"argon2_threads" toml:"argon2_threads"`
}

// SessionConfig holds login session configuration
type SessionConfig struct {
	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// CompanionConfig holds the supervised analysis process configuration
type CompanionConfig struct {
	Executable  string   `yaml:"executable" toml:"executable"`
	Args        []string `yaml:"args" toml:"args"`
	WorkDir     string   `yaml:"work_dir" toml:"work_dir"`
	Probe       string   `yaml:"probe" toml:"probe"` // http or grpc
	HealthURL   string   `yaml:"health_url" toml:"health_url"`
	GRPCAddr    string   `yaml:"grpc_addr" toml:"grpc_addr"`
	MaxRestarts int      `yaml:"max_restarts" toml:"max_restarts"`
	AutoRestart bool     `yaml:"auto_restart" toml:"auto_restart"`

	ProbeTimeout   time.Duration `yaml:"-" toml:"-"`
	StartupTimeout time.Duration `yaml:"-" toml:"-"`
	StopTimeout    time.Duration `yaml:"-" toml:"-"`
	HealthInterval time.Duration `yaml:"-" toml:"-"`
	BackoffBase    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ProbeTimeoutRaw   string `yaml:"probe_timeout" toml:"probe_timeout"`
	StartupTimeoutRaw string `yaml:"startup_timeout" toml:"startup_timeout"`
	StopTimeoutRaw    string `yaml:"stop_timeout" toml:"stop_timeout"`
	HealthIntervalRaw string `yaml:"health_interval" toml:"health_interval"`
	BackoffBaseRaw    string `yaml:"backoff_base" toml:"backoff_base"`
}

// Enabled reports whether a companion executable is configured.
func (c CompanionConfig) Enabled() bool {
	return c.Executable != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a runnable configuration rooted at dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{
		Database: DatabaseConfig{Path: filepath.Join(dataDir, "carelink.db")},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Marshal renders the configuration as YAML, durations included.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	out.Backup.AutoIntervalRaw = formatDuration(c.Backup.AutoInterval)
	out.Session.TTLRaw = formatDuration(c.Session.TTL)
	out.Companion.ProbeTimeoutRaw = formatDuration(c.Companion.ProbeTimeout)
	out.Companion.StartupTimeoutRaw = formatDuration(c.Companion.StartupTimeout)
	out.Companion.StopTimeoutRaw = formatDuration(c.Companion.StopTimeout)
	out.Companion.HealthIntervalRaw = formatDuration(c.Companion.HealthInterval)
	out.Companion.BackoffBaseRaw = formatDuration(c.Companion.BackoffBase)
	return yaml.Marshal(&out)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Backup.Dir == "" && cfg.Database.Path != "" {
		cfg.Backup.Dir = filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
	}
	if cfg.Backup.RetentionDays == 0 {
		cfg.Backup.RetentionDays = 30
	}

	if cfg.Crypto.Argon2Time == 0 {
		cfg.Crypto.Argon2Time = 3
	}
	if cfg.Crypto.Argon2MemoryKiB == 0 {
		cfg.Crypto.Argon2MemoryKiB = 64 * 1024
	}
	if cfg.Crypto.Argon2Threads == 0 {
		cfg.Crypto.Argon2Threads = 4
	}

	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 12 * time.Hour
	}

	c := &cfg.Companion
	if c.Probe == "" {
		c.Probe = "http"
	}
	if c.HealthURL == "" {
		c.HealthURL = "http://127.0.0.1:8003/health"
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 3
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 15 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Backup.AutoInterval < 0 {
		return fmt.Errorf("backup.auto_interval must not be negative")
	}

	if c.Crypto.Argon2Time < MinArgon2Time {
		return fmt.Errorf("crypto.argon2_time must be at least %d", MinArgon2Time)
	}
	if c.Crypto.Argon2MemoryKiB < MinArgon2MemoryKiB {
		return fmt.Errorf("crypto.argon2_memory_kib must be at least %d", MinArgon2MemoryKiB)
	}
	if c.Crypto.Argon2Threads < MinArgon2Threads {
		return fmt.Errorf("crypto.argon2_threads must be at least %d", MinArgon2Threads)
	}

	switch c.Companion.Probe {
	case "http":
		if c.Companion.Enabled() && c.Companion.HealthURL == "" {
			return fmt.Errorf("companion.health_url is required for http probes")
		}
	case "grpc":
		if c.Companion.Enabled() && c.Companion.GRPCAddr == "" {
			return fmt.Errorf("companion.grpc_addr is required for grpc probes")
		}
	default:
		return fmt.Errorf("companion.probe must be http or grpc, got %q", c.Companion.Probe)
	}
	if c.Companion.MaxRestarts < 1 {
		return fmt.Errorf("companion.max_restarts must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backup.auto_interval", cfg.Backup.AutoIntervalRaw, &cfg.Backup.AutoInterval},
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
		{"companion.probe_timeout", cfg.Companion.ProbeTimeoutRaw, &cfg.Companion.ProbeTimeout},
		{"companion.startup_timeout", cfg.Companion.StartupTimeoutRaw, &cfg.Companion.StartupTimeout},
		{"companion.stop_timeout", cfg.Companion.StopTimeoutRaw, &cfg.Companion.StopTimeout},
		{"companion.health_interval", cfg.Companion.HealthIntervalRaw, &cfg.Companion.HealthInterval},
		{"companion.backoff_base", cfg.Companion.BackoffBaseRaw, &cfg.Companion.BackoffBase},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
