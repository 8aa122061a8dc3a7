package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level vault configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Audit   AuditConfig   `yaml:"audit"`
	Journal JournalConfig `yaml:"journal"`
}

// StorageConfig locates on-disk state. Session directories live under
// <base_dir>/sessions. ExtraRoots are wiped by an emergency purge alongside
// the sessions root.
type StorageConfig struct {
	BaseDir    string   `yaml:"base_dir"`
	ExtraRoots []string `yaml:"extra_roots,omitempty"`
}

// SessionsDir returns the root holding one directory per live session.
func (s StorageConfig) SessionsDir() string {
	return filepath.Join(s.BaseDir, "sessions")
}

// SessionConfig controls session lifetime and admission.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CreateRate    float64       `yaml:"create_rate"`  // sessions per second; 0 = unlimited
	CreateBurst   int           `yaml:"create_burst"` // bucket size when create_rate > 0
	MaxSessions   int           `yaml:"max_sessions"` // 0 = unlimited
}

// CryptoConfig holds document encryption parameters.
type CryptoConfig struct {
	KDFIterations int `yaml:"kdf_iterations"`
}

// CleanupConfig holds destruction defaults.
type CleanupConfig struct {
	DefaultLevel    string `yaml:"default_level"` // minimal, standard, thorough, emergency
	OnShutdown      bool   `yaml:"on_shutdown"`
	VerifyOverwrite bool   `yaml:"verify_overwrite"`
}

// LoggerConfig holds structured logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stderr, stdout, or file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Path              string        `yaml:"path"`
	MaxAge            time.Duration `yaml:"max_age"`            // 0 = keep forever
	MaxSize           string        `yaml:"max_size"`           // e.g. "100MB"; empty = no limit
	RetentionInterval time.Duration `yaml:"retention_interval"` // how often retention runs
}

// JournalConfig holds the cleanup journal settings.
type JournalConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"` // 0 = keep forever; pruned daily otherwise
}

// defaultDataDir returns $HOME/.sessionvault, or ./data if $HOME cannot be
// determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".sessionvault")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{BaseDir: defaultDataDir()},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Crypto: CryptoConfig{KDFIterations: 100_000},
		Cleanup: CleanupConfig{
			DefaultLevel: "standard",
			OnShutdown:   true,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop"},
		Audit: AuditConfig{
			Enabled:           true,
			MaxAge:            90 * 24 * time.Hour,
			RetentionInterval: 24 * time.Hour,
		},
		Journal: JournalConfig{Enabled: true, MaxAge: 30 * 24 * time.Hour},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths fills file locations that default to the base directory.
func (c *Config) resolvePaths() {
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.Storage.BaseDir, "audit.jsonl")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Storage.BaseDir, "journal.db")
	}
}

// ApplyEnvOverrides maps SESSIONVAULT_* env vars to config fields. Values
// that fail to parse are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SESSIONVAULT_BASE_DIR"); v != "" {
		cfg.Storage.BaseDir = v
	}
	if v := os.Getenv("SESSIONVAULT_EXTRA_ROOTS"); v != "" {
		cfg.Storage.ExtraRoots = splitAndTrim(v, ",")
	}
	if d, ok := envDuration("SESSIONVAULT_IDLE_TIMEOUT"); ok {
		cfg.Session.IdleTimeout = d
	}
	if d, ok := envDuration("SESSIONVAULT_SWEEP_INTERVAL"); ok {
		cfg.Session.SweepInterval = d
	}
	if v := os.Getenv("SESSIONVAULT_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxSessions = n
		}
	}
	if v := os.Getenv("SESSIONVAULT_KDF_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Crypto.KDFIterations = n
		}
	}
	if v := os.Getenv("SESSIONVAULT_CLEANUP_LEVEL"); v != "" {
		cfg.Cleanup.DefaultLevel = v
	}
	if v := os.Getenv("SESSIONVAULT_CLEANUP_ON_SHUTDOWN"); v != "" {
		cfg.Cleanup.OnShutdown = v == "true"
	}
	if v := os.Getenv("SESSIONVAULT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SESSIONVAULT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SESSIONVAULT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SESSIONVAULT_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("SESSIONVAULT_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("SESSIONVAULT_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseByteSize parses a human-readable size string (e.g. "100MB", "1GB").
// The empty string is 0.
func ParseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.ToUpper(strings.TrimSpace(s))

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse size %q: negative", s)
	}
	return n * multiplier, nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
