package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"sessionvault/internal/domain"
)

// Bounds mirror the ones enforced when sealing documents.
const (
	minKDFIterations = 100_000
	maxKDFIterations = 10_000_000
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateStorage(cfg, ve)
	validateSession(cfg, ve)
	validateCrypto(cfg, ve)
	validateCleanup(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateAudit(cfg, ve)
	if cfg.Journal.MaxAge < 0 {
		ve.Add("journal.max_age must be >= 0")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateStorage(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Storage.BaseDir) == "" {
		ve.Add("storage.base_dir must not be empty")
	}
	for i, r := range cfg.Storage.ExtraRoots {
		if strings.TrimSpace(r) == "" {
			ve.Add("storage.extra_roots[%d] must not be empty", i)
			continue
		}
		// An emergency purge wipes extra roots, so none may hold vault state.
		switch {
		case pathWithin(r, cfg.Storage.BaseDir):
			ve.Add("storage.extra_roots[%d] %q must not contain storage.base_dir", i, r)
		case pathWithin(cfg.Storage.SessionsDir(), r):
			ve.Add("storage.extra_roots[%d] %q must not be inside the sessions root", i, r)
		case cfg.Audit.Enabled && cfg.Audit.Path != "" && pathWithin(r, cfg.Audit.Path):
			ve.Add("storage.extra_roots[%d] %q must not contain audit.path", i, r)
		case cfg.Journal.Enabled && cfg.Journal.Path != "" && pathWithin(r, cfg.Journal.Path):
			ve.Add("storage.extra_roots[%d] %q must not contain journal.path", i, r)
		}
	}
}

// pathWithin reports whether path equals parent or lies beneath it.
func pathWithin(parent, path string) bool {
	if strings.TrimSpace(parent) == "" || strings.TrimSpace(path) == "" {
		return false
	}
	rel, err := filepath.Rel(absClean(parent), absClean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func absClean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.IdleTimeout <= 0 {
		ve.Add("session.idle_timeout must be > 0")
	}
	if s.SweepInterval <= 0 {
		ve.Add("session.sweep_interval must be > 0")
	}
	if s.CreateRate < 0 {
		ve.Add("session.create_rate must be >= 0")
	}
	if s.CreateRate > 0 && s.CreateBurst < 1 {
		ve.Add("session.create_burst must be >= 1 when create_rate is set")
	}
	if s.MaxSessions < 0 {
		ve.Add("session.max_sessions must be >= 0")
	}
}

func validateCrypto(cfg *Config, ve *ValidationError) {
	n := cfg.Crypto.KDFIterations
	if n < minKDFIterations || n > maxKDFIterations {
		ve.Add("crypto.kdf_iterations must be in [%d, %d], got %d", minKDFIterations, maxKDFIterations, n)
	}
}

func validateCleanup(cfg *Config, ve *ValidationError) {
	if _, err := domain.ParseCleanupLevel(cfg.Cleanup.DefaultLevel); err != nil {
		ve.Add("cleanup.default_level %q is not one of minimal, standard, thorough, emergency", cfg.Cleanup.DefaultLevel)
	}
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not valid", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if _, err := ParseByteSize(cfg.Audit.MaxSize); err != nil {
		ve.Add("audit.max_size: %v", err)
	}
	if cfg.Audit.RetentionInterval < 0 {
		ve.Add("audit.retention_interval must be >= 0")
	}
}
