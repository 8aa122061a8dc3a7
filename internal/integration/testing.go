package integration

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"sessionvault/internal/infra/config"
)

// Config holds integration test configuration from environment
type Config struct {
	KDFIterations int
	Sessions      int
	TestTimeout   time.Duration
	SkipSlow      bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	cfg := &Config{
		KDFIterations: 100_000,
		Sessions:      8,
		TestTimeout:   2 * time.Minute,
		SkipSlow:      os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
	if n, err := strconv.Atoi(os.Getenv("SESSIONVAULT_IT_KDF_ITERATIONS")); err == nil {
		cfg.KDFIterations = n
	}
	if n, err := strconv.Atoi(os.Getenv("SESSIONVAULT_IT_SESSIONS")); err == nil && n > 0 {
		cfg.Sessions = n
	}
	return cfg
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewVaultConfig returns a vault config rooted at baseDir with audit and
// journal files beside the sessions root.
func NewVaultConfig(baseDir string, it *Config) *config.Config {
	cfg := config.Defaults()
	cfg.Storage.BaseDir = baseDir
	cfg.Audit.Path = filepath.Join(baseDir, "audit.jsonl")
	cfg.Journal.Path = filepath.Join(baseDir, "journal.db")
	cfg.Crypto.KDFIterations = it.KDFIterations
	cfg.Cleanup.OnShutdown = false
	return cfg
}
