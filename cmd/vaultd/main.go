package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sessionvault/internal/domain"
	"sessionvault/internal/infra/config"
	"sessionvault/internal/infra/logger"
	"sessionvault/internal/infra/tracer"
	"sessionvault/internal/usecase"
	"sessionvault/internal/usecase/scheduling"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "purge":
		err = runPurge(os.Stdout)
	case "status":
		err = runStatus(os.Stdout)
	case "history":
		err = runHistory(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'vaultd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`vaultd - session-scoped encrypted data store

USAGE:
    vaultd [COMMAND] [FLAGS]

COMMANDS:
    purge       Destroy every session and wipe all storage roots
    status      Print storage and memory usage and upcoming maintenance
    history     Print recent cleanup results from the journal

    (no command) - Run the vault until SIGINT or SIGTERM

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)
    --limit N          Number of results printed by history (default: 20)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: SESSIONVAULT_* variables override config`)
}

func configPath() string {
	if p := flagValue("--config"); p != "" {
		return p
	}
	if p := os.Getenv("SESSIONVAULT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// flagValue returns the value of "--name VALUE" or "--name=VALUE" in os.Args.
func flagValue(name string) string {
	for i, arg := range os.Args {
		if arg == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return ""
}

// openVault loads config and builds the logger, tracer and vault. The
// returned func closes them in reverse order.
func openVault(ctx context.Context) (*usecase.Vault, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	vault, err := usecase.NewVault(cfg, log)
	if err != nil {
		tracerShutdown(ctx)
		logCloser()
		return nil, nil, nil, fmt.Errorf("vault: %w", err)
	}

	closeAll := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := vault.Close(shutdownCtx); err != nil {
			log.Error("vault close failed", "error", err)
		}
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
		logCloser()
	}
	return vault, log, closeAll, nil
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vault, log, closeAll, err := openVault(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	if err := vault.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Info("vault running")

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func runPurge(w io.Writer) error {
	ctx := context.Background()
	vault, _, closeAll, err := openVault(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	result := vault.EmergencyCleanup(ctx)
	if err := writeJSON(w, result); err != nil {
		return err
	}
	if result.Status != domain.CleanupCompleted {
		return fmt.Errorf("emergency cleanup %s: %s", result.Status, strings.Join(result.Errors, "; "))
	}
	return nil
}

func runStatus(w io.Writer) error {
	vault, _, closeAll, err := openVault(context.Background())
	if err != nil {
		return err
	}
	defer closeAll()

	usage, err := vault.Cleanup().StorageUsage()
	if err != nil {
		return err
	}
	plan, err := vault.Maintenance()
	if err != nil {
		return err
	}
	return writeJSON(w, statusReport{
		Usage:       usage,
		Memory:      vault.Cleanup().MemoryUsage(),
		Maintenance: plan,
	})
}

// statusReport is the output of "vaultd status".
type statusReport struct {
	Usage       *domain.StorageUsage `json:"usage"`
	Memory      *domain.MemoryUsage  `json:"memory"`
	Maintenance []scheduling.Entry   `json:"maintenance"`
}

func runHistory(w io.Writer) error {
	limit := 20
	if v := flagValue("--limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid --limit %q", v)
		}
		limit = n
	}

	ctx := context.Background()
	vault, _, closeAll, err := openVault(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	results, err := vault.Cleanup().RecentHistory(ctx, limit)
	if err != nil {
		return err
	}
	if results == nil {
		results = []domain.CleanupResult{}
	}
	return writeJSON(w, results)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
