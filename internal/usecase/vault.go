package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sessionvault/internal/adapter/journal"
	"sessionvault/internal/domain"
	"sessionvault/internal/infra/config"
	"sessionvault/internal/infra/logger"
	"sessionvault/internal/security"
	"sessionvault/internal/usecase/scheduling"
)

// Vault is the single entry point callers use. It is built once at process
// start and owns the session manager, the cleanup orchestrator, the shared
// scheduler and the audit and journal sinks.
type Vault struct {
	sessions  *SessionManager
	cleanup   *CleanupManager
	scheduler *scheduling.Scheduler
	fileAudit *security.FileAuditLogger // nil when audit is disabled
	audit     domain.AuditLogger
	journal   domain.CleanupJournal
	cfg       *config.Config
	logger    *slog.Logger

	registerOnce sync.Once
	registerErr  error
	startOnce    sync.Once
	startErr     error
	closeOnce sync.Once
	closeErr  error
}

// NewVault wires a vault from cfg. Storage, audit and journal files are
// created as needed.
func NewVault(cfg *config.Config, log *slog.Logger) (*Vault, error) {
	var cleanups []func()
	fail := func(err error) (*Vault, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	level, err := domain.ParseCleanupLevel(cfg.Cleanup.DefaultLevel)
	if err != nil {
		return nil, err
	}

	// 1. Storage
	sandbox, err := security.NewSandbox(cfg.Storage.SessionsDir())
	if err != nil {
		return nil, domain.NewDomainError("NewVault", domain.ErrResource, err.Error())
	}
	files := security.NewFileOps(sandbox, log)
	log.Info("session storage ready", "root", sandbox.Root())

	sealer, err := security.NewSealer(cfg.Crypto.KDFIterations)
	if err != nil {
		return nil, err
	}

	// 2. Audit
	v := &Vault{cfg: cfg, logger: log, audit: domain.NopAuditLogger{}, journal: journal.Noop{}}
	if cfg.Audit.Enabled {
		fa, err := security.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return fail(fmt.Errorf("audit: %w", err))
		}
		maxSize, err := config.ParseByteSize(cfg.Audit.MaxSize)
		if err != nil {
			fa.Close()
			return fail(fmt.Errorf("audit: %w", err))
		}
		fa.SetRetention(security.RetentionPolicy{MaxAge: cfg.Audit.MaxAge, MaxSize: maxSize})
		cleanups = append(cleanups, func() { fa.Close() })
		v.fileAudit = fa
		v.audit = security.NewComplianceAuditLogger(fa)
		log.Info("audit logging enabled", "path", cfg.Audit.Path)
	}

	// 3. Journal
	if cfg.Journal.Enabled {
		j, err := journal.NewSQLiteJournal(cfg.Journal.Path)
		if err != nil {
			return fail(fmt.Errorf("journal: %w", err))
		}
		cleanups = append(cleanups, func() { j.Close() })
		v.journal = j
		log.Info("cleanup journal enabled", "path", cfg.Journal.Path)
	}

	var protected []string
	if cfg.Audit.Enabled {
		protected = append(protected, cfg.Audit.Path)
	}
	if cfg.Journal.Enabled {
		protected = append(protected, cfg.Journal.Path)
	}

	// 4. Session manager and cleanup orchestrator share one scheduler.
	v.scheduler = scheduling.NewScheduler(log)
	v.sessions = NewSessionManager(files, sealer, v.scheduler, v.audit, SessionManagerConfig{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		CreateRate:    cfg.Session.CreateRate,
		CreateBurst:   cfg.Session.CreateBurst,
		MaxSessions:   cfg.Session.MaxSessions,
		DeletePasses:  level.Passes(),
	}, log)
	v.cleanup = NewCleanupManager(v.sessions, files, v.journal, v.scheduler, v.audit, CleanupManagerConfig{
		DefaultLevel:    level,
		OnShutdown:      cfg.Cleanup.OnShutdown,
		VerifyOverwrite: cfg.Cleanup.VerifyOverwrite,
		ExtraRoots:      cfg.Storage.ExtraRoots,
		Protected:       protected,
	}, log)
	return v, nil
}

// Sessions exposes the session manager.
func (v *Vault) Sessions() *SessionManager { return v.sessions }

// Cleanup exposes the cleanup orchestrator.
func (v *Vault) Cleanup() *CleanupManager { return v.cleanup }

// Start registers the maintenance tasks and starts the scheduler: the idle
// session sweep, audit retention and journal pruning. Only the first call
// has any effect.
func (v *Vault) Start(ctx context.Context) error {
	v.startOnce.Do(func() { v.startErr = v.start(ctx) })
	return v.startErr
}

func (v *Vault) start(ctx context.Context) error {
	if err := v.registerTasks(); err != nil {
		return err
	}
	if err := v.sessions.StartSweeper(ctx); err != nil {
		return err
	}
	// The scheduler runs even when the sweep is disabled.
	return v.scheduler.Start(ctx)
}

// Maintenance lists the maintenance jobs and pending scheduled cleanups
// with their next run, soonest first. On a vault that was never started it
// reports the plan Start would put in place.
func (v *Vault) Maintenance() ([]scheduling.Entry, error) {
	if err := v.registerTasks(); err != nil {
		return nil, err
	}
	return v.scheduler.Entries(), nil
}

func (v *Vault) registerTasks() error {
	v.registerOnce.Do(func() { v.registerErr = v.addMaintenanceJobs() })
	return v.registerErr
}

func (v *Vault) addMaintenanceJobs() error {
	if v.fileAudit != nil && v.cfg.Audit.RetentionInterval > 0 {
		fa := v.fileAudit
		v.scheduler.Handle(scheduling.JobAuditRetention, func(ctx context.Context) error {
			n, err := fa.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			return v.audit.Log(ctx, domain.AuditEvent{
				Type:    domain.AuditRetention,
				Detail:  map[string]string{"removed": fmt.Sprint(n)},
				Outcome: "success",
			})
		})
		if err := v.scheduler.Every("audit-retention", v.cfg.Audit.RetentionInterval.String(), scheduling.JobAuditRetention); err != nil {
			return err
		}
	}

	if v.cfg.Journal.Enabled && v.cfg.Journal.MaxAge > 0 {
		maxAge := v.cfg.Journal.MaxAge
		v.scheduler.Handle(scheduling.JobJournalPrune, func(ctx context.Context) error {
			n, err := v.cleanup.PruneHistory(ctx, maxAge)
			if n > 0 {
				v.logger.Info("cleanup journal pruned", "removed", n)
			}
			return err
		})
		if err := v.scheduler.Every("journal-prune", "@daily", scheduling.JobJournalPrune); err != nil {
			return err
		}
	}

	return v.sessions.registerSweep()
}

// Close runs the shutdown cleanup when configured, closes every remaining
// session key, stops the scheduler and closes the audit log and journal.
// Calling it more than once returns the first result.
func (v *Vault) Close(ctx context.Context) error {
	v.closeOnce.Do(func() {
		var errs []error
		if err := v.cleanup.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := v.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := v.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		if err := v.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
		v.closeErr = errors.Join(errs...)
	})
	return v.closeErr
}

// failed logs err at a level matching its kind and returns false.
func (v *Vault) failed(op, id string, err error) bool {
	attrs := []any{logger.SessionAttr(id), "op", op, "code", string(domain.ErrorCodeOf(err)), "error", err}
	switch domain.KindOf(err) {
	case domain.KindNotFound, domain.KindValidation:
		v.logger.Debug("vault operation rejected", attrs...)
	case domain.KindAuthentication:
		v.logger.Warn("vault operation failed authentication", attrs...)
	default:
		v.logger.Error("vault operation failed", attrs...)
	}
	return false
}

// CreateSession starts a session for userID and returns its identifier.
func (v *Vault) CreateSession(ctx context.Context, userID string, metadata map[string]any) (string, error) {
	return v.sessions.Create(ctx, userID, metadata)
}

// StoreData encrypts doc as document name of the session. It reports
// whether the document was written.
func (v *Vault) StoreData(ctx context.Context, sessionID, name string, doc any) bool {
	if err := v.sessions.Store(ctx, sessionID, name, doc); err != nil {
		return v.failed("StoreData", sessionID, err)
	}
	return true
}

// LoadData decrypts document name of the session. The boolean is false when
// the session or document does not exist or fails authentication.
func (v *Vault) LoadData(ctx context.Context, sessionID, name string) (json.RawMessage, bool) {
	data, err := v.sessions.Load(ctx, sessionID, name)
	if err != nil {
		return nil, v.failed("LoadData", sessionID, err)
	}
	return data, true
}

// ListSessionFiles returns the document names of the session.
func (v *Vault) ListSessionFiles(ctx context.Context, sessionID string) ([]string, bool) {
	names, err := v.sessions.ListFiles(ctx, sessionID)
	if err != nil {
		return nil, v.failed("ListSessionFiles", sessionID, err)
	}
	return names, true
}

// DeleteSessionFile securely deletes one document of the session.
func (v *Vault) DeleteSessionFile(ctx context.Context, sessionID, name string) bool {
	if err := v.sessions.DeleteFile(ctx, sessionID, name); err != nil {
		return v.failed("DeleteSessionFile", sessionID, err)
	}
	return true
}

// DestroySession ends the session and deletes its documents.
func (v *Vault) DestroySession(ctx context.Context, sessionID string) bool {
	if err := v.sessions.Destroy(ctx, sessionID); err != nil {
		return v.failed("DestroySession", sessionID, err)
	}
	return true
}

// CleanupSession runs the cleanup orchestrator on one session. An empty
// level selects the configured default.
func (v *Vault) CleanupSession(ctx context.Context, sessionID string, level domain.CleanupLevel) *domain.CleanupResult {
	return v.cleanup.CleanupSession(ctx, sessionID, level, false)
}

// EmergencyCleanup destroys every session and wipes all storage roots.
func (v *Vault) EmergencyCleanup(ctx context.Context) *domain.CleanupResult {
	return v.cleanup.EmergencyCleanup(ctx)
}
