package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"sessionvault/internal/domain"
	"sessionvault/internal/infra/logger"
	"sessionvault/internal/infra/tracer"
	"sessionvault/internal/security"
	"sessionvault/internal/usecase/scheduling"
)

// emergencyKey is the active-table slot of an emergency purge. Session ids
// are never empty, so it cannot collide.
const emergencyKey = ""

// defaultRetainedResults caps the finished results Status keeps in memory.
const defaultRetainedResults = 1024

// CleanupManagerConfig controls destruction defaults.
type CleanupManagerConfig struct {
	DefaultLevel    domain.CleanupLevel
	OnShutdown      bool     // clean every session at standard level on Shutdown
	VerifyOverwrite bool     // read back the final pass at every level, not only thorough+
	ExtraRoots      []string // wiped by EmergencyCleanup alongside the sessions root
	Protected       []string // files an emergency wipe must never reach (journal, audit log)
	RetainResults   int      // finished results kept for Status; 0 = defaultRetainedResults
}

type inflight struct {
	snapshot *domain.CleanupResult // guarded by CleanupManager.mu
	done     chan struct{}
}

// CleanupManager destroys session data in phases: detach the session,
// shred its files, scrub memory and verify nothing is left.
type CleanupManager struct {
	sessions    *SessionManager
	files       *security.FileOps
	journal     domain.CleanupJournal
	scheduler   *scheduling.Scheduler
	auditLogger domain.AuditLogger
	config      CleanupManagerConfig
	logger      *slog.Logger

	mu         sync.Mutex
	active     map[string]*inflight
	last       map[string]*domain.CleanupResult
	lastOrder  []string // keys of last, oldest first
	callbacks  []func(domain.CleanupResult)
	procedures []func(context.Context) error
}

// NewCleanupManager creates a cleanup orchestrator over sessions. files must
// be rooted at the sessions directory. journal, scheduler and auditLogger may
// be nil.
func NewCleanupManager(
	sessions *SessionManager,
	files *security.FileOps,
	journal domain.CleanupJournal,
	scheduler *scheduling.Scheduler,
	auditLogger domain.AuditLogger,
	cfg CleanupManagerConfig,
	logger *slog.Logger,
) *CleanupManager {
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = domain.CleanupStandard
	}
	if cfg.RetainResults <= 0 {
		cfg.RetainResults = defaultRetainedResults
	}
	if scheduler == nil {
		scheduler = sessions.scheduler
	}
	if auditLogger == nil {
		auditLogger = domain.NopAuditLogger{}
	}
	return &CleanupManager{
		sessions:    sessions,
		files:       files,
		journal:     journal,
		scheduler:   scheduler,
		auditLogger: auditLogger,
		config:      cfg,
		logger:      logger,
		active:      make(map[string]*inflight),
		last:        make(map[string]*domain.CleanupResult),
	}
}

// RegisterCallback adds fn to the callbacks invoked with the final result of
// every cleanup that ran. Cleanups rejected before starting (bad level or
// id, already in progress) do not reach fn. Panics in fn are recovered and
// logged.
func (c *CleanupManager) RegisterCallback(fn func(domain.CleanupResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// RegisterEmergencyProcedure adds fn to the procedures run first by
// EmergencyCleanup. Errors and panics are recorded in the emergency result.
func (c *CleanupManager) RegisterEmergencyProcedure(fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procedures = append(c.procedures, fn)
}

func newResultID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// acquire claims the active slot for key. A busy slot fails unless force is
// set, in which case acquire waits for the running cleanup to finish.
func (c *CleanupManager) acquire(ctx context.Context, key string, result *domain.CleanupResult, force bool) (*inflight, error) {
	for {
		c.mu.Lock()
		prev, busy := c.active[key]
		if !busy {
			slot := &inflight{snapshot: result.Clone(), done: make(chan struct{})}
			c.active[key] = slot
			c.mu.Unlock()
			return slot, nil
		}
		c.mu.Unlock()

		if !force {
			return nil, domain.ErrCleanupInProgress
		}
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// publish makes the current progress of result visible to Status.
func (c *CleanupManager) publish(slot *inflight, result *domain.CleanupResult) {
	snap := result.Clone()
	c.mu.Lock()
	slot.snapshot = snap
	c.mu.Unlock()
}

func (c *CleanupManager) release(key string, slot *inflight, final *domain.CleanupResult) {
	c.mu.Lock()
	if c.active[key] == slot {
		delete(c.active, key)
	}
	c.remember(key, final.Clone())
	c.mu.Unlock()
	close(slot.done)
}

// remember stores r as the last result for key and evicts the oldest keys
// beyond RetainResults. Callers hold c.mu.
func (c *CleanupManager) remember(key string, r *domain.CleanupResult) {
	if _, seen := c.last[key]; seen {
		if i := slices.Index(c.lastOrder, key); i >= 0 {
			c.lastOrder = slices.Delete(c.lastOrder, i, i+1)
		}
	}
	c.last[key] = r
	c.lastOrder = append(c.lastOrder, key)
	for len(c.lastOrder) > c.config.RetainResults {
		delete(c.last, c.lastOrder[0])
		c.lastOrder = c.lastOrder[1:]
	}
}

// CleanupSession destroys one session at level (the configured default when
// empty). A second call for the same id while one runs fails with
// ErrCleanupInProgress; with force it waits and then runs. The returned
// result is always terminal.
func (c *CleanupManager) CleanupSession(ctx context.Context, id string, level domain.CleanupLevel, force bool) *domain.CleanupResult {
	if level == "" {
		level = c.config.DefaultLevel
	}
	ctx, span := tracer.StartSpan(ctx, "cleanup.session", trace.WithAttributes(
		tracer.StringAttr("cleanup.level", string(level)),
		tracer.StringAttr("session", logger.SessionAttr(id).Value.String()),
		tracer.BoolAttr("cleanup.force", force),
	))
	defer span.End()

	result := &domain.CleanupResult{
		ID:        newResultID(),
		Status:    domain.CleanupPending,
		Level:     level,
		SessionID: id,
		StartedAt: time.Now(),
	}

	if _, err := domain.ParseCleanupLevel(string(level)); err != nil {
		return c.reject(ctx, span, result, err)
	}
	if err := security.ValidateName(id); err != nil {
		return c.reject(ctx, span, result, domain.NewDomainError("CleanupManager.CleanupSession", domain.ErrSessionNotFound, "invalid session id"))
	}

	slot, err := c.acquire(ctx, id, result, force)
	if err != nil {
		return c.reject(ctx, span, result, err)
	}

	result.Status = domain.CleanupInProgress
	c.publish(slot, result)
	c.logger.Info("cleanup started", logger.SessionAttr(id), "level", string(level), "id", result.ID)

	actor := c.runSessionPhases(ctx, slot, result)

	c.finalize(result)
	c.release(id, slot, result)
	c.report(ctx, span, result, domain.AuditCleanupSession, actor)
	return result.Clone()
}

// runSessionPhases executes the destructive phases and returns the owner of
// the session when it was still live.
func (c *CleanupManager) runSessionPhases(ctx context.Context, slot *inflight, result *domain.CleanupResult) string {
	id, level := result.SessionID, result.Level
	actor := "system"

	// Phase 1: detach the record and close the key.
	d, err := c.sessions.Detach(ctx, id)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		result.AddWarning("session not active; cleaning storage only")
	case err != nil:
		result.AddError("detach session: %v", err)
	}
	if d != nil && d.UserID != "" {
		actor = d.UserID
	}
	c.publish(slot, result)

	// Phase 2: shred files and remove the directory.
	if c.files.Exists(id, "") {
		c.shredSessionDir(id, level, result)
	}
	c.publish(slot, result)

	// Phase 3: memory scrub.
	if level.ScrubsMemory() {
		scrubMemory(result)
		c.publish(slot, result)
	}

	// Phase 4: verification.
	if level.Verifies() {
		c.verifySession(id, result)
	}
	return actor
}

func (c *CleanupManager) shredSessionDir(id string, level domain.CleanupLevel, result *domain.CleanupResult) {
	ops := c.files
	if level.VerifiesOverwrite() || c.config.VerifyOverwrite {
		ops = ops.Verifying()
	}
	res, err := ops.CleanupDirectory(id, level.Passes(), id)
	if res != nil {
		result.FilesDeleted += res.FilesDeleted
		result.BytesProcessed += res.BytesProcessed
		result.Errors = append(result.Errors, res.Errors...)
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		result.AddError("clean session directory: %v", err)
	}
	if err := ops.RemoveDir(id, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		result.AddError("remove session directory: %v", err)
	}
}

// scrubMemory returns freed heap to the OS. Key buffers were zeroed when
// their sessions were detached; this only narrows the window for copies the
// runtime made.
func scrubMemory(result *domain.CleanupResult) {
	runtime.GC()
	debug.FreeOSMemory()
	result.MemoryCleared = true
}

func (c *CleanupManager) verifySession(id string, result *domain.CleanupResult) {
	passed := true
	if c.sessions.Exists(id) {
		result.AddError("session still resolves after cleanup")
		passed = false
	}
	if c.files.Exists(id, "") {
		result.AddError("session directory still exists")
		passed = false
	}
	for _, root := range c.extraRootOps() {
		entries, err := root.ListDirectory(root.Sandbox().Root(), "")
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.Contains(e.Name, id) {
				result.AddWarning("possible session residue: %s", e.Path)
			}
		}
	}
	result.VerificationPassed = passed
}

// CleanupAll cleans every session in the table at level. Sessions already
// being cleaned yield a failed result carrying ErrCleanupInProgress.
func (c *CleanupManager) CleanupAll(ctx context.Context, level domain.CleanupLevel) []*domain.CleanupResult {
	return c.cleanupAll(ctx, level, false)
}

func (c *CleanupManager) cleanupAll(ctx context.Context, level domain.CleanupLevel, force bool) []*domain.CleanupResult {
	ids := c.sessions.SessionIDs()
	if len(ids) > 0 {
		c.logger.Info("cleaning all sessions", "count", len(ids), "level", string(level))
	}
	results := make([]*domain.CleanupResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, c.CleanupSession(ctx, id, level, force))
	}
	return results
}

// EmergencyCleanup runs the registered emergency procedures, destroys every
// session at emergency level and wipes the contents of all storage roots.
// The roots themselves are kept. It never panics.
func (c *CleanupManager) EmergencyCleanup(ctx context.Context) (result *domain.CleanupResult) {
	ctx, span := tracer.StartSpan(ctx, "cleanup.emergency")
	defer span.End()

	result = &domain.CleanupResult{
		ID:        newResultID(),
		Status:    domain.CleanupPending,
		Level:     domain.CleanupEmergency,
		StartedAt: time.Now(),
	}
	slot, err := c.acquire(ctx, emergencyKey, result, true)
	if err != nil {
		return c.reject(ctx, span, result, err)
	}

	released := false
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("emergency cleanup panicked", "panic", r)
			result.AddError("emergency cleanup aborted: %v", r)
			result.Status = domain.CleanupFailed
			result.CompletedAt = time.Now()
			if !released {
				c.release(emergencyKey, slot, result)
			}
			tracer.RecordError(span, fmt.Errorf("panic: %v", r))
			result = result.Clone()
		}
	}()

	result.Status = domain.CleanupInProgress
	c.publish(slot, result)
	c.logger.Warn("emergency cleanup initiated", "id", result.ID)

	// Phase 1: registered procedures.
	c.mu.Lock()
	procedures := slices.Clone(c.procedures)
	c.mu.Unlock()
	for i, proc := range procedures {
		if err := runProcedure(ctx, proc); err != nil {
			result.AddError("emergency procedure %d: %v", i, err)
		}
	}
	c.publish(slot, result)

	// Phase 2: every live session.
	for _, r := range c.cleanupAll(ctx, domain.CleanupEmergency, true) {
		result.FilesDeleted += r.FilesDeleted
		result.BytesProcessed += r.BytesProcessed
		result.Errors = append(result.Errors, r.Errors...)
	}
	c.publish(slot, result)

	// Phase 3: storage roots.
	passes := domain.CleanupEmergency.Passes()
	extra, skipped := c.extraRoots()
	for _, root := range skipped {
		result.AddWarning("extra root %s overlaps vault state; not wiped", root)
	}
	roots := append([]*security.FileOps{c.files}, extra...)
	for _, ops := range roots {
		root := ops.Sandbox().Root()
		res, err := ops.Verifying().CleanupDirectory(root, passes, "")
		if res != nil {
			result.FilesDeleted += res.FilesDeleted
			result.BytesProcessed += res.BytesProcessed
			result.Errors = append(result.Errors, res.Errors...)
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			result.AddError("wipe %s: %v", root, err)
		}
	}
	c.publish(slot, result)

	// Phase 4: memory scrub.
	scrubMemory(result)

	// Phase 5: verification.
	passed := true
	if n := len(c.sessions.SessionIDs()); n > 0 {
		result.AddError("%d sessions still active after emergency cleanup", n)
		passed = false
	}
	for _, ops := range roots {
		root := ops.Sandbox().Root()
		files, dirs, _, err := ops.Usage(root, "")
		switch {
		case err != nil:
			result.AddError("verify %s: %v", root, err)
			passed = false
		case files > 0 || dirs > 0:
			result.AddError("%s still holds %d files and %d directories", root, files, dirs)
			passed = false
		}
	}
	result.VerificationPassed = passed

	c.finalize(result)
	c.release(emergencyKey, slot, result)
	released = true
	c.report(ctx, span, result, domain.AuditCleanupEmergency, "system")
	c.logger.Warn("emergency cleanup finished", "id", result.ID, "status", string(result.Status),
		"files", result.FilesDeleted, "errors", len(result.Errors))
	return result.Clone()
}

func runProcedure(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// extraRootOps returns file operations for every configured extra root that
// currently exists and holds no vault state.
func (c *CleanupManager) extraRootOps() []*security.FileOps {
	ops, _ := c.extraRoots()
	return ops
}

// extraRoots splits the existing extra roots into wipeable ones and those
// that overlap the sessions root or a protected file.
func (c *CleanupManager) extraRoots() (ops []*security.FileOps, skipped []string) {
	sessionsRoot := c.files.Sandbox()
	for _, root := range c.config.ExtraRoots {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			continue
		}
		sandbox, err := security.NewSandbox(root)
		if err != nil {
			c.logger.Warn("skipping storage root", "root", root, "error", err)
			continue
		}
		if c.overlapsVaultState(sandbox, sessionsRoot) {
			c.logger.Error("extra root overlaps vault state, skipping", "root", sandbox.Root())
			skipped = append(skipped, sandbox.Root())
			continue
		}
		ops = append(ops, security.NewFileOps(sandbox, c.logger))
	}
	return ops, skipped
}

func (c *CleanupManager) overlapsVaultState(extra, sessionsRoot *security.Sandbox) bool {
	if extra.Contains(sessionsRoot.Root()) || sessionsRoot.Contains(extra.Root()) {
		return true
	}
	for _, p := range c.config.Protected {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil && extra.Contains(abs) {
			return true
		}
	}
	return false
}

// reject finalizes a result for an operation that could not run. Rejected
// results are returned to the caller only: callbacks, the journal and the
// audit log see cleanups that went through their phases.
func (c *CleanupManager) reject(ctx context.Context, span trace.Span, result *domain.CleanupResult, err error) *domain.CleanupResult {
	result.AddError("%v", err)
	result.Status = domain.CleanupFailed
	result.CompletedAt = time.Now()
	c.logger.Warn("cleanup not started", logger.SessionAttr(result.SessionID), "error", err)
	tracer.RecordError(span, err)
	return result.Clone()
}

func (c *CleanupManager) finalize(result *domain.CleanupResult) {
	result.CompletedAt = time.Now()
	if len(result.Errors) == 0 {
		result.Status = domain.CleanupCompleted
	} else {
		result.Status = domain.CleanupPartial
	}
}

// report journals, audits and traces a finalized result, then runs the
// callbacks.
func (c *CleanupManager) report(ctx context.Context, span trace.Span, result *domain.CleanupResult, typ domain.AuditEventType, actor string) {
	span.SetAttributes(
		tracer.StringAttr("cleanup.id", result.ID),
		tracer.StringAttr("cleanup.status", string(result.Status)),
		tracer.IntAttr("cleanup.files_deleted", result.FilesDeleted),
		tracer.Int64Attr("cleanup.bytes_processed", result.BytesProcessed),
		tracer.BoolAttr("cleanup.verified", result.VerificationPassed),
	)
	if result.Status == domain.CleanupCompleted {
		tracer.SetOK(span)
	} else {
		tracer.RecordError(span, errors.New(strings.Join(result.Errors, "; ")))
	}

	if c.journal != nil {
		if err := c.journal.Record(ctx, *result); err != nil {
			c.logger.Warn("cleanup journal write failed", "id", result.ID, "error", err)
		}
	}

	event := domain.AuditEvent{
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Actor:     actor,
		Action:    string(typ),
		Outcome:   string(result.Status),
		Detail: map[string]string{
			"cleanup_id":    result.ID,
			"level":         string(result.Level),
			"files_deleted": strconv.Itoa(result.FilesDeleted),
			"verified":      strconv.FormatBool(result.VerificationPassed),
		},
	}
	if result.SessionID != "" {
		event.Resource = security.SessionResource(result.SessionID)
	}
	if err := c.auditLogger.Log(ctx, event); err != nil {
		c.logger.Warn("audit log failed", "event", string(typ), "error", err)
	}

	c.logger.Info("cleanup finished", logger.SessionAttr(result.SessionID),
		"id", result.ID, "status", string(result.Status), "files", result.FilesDeleted,
		"bytes", result.BytesProcessed, "duration", result.Duration())
	c.notify(*result)
}

func (c *CleanupManager) notify(result domain.CleanupResult) {
	c.mu.Lock()
	callbacks := slices.Clone(c.callbacks)
	c.mu.Unlock()
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("cleanup callback panicked", "id", result.ID, "panic", r)
				}
			}()
			fn(*result.Clone())
		}()
	}
}

// Status returns the progress of the cleanup running for sessionID, or the
// last result recorded for it by this process. Only the most recent
// RetainResults finished results are kept; Lookup also consults the
// journal. An empty sessionID selects the emergency purge.
func (c *CleanupManager) Status(sessionID string) (*domain.CleanupResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok := c.active[sessionID]; ok {
		return slot.snapshot.Clone(), true
	}
	if r, ok := c.last[sessionID]; ok {
		return r.Clone(), true
	}
	return nil, false
}

// Lookup is Status with a fallback to the newest journaled result for
// sessionID. It returns nil when neither knows the session.
func (c *CleanupManager) Lookup(ctx context.Context, sessionID string) (*domain.CleanupResult, error) {
	if r, ok := c.Status(sessionID); ok {
		return r, nil
	}
	history, err := c.History(ctx, sessionID, 1)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return &history[0], nil
}

// ActiveCleanups returns snapshots of the cleanups currently running, keyed
// by session id.
func (c *CleanupManager) ActiveCleanups() map[string]*domain.CleanupResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*domain.CleanupResult, len(c.active))
	for k, slot := range c.active {
		out[k] = slot.snapshot.Clone()
	}
	return out
}

func scheduledCleanupID(sessionID string) string {
	return "cleanup-" + sessionID
}

// ScheduleCleanup arranges a one-shot cleanup of sessionID at the default
// level after delay. The timer only fires while the scheduler is running.
func (c *CleanupManager) ScheduleCleanup(sessionID string, delay time.Duration) error {
	const op = "CleanupManager.ScheduleCleanup"
	if err := security.ValidateName(sessionID); err != nil {
		return domain.NewDomainError(op, domain.ErrSessionNotFound, "invalid session id")
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	err := c.scheduler.After(scheduledCleanupID(sessionID), delay, func(ctx context.Context) error {
		r := c.CleanupSession(ctx, sessionID, c.config.DefaultLevel, false)
		if r.Status == domain.CleanupFailed {
			return errors.New(strings.Join(r.Errors, "; "))
		}
		return nil
	})
	if err != nil {
		return domain.NewDomainError(op, domain.ErrConflict, err.Error())
	}
	c.logger.Debug("cleanup scheduled", logger.SessionAttr(sessionID), "delay", delay)
	return nil
}

// CancelScheduledCleanup removes a pending ScheduleCleanup timer.
func (c *CleanupManager) CancelScheduledCleanup(sessionID string) bool {
	return c.scheduler.Cancel(scheduledCleanupID(sessionID))
}

// NextScheduledCleanup returns when the pending cleanup of sessionID fires.
func (c *CleanupManager) NextScheduledCleanup(sessionID string) (time.Time, bool) {
	return c.scheduler.NextRun(scheduledCleanupID(sessionID))
}

// MemoryUsage reports host memory and the Go heap, for checking what a
// thorough or emergency memory scrub left behind.
func (c *CleanupManager) MemoryUsage() *domain.MemoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	u := &domain.MemoryUsage{
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
	if total, free, ok := hostMemory(); ok && total > 0 {
		u.Total, u.Free = total, min(free, total)
		u.Used = u.Total - u.Free
		u.Percent = float64(u.Used) / float64(u.Total) * 100
	} else {
		c.logger.Debug("host memory stats unavailable")
	}
	return u
}

// StorageUsage reports what currently occupies the sessions root.
func (c *CleanupManager) StorageUsage() (*domain.StorageUsage, error) {
	root := c.files.Sandbox().Root()
	files, dirs, size, err := c.files.Usage(root, "")
	if err != nil {
		return nil, domain.NewDomainError("CleanupManager.StorageUsage", domain.ErrResource, err.Error())
	}
	return &domain.StorageUsage{
		Root:           root,
		ActiveSessions: len(c.sessions.SessionIDs()),
		Directories:    dirs,
		Files:          files,
		Bytes:          size,
	}, nil
}

// History returns journaled results for sessionID, newest first. An empty
// sessionID selects emergency and global operations.
func (c *CleanupManager) History(ctx context.Context, sessionID string, limit int) ([]domain.CleanupResult, error) {
	if c.journal == nil {
		return nil, nil
	}
	return c.journal.History(ctx, sessionID, limit)
}

type recentJournal interface {
	Recent(ctx context.Context, limit int) ([]domain.CleanupResult, error)
}

// RecentHistory returns the latest journaled results across all sessions.
func (c *CleanupManager) RecentHistory(ctx context.Context, limit int) ([]domain.CleanupResult, error) {
	r, ok := c.journal.(recentJournal)
	if !ok {
		return nil, nil
	}
	return r.Recent(ctx, limit)
}

type prunableJournal interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneHistory drops journaled results older than maxAge. Journals that do
// not support pruning are left alone.
func (c *CleanupManager) PruneHistory(ctx context.Context, maxAge time.Duration) (int64, error) {
	p, ok := c.journal.(prunableJournal)
	if !ok || maxAge <= 0 {
		return 0, nil
	}
	return p.Prune(ctx, time.Now().Add(-maxAge))
}

// Shutdown cleans every remaining session at standard level when configured
// to, and reports how many cleanups completed.
func (c *CleanupManager) Shutdown(ctx context.Context) error {
	if !c.config.OnShutdown {
		return nil
	}
	results := c.CleanupAll(ctx, domain.CleanupStandard)
	var errs []error
	completed := 0
	for _, r := range results {
		if r.Status == domain.CleanupCompleted {
			completed++
			continue
		}
		errs = append(errs, fmt.Errorf("cleanup %s: %s", r.ID, strings.Join(r.Errors, "; ")))
	}
	if len(results) > 0 {
		c.logger.Info("shutdown cleanup", "completed", completed, "total", len(results))
	}
	return errors.Join(errs...)
}
