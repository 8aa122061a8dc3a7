package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sessionvault/internal/domain"
	"sessionvault/internal/infra/logger"
	"sessionvault/internal/security"
	"sessionvault/internal/security/secret"
	"sessionvault/internal/usecase/scheduling"
)

const (
	sessionIDBytes = 32 // 256-bit identifiers
	sessionKeySize = 32 // AES-256 key material
	createAttempts = 3

	sessionSweepName = "session-sweep"
)

// SessionManagerConfig controls session lifetime and admission.
type SessionManagerConfig struct {
	IdleTimeout   time.Duration // 0 disables expiry
	SweepInterval time.Duration // 0 disables the background sweep
	CreateRate    float64       // sessions per second; 0 = unlimited
	CreateBurst   int
	MaxSessions   int // 0 = unlimited
	DeletePasses  int // overwrite passes for Destroy, DeleteFile and expiry
}

// SessionInfo is a snapshot of a live session. It never carries the key.
type SessionInfo struct {
	ID           string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	Dir          string         `json:"dir"`
	Files        []string       `json:"files"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DetachedSession is what remains of a session after Detach: its key is
// closed and it no longer resolves, but its directory is left in place.
type DetachedSession struct {
	ID     string
	UserID string
	Dir    string
	Files  []string
}

type session struct {
	id        string
	userID    string
	createdAt time.Time
	dir       string
	metadata  map[string]any
	key       *secret.Buffer
	docs      *security.DocumentStore

	lastAccessed time.Time // guarded by SessionManager.mu

	// opMu is held shared by document operations and exclusively by
	// teardown, so teardown waits for in-flight operations.
	opMu  sync.RWMutex
	state domain.SessionState

	namesMu sync.Mutex
	names   map[string]struct{}
}

func (s *session) addName(name string) {
	s.namesMu.Lock()
	s.names[name] = struct{}{}
	s.namesMu.Unlock()
}

func (s *session) removeName(name string) {
	s.namesMu.Lock()
	delete(s.names, name)
	s.namesMu.Unlock()
}

func (s *session) fileNames() []string {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SessionManager issues sessions, each bound to an in-memory key and an
// isolated directory under the sessions root, and expires idle ones.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session

	files       *security.FileOps
	sealer      *security.Sealer
	scheduler   *scheduling.Scheduler
	auditLogger domain.AuditLogger
	limiter     *rate.Limiter
	config      SessionManagerConfig
	logger      *slog.Logger
	now         func() time.Time

	sweepOnce sync.Once
	sweepErr  error
}

// NewSessionManager creates a session manager. files must be rooted at the
// sessions directory. scheduler and auditLogger may be nil.
func NewSessionManager(
	files *security.FileOps,
	sealer *security.Sealer,
	scheduler *scheduling.Scheduler,
	auditLogger domain.AuditLogger,
	cfg SessionManagerConfig,
	logger *slog.Logger,
) *SessionManager {
	if scheduler == nil {
		scheduler = scheduling.NewScheduler(logger)
	}
	if auditLogger == nil {
		auditLogger = domain.NopAuditLogger{}
	}
	m := &SessionManager{
		sessions:    make(map[string]*session),
		files:       files,
		sealer:      sealer,
		scheduler:   scheduler,
		auditLogger: auditLogger,
		config:      cfg,
		logger:      logger,
		now:         time.Now,
	}
	if cfg.CreateRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.CreateRate), max(cfg.CreateBurst, 1))
	}
	return m
}

// Create starts a new session for userID and returns its identifier.
func (m *SessionManager) Create(ctx context.Context, userID string, metadata map[string]any) (string, error) {
	const op = "SessionManager.Create"

	if m.limiter != nil && !m.limiter.Allow() {
		m.audit(ctx, domain.AuditAccessDenied, "", userID, "rate_limited", nil)
		return "", domain.NewDomainError(op, domain.ErrRateLimit, "session creation rate exceeded")
	}
	if m.atCapacity() {
		return "", domain.NewDomainError(op, domain.ErrLimitReached,
			fmt.Sprintf("max_sessions = %d", m.config.MaxSessions))
	}

	id, dir, err := m.allocate()
	if err != nil {
		return "", err
	}

	key, err := secret.Random(sessionKeySize)
	if err != nil {
		m.removeDir(id, dir)
		return "", domain.NewDomainError(op, domain.ErrResource, fmt.Sprintf("generate session key: %v", err))
	}
	if !key.Locked() {
		m.logger.Debug("session key is not locked in memory", logger.SessionAttr(id))
	}

	now := m.now()
	s := &session{
		id:           id,
		userID:       userID,
		createdAt:    now,
		lastAccessed: now,
		dir:          dir,
		metadata:     maps.Clone(metadata),
		key:          key,
		docs:         security.NewDocumentStore(m.files, id, m.sealer, m.logger),
		state:        domain.SessionActive,
		names:        make(map[string]struct{}),
	}
	if s.metadata == nil {
		s.metadata = map[string]any{}
	}

	m.mu.Lock()
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		key.Close()
		m.removeDir(id, dir)
		return "", domain.NewDomainError(op, domain.ErrLimitReached,
			fmt.Sprintf("max_sessions = %d", m.config.MaxSessions))
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.audit(ctx, domain.AuditSessionCreate, id, userID, "success", nil)
	m.logger.Info("session created", logger.SessionAttr(id), "user", userID)
	return id, nil
}

func (m *SessionManager) atCapacity() bool {
	if m.config.MaxSessions <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) >= m.config.MaxSessions
}

// allocate picks an unused identifier and creates its directory.
func (m *SessionManager) allocate() (string, string, error) {
	const op = "SessionManager.Create"

	for range createAttempts {
		id, err := newSessionID()
		if err != nil {
			return "", "", domain.NewDomainError(op, domain.ErrResource, err.Error())
		}
		m.mu.Lock()
		_, live := m.sessions[id]
		m.mu.Unlock()
		if live || m.files.Exists(id, "") {
			continue
		}
		dir, err := m.files.EnsureDir(id, "")
		if err != nil {
			return "", "", err
		}
		return id, dir, nil
	}
	return "", "", domain.NewDomainError(op, domain.ErrResource, "could not allocate a unique session id")
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (m *SessionManager) removeDir(id, dir string) {
	if err := m.files.RemoveDir(dir, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.Warn("failed to remove session directory", logger.SessionAttr(id), "error", err)
	}
}

func (m *SessionManager) expired(s *session, now time.Time) bool {
	return m.config.IdleTimeout > 0 && now.Sub(s.lastAccessed) > m.config.IdleTimeout
}

func sessionNotFound(op, id string) error {
	if len(id) > 8 {
		id = id[:8] + "..."
	}
	return domain.NewDomainError(op, domain.ErrSessionNotFound, id)
}

// lookup resolves id, evicting it when idle past the timeout. With refresh
// set the last-accessed time is updated.
func (m *SessionManager) lookup(ctx context.Context, op, id string, refresh bool) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, sessionNotFound(op, id)
	}
	now := m.now()
	if m.expired(s, now) {
		delete(m.sessions, id)
		m.mu.Unlock()
		if err := m.teardown(ctx, s, domain.AuditSessionExpire); err != nil {
			m.logger.Warn("expired session teardown incomplete", logger.SessionAttr(id), "error", err)
		}
		return nil, sessionNotFound(op, id)
	}
	if refresh {
		s.lastAccessed = now
	}
	m.mu.Unlock()
	return s, nil
}

// withSession runs fn while holding the session's operation lock shared.
func (m *SessionManager) withSession(ctx context.Context, op, id string, fn func(*session) error) error {
	s, err := m.lookup(ctx, op, id, true)
	if err != nil {
		return err
	}
	s.opMu.RLock()
	defer s.opMu.RUnlock()
	if s.state == domain.SessionDestroyed {
		return sessionNotFound(op, id)
	}
	return fn(s)
}

// Get returns a snapshot of the session and refreshes its last-accessed time.
func (m *SessionManager) Get(ctx context.Context, id string) (*SessionInfo, error) {
	s, err := m.lookup(ctx, "SessionManager.Get", id, true)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	last := s.lastAccessed
	m.mu.Unlock()
	return &SessionInfo{
		ID:           s.id,
		UserID:       s.userID,
		CreatedAt:    s.createdAt,
		LastAccessed: last,
		Dir:          s.dir,
		Files:        s.fileNames(),
		Metadata:     maps.Clone(s.metadata),
	}, nil
}

// Exists reports whether id names a live, unexpired session without
// refreshing or evicting it.
func (m *SessionManager) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && !m.expired(s, m.now())
}

// SessionDir returns the storage directory of a live session.
func (m *SessionManager) SessionDir(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", sessionNotFound("SessionManager.SessionDir", id)
	}
	return s.dir, nil
}

// Root returns the directory holding all session directories.
func (m *SessionManager) Root() string {
	return m.files.Sandbox().Root()
}

// Store encrypts data under the session key as document name.
func (m *SessionManager) Store(ctx context.Context, id, name string, data any) error {
	const op = "SessionManager.Store"

	ctx = domain.ContextWithSessionID(ctx, id)
	var userID string
	err := m.withSession(ctx, op, id, func(s *session) error {
		userID = s.userID
		return s.key.Use(func(key []byte) error {
			if _, err := s.docs.Store(ctx, name, data, key, nil); err != nil {
				return err
			}
			s.addName(name)
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.audit(ctx, domain.AuditDocumentStore, id, userID, "success", map[string]string{"document": name})
	return nil
}

// Load decrypts document name of the session.
func (m *SessionManager) Load(ctx context.Context, id, name string) (json.RawMessage, error) {
	const op = "SessionManager.Load"

	ctx = domain.ContextWithSessionID(ctx, id)
	var out json.RawMessage
	err := m.withSession(ctx, op, id, func(s *session) error {
		return s.key.Use(func(key []byte) error {
			data, err := s.docs.Load(ctx, name, key)
			if err != nil {
				return err
			}
			out = data
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListFiles returns the document names stored in the session.
func (m *SessionManager) ListFiles(ctx context.Context, id string) ([]string, error) {
	var names []string
	err := m.withSession(ctx, "SessionManager.ListFiles", id, func(s *session) error {
		var err error
		names, err = s.docs.List()
		return err
	})
	return names, err
}

// DeleteFile securely deletes one document of the session.
func (m *SessionManager) DeleteFile(ctx context.Context, id, name string) error {
	const op = "SessionManager.DeleteFile"

	var userID string
	err := m.withSession(ctx, op, id, func(s *session) error {
		userID = s.userID
		if _, err := s.docs.Shred(name, m.config.DeletePasses); err != nil {
			if errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrDocumentNotFound) {
				return domain.NewDomainError(op, domain.ErrDocumentNotFound, name)
			}
			return err
		}
		s.removeName(name)
		return nil
	})
	if err != nil {
		return err
	}
	m.audit(ctx, domain.AuditDocumentDelete, id, userID, "success", map[string]string{"document": name})
	return nil
}

// Destroy removes the session record, closes its key and deletes its
// directory. Lookups fail from the moment the record is removed.
func (m *SessionManager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return sessionNotFound("SessionManager.Destroy", id)
	}
	return m.teardown(ctx, s, domain.AuditSessionDestroy)
}

// Detach removes the session record and closes its key, leaving the
// directory for the caller to destroy.
func (m *SessionManager) Detach(ctx context.Context, id string) (*DetachedSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, sessionNotFound("SessionManager.Detach", id)
	}

	err := m.retire(s)
	m.logger.Debug("session detached", logger.SessionAttr(id))
	return &DetachedSession{ID: s.id, UserID: s.userID, Dir: s.dir, Files: s.fileNames()}, err
}

// retire waits for in-flight operations, marks the session destroyed and
// closes its key. Retiring twice is a no-op.
func (m *SessionManager) retire(s *session) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.state == domain.SessionDestroyed {
		return nil
	}
	s.state = domain.SessionDestroyed
	if err := s.key.Close(); err != nil {
		return fmt.Errorf("close session key: %w", err)
	}
	return nil
}

// teardown retires s and removes its directory. s must already be out of the
// table.
func (m *SessionManager) teardown(ctx context.Context, s *session, reason domain.AuditEventType) error {
	var errs []error
	if err := m.retire(s); err != nil {
		errs = append(errs, err)
	}

	res, err := m.files.CleanupDirectory(s.dir, m.config.DeletePasses, s.id)
	switch {
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		errs = append(errs, err)
	case res != nil && len(res.Errors) > 0:
		errs = append(errs, errors.New(strings.Join(res.Errors, "; ")))
	}
	if err := m.files.RemoveDir(s.dir, s.id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		errs = append(errs, err)
	}

	outcome := "success"
	if len(errs) > 0 {
		outcome = "partial"
	}
	m.audit(ctx, reason, s.id, s.userID, outcome, nil)
	m.logger.Info("session destroyed", logger.SessionAttr(s.id), "reason", string(reason), "outcome", outcome)
	return errors.Join(errs...)
}

// ActiveSessions returns summaries of all unexpired sessions ordered by
// creation time.
func (m *SessionManager) ActiveSessions() []domain.SessionSummary {
	type snap struct {
		s    *session
		last time.Time
	}
	m.mu.Lock()
	now := m.now()
	live := make([]snap, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !m.expired(s, now) {
			live = append(live, snap{s, s.lastAccessed})
		}
	}
	m.mu.Unlock()

	out := make([]domain.SessionSummary, 0, len(live))
	for _, l := range live {
		out = append(out, domain.SessionSummary{
			ID:           l.s.id,
			UserID:       l.s.userID,
			CreatedAt:    l.s.createdAt,
			LastAccessed: l.last,
			FileCount:    len(l.s.fileNames()),
			Metadata:     maps.Clone(l.s.metadata),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionIDs returns the identifiers of every session in the table,
// including expired ones not yet swept.
func (m *SessionManager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SweepExpired destroys every session idle past the timeout and returns how
// many were destroyed.
func (m *SessionManager) SweepExpired(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var stale []*session
	for id, s := range m.sessions {
		if m.expired(s, now) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		if err := m.teardown(ctx, s, domain.AuditSessionExpire); err != nil {
			m.logger.Warn("expired session teardown incomplete", logger.SessionAttr(s.id), "error", err)
		}
	}
	return len(stale)
}

// StartSweeper schedules SweepExpired every SweepInterval and starts the
// scheduler. Calling it again only restarts a stopped scheduler.
func (m *SessionManager) StartSweeper(ctx context.Context) error {
	if m.config.SweepInterval <= 0 || m.config.IdleTimeout <= 0 {
		return nil
	}
	if err := m.registerSweep(); err != nil {
		return err
	}
	return m.scheduler.Start(ctx)
}

// registerSweep adds the idle sweep to the scheduler without starting it.
func (m *SessionManager) registerSweep() error {
	if m.config.SweepInterval <= 0 || m.config.IdleTimeout <= 0 {
		return nil
	}
	m.sweepOnce.Do(func() {
		m.scheduler.Handle(scheduling.JobSessionSweep, func(ctx context.Context) error {
			if n := m.SweepExpired(ctx); n > 0 {
				m.logger.Info("idle sessions expired", "count", n)
			}
			return nil
		})
		m.sweepErr = m.scheduler.Every(sessionSweepName, m.config.SweepInterval.String(), scheduling.JobSessionSweep)
	})
	return m.sweepErr
}

// Shutdown stops the sweeper and closes every remaining session key. Session
// directories are left in place; without their keys the documents cannot be
// decrypted.
func (m *SessionManager) Shutdown(_ context.Context) error {
	if err := m.scheduler.Stop(); err != nil {
		m.logger.Warn("scheduler stop failed", "error", err)
	}

	m.mu.Lock()
	remaining := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		remaining = append(remaining, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range remaining {
		if err := m.retire(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(remaining) > 0 {
		m.logger.Warn("sessions closed at shutdown without cleanup", "count", len(remaining))
	}
	return errors.Join(errs...)
}

func (m *SessionManager) audit(ctx context.Context, typ domain.AuditEventType, id, userID, outcome string, detail map[string]string) {
	event := domain.AuditEvent{
		Timestamp: m.now().UTC(),
		Type:      typ,
		Actor:     userID,
		Action:    string(typ),
		Outcome:   outcome,
		Detail:    detail,
	}
	if id != "" {
		event.Resource = security.SessionResource(id)
	}
	if err := m.auditLogger.Log(ctx, event); err != nil {
		m.logger.Warn("audit log failed", "event", string(typ), "error", err)
	}
}
