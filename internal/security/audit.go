package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sessionvault/internal/domain"
	"sessionvault/internal/infra/tracer"
)

// RetentionPolicy controls how long audit logs are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // max age of entries; 0 = no limit
	MaxSize int64         // max file size in bytes; 0 = no limit
}

// FileAuditLogger implements domain.AuditLogger by writing JSONL to a file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
}

// NewFileAuditLogger creates an audit logger that appends to the given path.
// The file and its parent directory are restricted to the owner.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if err := RestrictToOwner(path); err != nil {
		f.Close()
		return nil, fmt.Errorf("restrict audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// SetRetention configures the retention policy for log cleanup.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes an audit event as a single JSON line.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	// Also emit as OTel span event if a span is active
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}

	return nil
}

// LogSession records a session lifecycle event. Only the session id prefix
// is written.
func (a *FileAuditLogger) LogSession(ctx context.Context, typ domain.AuditEventType, sessionID, userID, outcome string) error {
	return a.Log(ctx, domain.AuditEvent{
		Type:     typ,
		Actor:    userID,
		Resource: SessionResource(sessionID),
		Action:   string(typ),
		Outcome:  outcome,
	})
}

// SessionResource formats a session id for audit records without exposing
// the full identifier.
func SessionResource(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "session:" + sessionID
}

// Close flushes and closes the audit log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention drops entries older than MaxAge and then the oldest
// entries until the log fits MaxSize. The log is rewritten through a
// temporary file and renamed into place. It returns the number of entries
// removed.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retention == nil {
		return 0, nil
	}
	kept, removed, err := filterEntries(a.path, *a.retention, time.Now())
	if err != nil || removed == 0 {
		return 0, err
	}

	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmpPath := a.path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write retained entries: %w", err)
	}

	if err := a.file.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	renameErr := atomicRename(tmpPath, a.path)
	if renameErr != nil {
		os.Remove(tmpPath)
	}
	f, err := openAppend(a.path)
	if err != nil {
		return 0, fmt.Errorf("reopen after retention: %w", err)
	}
	a.file = f
	if renameErr != nil {
		return 0, fmt.Errorf("replace audit log: %w", renameErr)
	}
	return removed, nil
}

// filterEntries reads the JSONL log at path and returns the lines that
// satisfy policy along with how many were dropped.
func filterEntries(path string, policy RetentionPolicy, now time.Time) ([][]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = now.Add(-policy.MaxAge)
	}

	var (
		kept     [][]byte
		keptSize int64
		removed  int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB max line
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		keptSize += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}

	for policy.MaxSize > 0 && keptSize > policy.MaxSize && len(kept) > 0 {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	return kept, removed, nil
}
