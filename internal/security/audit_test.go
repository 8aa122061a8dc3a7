package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"sessionvault/internal/domain"
)

func readAuditEvents(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var events []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func TestFileAuditLogger_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	event := domain.AuditEvent{
		Type:   domain.AuditDocumentStore,
		Detail: map[string]string{"document": "profile", "bytes": "412"},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := readAuditEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != domain.AuditDocumentStore {
		t.Errorf("Type = %q, want %q", events[0].Type, domain.AuditDocumentStore)
	}
	if events[0].Detail["document"] != "profile" {
		t.Errorf("Detail[document] = %q", events[0].Detail["document"])
	}
}

func TestFileAuditLogger_MultipleEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	events := []domain.AuditEvent{
		{Type: domain.AuditSessionCreate},
		{Type: domain.AuditDocumentStore, Detail: map[string]string{"document": "notes"}},
		{Type: domain.AuditCleanupSession, Detail: map[string]string{"level": "standard"}},
	}

	for _, e := range events {
		if err := logger.Log(context.Background(), e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	logger.Close()

	got := readAuditEvents(t, path)
	if len(got) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(got))
	}
	for i, e := range got {
		if e.Type != events[i].Type {
			t.Errorf("event %d: Type = %q, want %q", i, e.Type, events[i].Type)
		}
	}
}

func TestFileAuditLogger_AutoTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditSessionExpire})
	logger.Close()

	events := readAuditEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Timestamp.Before(before) {
		t.Errorf("Timestamp %v was not filled in", events[0].Timestamp)
	}
}

func TestFileAuditLogger_ConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Log(context.Background(), domain.AuditEvent{
				Type:   domain.AuditDocumentStore,
				Detail: map[string]string{"index": fmt.Sprintf("%d", i)},
			})
		}(i)
	}
	wg.Wait()
	logger.Close()

	if got := len(readAuditEvents(t, path)); got != n {
		t.Errorf("expected %d lines, got %d", n, got)
	}
}

func TestFileAuditLogger_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewFileAuditLogger(filepath.Join(blocker, "audit.jsonl"))
	if err == nil {
		t.Error("expected error when parent is a regular file")
	}
}

func TestFileAuditLogger_CreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "logs", "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("audit file not created: %v", err)
	}
}

func TestFileAuditLogger_WriteAfterClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	logger.Close()

	err = logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditSessionCreate})
	if err == nil {
		t.Fatal("expected error writing to closed logger")
	}
	if !errors.Is(err, domain.ErrAuditWrite) {
		t.Errorf("expected audit write error, got %v", err)
	}
}

func TestFileAuditLogger_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, _ := NewFileAuditLogger(path)
	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditSessionCreate})
	logger.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestFileAuditLogger_OTelSpanRecording(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	defer logger.Close()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	if !span.IsRecording() {
		t.Fatal("span should be recording for this test to be meaningful")
	}

	event := domain.AuditEvent{
		Type:   domain.AuditCleanupSession,
		Detail: map[string]string{"files_deleted": "3"},
	}
	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log with active span: %v", err)
	}
}

func TestFileAuditLogger_LogSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	id := "Zm9vYmFyYmF6cXV4LWxvbmctc2Vzc2lvbi1pZGVudGlmaWVy"
	if err := logger.LogSession(context.Background(), domain.AuditSessionCreate, id, "alice", "success"); err != nil {
		t.Fatalf("LogSession: %v", err)
	}
	logger.Close()

	events := readAuditEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Type != domain.AuditSessionCreate {
		t.Errorf("Type = %q", e.Type)
	}
	if e.Actor != "alice" {
		t.Errorf("Actor = %q, want alice", e.Actor)
	}
	if e.Resource != "session:Zm9vYmFy" {
		t.Errorf("Resource = %q, want session:Zm9vYmFy", e.Resource)
	}
	if e.Action != string(domain.AuditSessionCreate) {
		t.Errorf("Action = %q", e.Action)
	}
	if e.Outcome != "success" {
		t.Errorf("Outcome = %q", e.Outcome)
	}

	raw, _ := os.ReadFile(path)
	if bytes.Contains(raw, []byte(id)) {
		t.Error("full session id was written to the audit log")
	}
}

func TestSessionResource(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abcdefghijkl", "session:abcdefgh"},
		{"abc", "session:abc"},
		{"", "session:"},
	}
	for _, tt := range tests {
		if got := SessionResource(tt.in); got != tt.want {
			t.Errorf("SessionResource(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileAuditLogger_EnforceRetention_MaxAge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: time.Now().Add(-2 * time.Hour),
		Type:      domain.AuditSessionCreate,
		Detail:    map[string]string{"age": "old"},
	})
	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      domain.AuditSessionDestroy,
		Detail:    map[string]string{"age": "new"},
	})

	logger.SetRetention(RetentionPolicy{MaxAge: time.Hour})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	logger.Close()
	events := readAuditEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 remaining line, got %d", len(events))
	}
	if events[0].Detail["age"] != "new" {
		t.Errorf("expected only new events, got Detail[age]=%q", events[0].Detail["age"])
	}
}

func TestFileAuditLogger_EnforceRetention_MaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	for i := range 100 {
		logger.Log(context.Background(), domain.AuditEvent{
			Type:   domain.AuditDocumentStore,
			Detail: map[string]string{"index": fmt.Sprintf("%d", i), "padding": "some data to make the line longer for testing"},
		})
	}

	logger.SetRetention(RetentionPolicy{MaxSize: 500})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed == 0 {
		t.Error("expected some entries to be removed")
	}

	logger.Close()
	info, _ := os.Stat(path)
	if info.Size() > 500 {
		t.Errorf("file size = %d, want <= 500", info.Size())
	}

	// The newest entries survive.
	events := readAuditEvents(t, path)
	if len(events) == 0 || events[len(events)-1].Detail["index"] != "99" {
		t.Error("expected the newest entry to be kept")
	}
}

func TestFileAuditLogger_EnforceRetention_NoPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	defer logger.Close()

	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditSessionCreate})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestFileAuditLogger_EnforceRetention_ContinueWriting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: time.Now().Add(-2 * time.Hour),
		Type:      domain.AuditSessionCreate,
	})

	logger.SetRetention(RetentionPolicy{MaxAge: time.Hour})
	logger.EnforceRetention(context.Background())

	err = logger.Log(context.Background(), domain.AuditEvent{
		Type:   domain.AuditSessionDestroy,
		Detail: map[string]string{"test": "after-retention"},
	})
	if err != nil {
		t.Fatalf("Log after retention: %v", err)
	}
	logger.Close()

	found := false
	for _, e := range readAuditEvents(t, path) {
		if e.Detail["test"] == "after-retention" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find event written after retention enforcement")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("retention left its temporary file behind")
	}
}

func TestComplianceAuditLogger_FillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	inner, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	logger := NewComplianceAuditLogger(inner)

	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditCleanupEmergency})
	logger.Log(context.Background(), domain.AuditEvent{
		Type:    domain.AuditAccessDenied,
		Actor:   "bob",
		Outcome: "denied",
	})
	logger.Close()

	events := readAuditEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Actor != "sessionvault" || events[0].Outcome != "success" || events[0].Action != "cleanup_emergency" {
		t.Errorf("defaults not applied: %+v", events[0])
	}
	if events[1].Actor != "bob" || events[1].Outcome != "denied" {
		t.Errorf("explicit fields overwritten: %+v", events[1])
	}
}

func TestComplianceAuditLogger_ResourceFromContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	inner, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	logger := NewComplianceAuditLogger(inner)

	ctx := domain.ContextWithSessionID(context.Background(), "sess-1")
	logger.Log(ctx, domain.AuditEvent{Type: domain.AuditDocumentDelete})
	logger.Log(ctx, domain.AuditEvent{Type: domain.AuditDocumentDelete, Resource: "explicit"})
	logger.Close()

	events := readAuditEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Resource != SessionResource("sess-1") {
		t.Errorf("Resource = %q, want session resource", events[0].Resource)
	}
	if events[1].Resource != "explicit" {
		t.Errorf("explicit resource overwritten: %q", events[1].Resource)
	}
}
