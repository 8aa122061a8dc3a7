package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditSessionCreate  AuditEventType = "session_create"
	AuditSessionDestroy AuditEventType = "session_destroy"
	AuditSessionExpire  AuditEventType = "session_expire"

	AuditDocumentStore  AuditEventType = "document_store"
	AuditDocumentDelete AuditEventType = "document_delete"
	AuditAccessDenied   AuditEventType = "access_denied"

	AuditCleanupSession   AuditEventType = "cleanup_session"
	AuditCleanupEmergency AuditEventType = "cleanup_emergency"
	AuditRetention        AuditEventType = "audit_retention"
)

// AuditEvent represents a single auditable action. Detail values must never
// carry key material or document content.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }
func (NopAuditLogger) Close() error                          { return nil }
