package security

import (
	"context"
	"time"

	"sessionvault/internal/domain"
)

// ComplianceAuditLogger wraps an AuditLogger to fill compliance fields
// (Actor, Action, Outcome) with defaults. Resource is taken from the session
// carried by the context when unset.
type ComplianceAuditLogger struct {
	inner domain.AuditLogger
}

// NewComplianceAuditLogger wraps an existing audit logger with compliance enforcement.
func NewComplianceAuditLogger(inner domain.AuditLogger) *ComplianceAuditLogger {
	return &ComplianceAuditLogger{inner: inner}
}

// Log ensures compliance fields are populated before delegating to the inner logger.
func (c *ComplianceAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	// Ensure timestamp is always set.
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Default compliance fields if not set.
	if event.Actor == "" {
		event.Actor = "sessionvault"
	}
	if event.Resource == "" {
		if id := domain.SessionIDFromContext(ctx); id != "" {
			event.Resource = SessionResource(id)
		}
	}
	if event.Action == "" {
		event.Action = string(event.Type)
	}
	if event.Outcome == "" {
		event.Outcome = "success"
	}

	return c.inner.Log(ctx, event)
}

// Close delegates to the inner logger.
func (c *ComplianceAuditLogger) Close() error {
	return c.inner.Close()
}
