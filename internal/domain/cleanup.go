package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CleanupLevel selects how aggressively session data is destroyed.
type CleanupLevel string

const (
	CleanupMinimal   CleanupLevel = "minimal"
	CleanupStandard  CleanupLevel = "standard"
	CleanupThorough  CleanupLevel = "thorough"
	CleanupEmergency CleanupLevel = "emergency"
)

// ParseCleanupLevel maps a configuration string to a CleanupLevel.
func ParseCleanupLevel(s string) (CleanupLevel, error) {
	switch l := CleanupLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case CleanupMinimal, CleanupStandard, CleanupThorough, CleanupEmergency:
		return l, nil
	}
	return "", NewDomainError("ParseCleanupLevel", ErrInvalidLevel, fmt.Sprintf("%q", s))
}

// Passes is the number of random overwrite passes applied to each file.
// Zero means a plain unlink.
func (l CleanupLevel) Passes() int {
	switch l {
	case CleanupStandard:
		return 1
	case CleanupThorough:
		return 3
	case CleanupEmergency:
		return 5
	}
	return 0
}

// Verifies reports whether the post-deletion verification phase runs.
func (l CleanupLevel) Verifies() bool {
	return l == CleanupStandard || l == CleanupThorough || l == CleanupEmergency
}

// ScrubsMemory reports whether the best-effort memory scrub phase runs.
func (l CleanupLevel) ScrubsMemory() bool {
	return l == CleanupThorough || l == CleanupEmergency
}

// VerifiesOverwrite reports whether the last overwrite pass of each file is
// read back and compared before unlinking.
func (l CleanupLevel) VerifiesOverwrite() bool {
	return l.ScrubsMemory()
}

// CleanupStatus is the lifecycle state of a cleanup operation.
type CleanupStatus string

const (
	CleanupPending    CleanupStatus = "pending"
	CleanupInProgress CleanupStatus = "in_progress"
	CleanupCompleted  CleanupStatus = "completed"
	CleanupFailed     CleanupStatus = "failed"
	CleanupPartial    CleanupStatus = "partial"
)

// Terminal reports whether no further transitions are possible.
func (s CleanupStatus) Terminal() bool {
	return s == CleanupCompleted || s == CleanupFailed || s == CleanupPartial
}

// CleanupResult records the outcome of one cleanup operation. SessionID is
// empty for global and emergency operations.
type CleanupResult struct {
	ID                 string        `json:"id"`
	Status             CleanupStatus `json:"status"`
	Level              CleanupLevel  `json:"level"`
	SessionID          string        `json:"session_id,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        time.Time     `json:"completed_at,omitzero"`
	FilesDeleted       int           `json:"files_deleted"`
	BytesProcessed     int64         `json:"bytes_processed"`
	MemoryCleared      bool          `json:"memory_cleared"`
	VerificationPassed bool          `json:"verification_passed"`
	Errors             []string      `json:"errors,omitempty"`
	Warnings           []string      `json:"warnings,omitempty"`
}

// AddError records a failure that did not stop the operation.
func (r *CleanupResult) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddWarning records a non-fatal observation.
func (r *CleanupResult) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Duration is zero until the result is finalized.
func (r *CleanupResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy safe to hand to callers.
func (r *CleanupResult) Clone() *CleanupResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Errors = append([]string(nil), r.Errors...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	return &cp
}

// CleanupJournal persists finalized cleanup results for later inspection.
type CleanupJournal interface {
	Record(ctx context.Context, result CleanupResult) error
	History(ctx context.Context, sessionID string, limit int) ([]CleanupResult, error)
	Close() error
}
