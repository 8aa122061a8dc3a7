package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Every specific sentinel below wraps exactly one of these,
// so callers can branch on the category with errors.Is.
var (
	ErrInvalidInput   = fmt.Errorf("invalid input")
	ErrAuthentication = fmt.Errorf("authentication failed")
	ErrNotFound       = fmt.Errorf("not found")
	ErrResource       = fmt.Errorf("storage resource failure")
	ErrConflict       = fmt.Errorf("operation already in progress")
)

// Sentinel errors for the vault.
var (
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary: %w", ErrInvalidInput)
	ErrInvalidFilename    = fmt.Errorf("invalid filename: %w", ErrInvalidInput)
	ErrInvalidLevel       = fmt.Errorf("unknown cleanup level: %w", ErrInvalidInput)

	ErrSessionNotFound  = fmt.Errorf("session %w", ErrNotFound)
	ErrDocumentNotFound = fmt.Errorf("document %w", ErrNotFound)

	ErrCleanupInProgress = fmt.Errorf("cleanup: %w", ErrConflict)

	ErrEncryption   = fmt.Errorf("encryption operation failed: %w", ErrResource)
	ErrRateLimit    = fmt.Errorf("rate limit exceeded: %w", ErrResource)
	ErrLimitReached = fmt.Errorf("limit reached: %w", ErrResource)
	ErrAuditWrite   = fmt.Errorf("audit log write failed: %w", ErrResource)
	ErrJournal      = fmt.Errorf("cleanup journal failed: %w", ErrResource)

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "DocumentStore.Load")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrConflict)
}

// ErrorKind is the coarse failure taxonomy surfaced to callers.
type ErrorKind string

const (
	KindUnknown        ErrorKind = "unknown"
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindNotFound       ErrorKind = "not_found"
	KindResource       ErrorKind = "resource"
	KindConcurrency    ErrorKind = "concurrency"
)

// KindOf classifies err into one of the taxonomy kinds.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConcurrency
	case errors.Is(err, ErrResource):
		return KindResource
	}
	return KindUnknown
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeInvalidFilename    ErrorCode = "INVALID_FILENAME"
	CodeInvalidLevel       ErrorCode = "INVALID_CLEANUP_LEVEL"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeDocumentNotFound   ErrorCode = "DOCUMENT_NOT_FOUND"
	CodeCleanupInProgress  ErrorCode = "CLEANUP_IN_PROGRESS"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeLimitReached       ErrorCode = "LIMIT_REACHED"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeJournal            ErrorCode = "JOURNAL"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"

	// Category codes, used when no specific sentinel matches.
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeAuthentication ErrorCode = "AUTHENTICATION"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeResource       ErrorCode = "RESOURCE"
	CodeConflict       ErrorCode = "CONFLICT"
)

// errorCodes is ordered most specific first; category sentinels come last
// because every specific sentinel also matches its category with errors.Is.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrPathOutsideSandbox, CodePathOutsideSandbox},
	{ErrInvalidFilename, CodeInvalidFilename},
	{ErrInvalidLevel, CodeInvalidLevel},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrDocumentNotFound, CodeDocumentNotFound},
	{ErrCleanupInProgress, CodeCleanupInProgress},
	{ErrEncryption, CodeEncryption},
	{ErrRateLimit, CodeRateLimit},
	{ErrLimitReached, CodeLimitReached},
	{ErrAuditWrite, CodeAuditWrite},
	{ErrJournal, CodeJournal},
	{ErrConfigLoad, CodeConfigLoad},

	{ErrInvalidInput, CodeInvalidInput},
	{ErrAuthentication, CodeAuthentication},
	{ErrNotFound, CodeNotFound},
	{ErrResource, CodeResource},
	{ErrConflict, CodeConflict},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
