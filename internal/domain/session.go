package domain

import "time"

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionExpired   SessionState = "expired"
	SessionDestroyed SessionState = "destroyed"
)

// SessionSummary is a read-only view of a live session. It never carries the
// session key.
type SessionSummary struct {
	ID           string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	FileCount    int            `json:"file_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StorageUsage reports on-disk usage of the session storage root.
type StorageUsage struct {
	Root           string `json:"root"`
	ActiveSessions int    `json:"active_sessions"`
	Directories    int    `json:"directories"`
	Files          int    `json:"files"`
	Bytes          int64  `json:"bytes"`
}

// MemoryUsage reports host memory next to the process heap. Host fields
// are zero where the platform does not expose them.
type MemoryUsage struct {
	Total      uint64  `json:"total"`
	Free       uint64  `json:"free"`
	Used       uint64  `json:"used"`
	Percent    float64 `json:"percent"`
	HeapAlloc  uint64  `json:"heap_alloc"`
	HeapSys    uint64  `json:"heap_sys"`
	NumGC      uint32  `json:"num_gc"`
	Goroutines int     `json:"goroutines"`
}
