package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sessionvault/internal/domain"
	"sessionvault/internal/security"
)

// SQLiteJournal implements domain.CleanupJournal using SQLite. It stores
// operation metadata only: never keys or document content.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) a SQLite database at dbPath and runs
// the schema migration. The database file is restricted to the owner.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, journalErr("NewSQLiteJournal", fmt.Errorf("create journal dir: %w", err))
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, journalErr("NewSQLiteJournal", fmt.Errorf("open journal db: %w", err))
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, journalErr("NewSQLiteJournal", fmt.Errorf("set WAL mode: %w", err))
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, journalErr("NewSQLiteJournal", fmt.Errorf("migrate journal db: %w", err))
	}
	if err := security.RestrictToOwner(dbPath); err != nil {
		db.Close()
		return nil, journalErr("NewSQLiteJournal", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cleanup_results (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT NOT NULL DEFAULT '',
			level               TEXT NOT NULL,
			status              TEXT NOT NULL,
			started_at          TEXT NOT NULL,
			completed_at        TEXT NOT NULL DEFAULT '',
			files_deleted       INTEGER NOT NULL DEFAULT 0,
			bytes_processed     INTEGER NOT NULL DEFAULT 0,
			memory_cleared      INTEGER NOT NULL DEFAULT 0,
			verification_passed INTEGER NOT NULL DEFAULT 0,
			errors              TEXT NOT NULL DEFAULT '[]',
			warnings            TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_cleanup_session ON cleanup_results (session_id, started_at);
	`)
	return err
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func journalErr(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrJournal, err.Error())
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record stores a finalized result. Recording the same ID again replaces it.
func (j *SQLiteJournal) Record(ctx context.Context, r domain.CleanupResult) error {
	if r.ID == "" {
		return domain.NewDomainError("SQLiteJournal.Record", domain.ErrInvalidInput, "result has no id")
	}
	errJSON, err := json.Marshal(nonNil(r.Errors))
	if err != nil {
		return journalErr("SQLiteJournal.Record", fmt.Errorf("marshal errors: %w", err))
	}
	warnJSON, err := json.Marshal(nonNil(r.Warnings))
	if err != nil {
		return journalErr("SQLiteJournal.Record", fmt.Errorf("marshal warnings: %w", err))
	}
	var completed string
	if !r.CompletedAt.IsZero() {
		completed = r.CompletedAt.UTC().Format(timeLayout)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cleanup_results
			(id, session_id, level, status, started_at, completed_at, files_deleted,
			 bytes_processed, memory_cleared, verification_passed, errors, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, string(r.Level), string(r.Status),
		r.StartedAt.UTC().Format(timeLayout), completed,
		r.FilesDeleted, r.BytesProcessed, boolInt(r.MemoryCleared), boolInt(r.VerificationPassed),
		string(errJSON), string(warnJSON),
	)
	if err != nil {
		return journalErr("SQLiteJournal.Record", err)
	}
	return nil
}

const selectColumns = `SELECT id, session_id, level, status, started_at, completed_at, files_deleted,
	bytes_processed, memory_cleared, verification_passed, errors, warnings FROM cleanup_results`

// History returns the results recorded for sessionID, newest first. An
// empty sessionID selects global and emergency operations. limit <= 0
// returns everything.
func (j *SQLiteJournal) History(ctx context.Context, sessionID string, limit int) ([]domain.CleanupResult, error) {
	return j.query(ctx, "SQLiteJournal.History",
		selectColumns+" WHERE session_id = ? ORDER BY started_at DESC, id DESC LIMIT ?",
		sessionID, sqlLimit(limit))
}

// Recent returns the latest results across all sessions, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]domain.CleanupResult, error) {
	return j.query(ctx, "SQLiteJournal.Recent",
		selectColumns+" ORDER BY started_at DESC, id DESC LIMIT ?", sqlLimit(limit))
}

// Prune deletes results that started before cutoff and returns how many
// were removed.
func (j *SQLiteJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM cleanup_results WHERE started_at < ?",
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, journalErr("SQLiteJournal.Prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (j *SQLiteJournal) query(ctx context.Context, op, q string, args ...any) ([]domain.CleanupResult, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, journalErr(op, err)
	}
	defer rows.Close()

	var out []domain.CleanupResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, journalErr(op, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, journalErr(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*domain.CleanupResult, error) {
	var (
		r                        domain.CleanupResult
		level, status            string
		startedStr, completedStr string
		memCleared, verified     int
		errStr, warnStr          string
	)
	if err := row.Scan(&r.ID, &r.SessionID, &level, &status, &startedStr, &completedStr,
		&r.FilesDeleted, &r.BytesProcessed, &memCleared, &verified, &errStr, &warnStr); err != nil {
		return nil, err
	}
	r.Level = domain.CleanupLevel(level)
	r.Status = domain.CleanupStatus(status)
	r.MemoryCleared = memCleared != 0
	r.VerificationPassed = verified != 0
	if err := json.Unmarshal([]byte(errStr), &r.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warnStr), &r.Warnings); err != nil {
		return nil, fmt.Errorf("unmarshal warnings: %w", err)
	}
	if len(r.Errors) == 0 {
		r.Errors = nil
	}
	if len(r.Warnings) == 0 {
		r.Warnings = nil
	}
	r.StartedAt, _ = time.Parse(timeLayout, startedStr)
	if completedStr != "" {
		r.CompletedAt, _ = time.Parse(timeLayout, completedStr)
	}
	return &r, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1 // SQLite: no limit
	}
	return limit
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Noop discards results. It is used when the journal is disabled.
type Noop struct{}

func (Noop) Record(context.Context, domain.CleanupResult) error { return nil }
func (Noop) History(context.Context, string, int) ([]domain.CleanupResult, error) {
	return nil, nil
}
func (Noop) Close() error { return nil }
