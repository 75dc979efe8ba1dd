package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quillreader/quill-core/internal/idgen"
	"github.com/quillreader/quill-core/internal/lifecycle"
)

// ErrDuplicateTerminal is returned when a second terminal record is
// written for the same task id. Exactly one layer writes terminal
// records; a duplicate means two layers tried.
var ErrDuplicateTerminal = errors.New("terminal record already written for task")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HistoryEntry is one durable terminal record.
type HistoryEntry struct {
	ID            string                    `json:"id"`
	Kind          lifecycle.Kind            `json:"kind"`
	Title         string                    `json:"title,omitempty"`
	Status        lifecycle.PersistedStatus `json:"status"`
	Detail        string                    `json:"detail,omitempty"`
	PersistedType lifecycle.PersistedType   `json:"persisted_type,omitempty"`
	EntryID       string                    `json:"entry_id,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	FinishedAt    time.Time                 `json:"finished_at"`
}

// Diagnostic is one user-facing failure record.
type Diagnostic struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Kind      lifecycle.Kind `json:"kind"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

type HistoryFilter struct {
	Kind   lifecycle.Kind
	Status lifecycle.PersistedStatus
	Limit  int
}

// RecordTerminal inserts the write-once terminal record for a task.
// A second insert for the same task id fails with ErrDuplicateTerminal.
func (s *Store) RecordTerminal(ctx context.Context, entry HistoryEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if entry.Status == "" {
		return fmt.Errorf("persisted status is required")
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now().UTC()
	}
	var startedAt any
	if entry.StartedAt != nil {
		startedAt = entry.StartedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (id, kind, title, status, detail, persisted_type, entry_id, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Kind), nullString(entry.Title), string(entry.Status), nullString(entry.Detail),
		nullString(string(entry.PersistedType)), nullString(entry.EntryID),
		entry.CreatedAt.Format(time.RFC3339Nano), startedAt, entry.FinishedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("record terminal for %s: %w", entry.ID, ErrDuplicateTerminal)
		}
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

// RecordDiagnostic appends a user-facing failure record for a task.
func (s *Store) RecordDiagnostic(ctx context.Context, taskID string, kind lifecycle.Kind, status, message string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnostics (id, task_id, kind, status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, idgen.New(), taskID, string(kind), status, message, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert diagnostic: %w", err)
	}
	return nil
}

// History lists terminal records, newest first.
func (s *Store) History(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	query := `SELECT id, kind, title, status, detail, persisted_type, entry_id, created_at, started_at, finished_at FROM task_history`
	var clauses []string
	var args []any

	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY finished_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var title, detail, persistedType, entryID, startedAtStr sql.NullString
		var createdAtStr, finishedAtStr string
		var kindStr, statusStr string
		if err := rows.Scan(&entry.ID, &kindStr, &title, &statusStr, &detail, &persistedType, &entryID, &createdAtStr, &startedAtStr, &finishedAtStr); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		entry.Kind = lifecycle.Kind(kindStr)
		entry.Status = lifecycle.PersistedStatus(statusStr)
		entry.Title = title.String
		entry.Detail = detail.String
		entry.PersistedType = lifecycle.PersistedType(persistedType.String)
		entry.EntryID = entryID.String
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		entry.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAtStr)
		if startedAtStr.Valid {
			if parsed, err := time.Parse(time.RFC3339Nano, startedAtStr.String); err == nil {
				entry.StartedAt = &parsed
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history: %w", err)
	}
	return out, nil
}

// Diagnostics lists failure records for one task, oldest first.
func (s *Store) Diagnostics(ctx context.Context, taskID string, limit int) ([]Diagnostic, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, status, message, created_at
		FROM diagnostics
		WHERE task_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	defer rows.Close()

	var out []Diagnostic
	for rows.Next() {
		var d Diagnostic
		var kindStr, createdAtStr string
		if err := rows.Scan(&d.ID, &d.TaskID, &kindStr, &d.Status, &d.Message, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.Kind = lifecycle.Kind(kindStr)
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return out, nil
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
