// Package audit records application-originated device requests to the
// audit_logs table for history queries. Only the request is stored,
// never resulting device state.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry represents a single audit trail record.
type Entry struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Method     string    `json:"method"`
	Identifier string    `json:"identifier,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter controls which audit entries to return.
type Filter struct {
	DeviceID string // optional: filter by device id
	Method   string // optional: filter by verb (GET, SET, INVOKE, ...)
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains the paginated audit results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Pagination bounds.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Repository defines the interface for audit trail operations.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores audit entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates the repository and ensures the audit_logs
// table exists.
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLiteRepository, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id         TEXT PRIMARY KEY,
			device_id  TEXT NOT NULL,
			method     TEXT NOT NULL,
			identifier TEXT NOT NULL DEFAULT '',
			payload    TEXT,
			source     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_device ON audit_logs(device_id, created_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("audit: creating schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Create persists one entry. ID and CreatedAt are filled in when empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var payload sql.NullString
	if entry.Payload != nil {
		data, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("audit: encoding payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, device_id, method, identifier, payload, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DeviceID, entry.Method, entry.Identifier, payload, entry.Source, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: inserting entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var conds []string
	var args []any
	if filter.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Method != "" {
		conds = append(conds, "method = ?")
		args = append(args, filter.Method)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("audit: counting entries: %w", err)
	}

	query := `SELECT id, device_id, method, identifier, payload, source, created_at
		 FROM audit_logs` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("audit: querying entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	result := &ListResult{Limit: limit, Offset: filter.Offset, Total: total}
	for rows.Next() {
		var entry Entry
		var payload sql.NullString
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.Method, &entry.Identifier, &payload, &entry.Source, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scanning entry: %w", err)
		}
		if payload.Valid {
			//nolint:errcheck // stored payloads were marshalled by Create
			json.Unmarshal([]byte(payload.String), &entry.Payload)
		}
		result.Entries = append(result.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterating entries: %w", err)
	}
	return result, nil
}
