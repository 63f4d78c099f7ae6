package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// SQLiteRepository implements Repository using the status_history table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite status history repository.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts a new status transition row for a device.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Unique device identifier
//   - status: New device status
//   - previousStatus: Prior status ("" when unknown)
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) Record(ctx context.Context, deviceID, status, previousStatus string) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if status == "" {
		return fmt.Errorf("status is required")
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO status_history (device_id, status, previous_status, recorded_at) VALUES (?, ?, ?, ?)",
		deviceID,
		status,
		previousStatus,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting status history: %w", err)
	}

	return nil
}

// ListForDevice returns recent transitions for a device, ordered newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Unique device identifier
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Entry: Entries ordered by recorded_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteRepository) ListForDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, status, previous_status, recorded_at
		 FROM status_history
		 WHERE device_id = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var previous sql.NullString
		var recordedAt string

		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.Status, &previous, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning status history: %w", err)
		}
		entry.PreviousStatus = previous.String

		timestamp, err := parseHistoryTimestamp(recordedAt)
		if err != nil {
			return nil, err
		}
		entry.RecordedAt = timestamp

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status history: %w", err)
	}

	return entries, nil
}

// Prune deletes transition rows older than the given duration.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Duration to retain (rows older than now-olderThan are deleted)
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM status_history WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting status history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}

// parseHistoryTimestamp parses a timestamp stored in SQLite.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("recorded_at is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing recorded_at: %w", err)
}
