package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// openTestDB creates a temporary history database.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "fleetcore.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

// TestOpen verifies the database file and its directory are created.
func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "data", "fleetcore.db")

	db, err := Open(Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

// TestOpenForeignKeys verifies the foreign key pragma is applied.
func TestOpenForeignKeys(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	var enabled int
	if err := db.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		t.Fatalf("reading pragma: %v", err)
	}
	if enabled != 1 {
		t.Errorf("foreign_keys = %d, want 1", enabled)
	}
}

// TestHealthCheck verifies a live connection reports healthy.
func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

// TestClose verifies shutdown, including the nil-handle guard.
func TestClose(t *testing.T) {
	db := openTestDB(t)

	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	db.DB = nil
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil handle error = %v", err)
	}
}

// TestHistoryShapedWrites exercises the database the way the mirror
// uses it: create the history table, append transitions, read them back.
func TestHistoryShapedWrites(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	_, err := db.ExecContext(ctx, `
		CREATE TABLE status_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}

	for _, status := range []string{"online", "offline", "online"} {
		if _, err := db.ExecContext(ctx,
			"INSERT INTO status_log (device_id, status) VALUES (?, ?)",
			"dev-1", status); err != nil {
			t.Fatalf("inserting %s: %v", status, err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM status_log WHERE device_id = ?", "dev-1").Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 3 {
		t.Errorf("rows = %d, want 3", count)
	}
}
