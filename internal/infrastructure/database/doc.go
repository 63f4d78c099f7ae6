// Package database provides SQLite database connectivity for Fleet Core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations (additive-only)
//   - Connection pooling and lifecycle management
//
// SQLite backs the status history: an append-only log of device status
// transitions that outlives the JSON record store's full-set rewrites.
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are forward-only and additive: one .up.sql file per step,
// named YYYYMMDD_HHMMSS_description.up.sql, embedded via the migrations
// package. New columns must be NULLABLE or carry a DEFAULT so older
// rows stay readable.
package database
