// Package filestore provides the persistent record store backing the device
// registry: atomic read/write of a single JSON blob with backup-on-write,
// corruption recovery, and optional cross-process file locking.
//
// Writes go through a staging file (<path>.tmp) that is fsynced and renamed
// over the main file; the previous contents are preserved in <path>.bak
// first. Loads fall back to the backup when the main file is missing or
// fails JSON validation.
//
// The store is content-agnostic: callers hand it raw JSON bytes. The device
// registry is the only consumer today and stores a JSON array of device
// records.
package filestore
