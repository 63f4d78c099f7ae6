package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File permission constants.
const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// Store is a JSON blob store with atomic writes and backup-based recovery.
//
// Thread Safety: Load and Save are safe for concurrent use within one
// process. Cross-process writers must enable locking (Options.Lock).
type Store struct {
	path string
	lock *fileLock // nil when cross-process locking is disabled
}

// Options configures a Store.
type Options struct {
	// Lock enables a cross-process lock file around writes.
	Lock bool
	// LockRetries is the number of acquisition attempts (default 10).
	LockRetries int
	// LockBackoffMS is the delay between attempts in milliseconds (default 50).
	LockBackoffMS int
}

// New creates a Store for the given file path.
// The directory is created if it does not exist.
func New(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("filestore: path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	s := &Store{path: path}
	if opts.Lock {
		s.lock = newFileLock(path+".lock", opts.LockRetries, opts.LockBackoffMS)
	}
	return s, nil
}

// Path returns the main store file path.
func (s *Store) Path() string {
	return s.path
}

// backupPath returns the path of the backup file kept beside the main file.
func (s *Store) backupPath() string {
	return s.path + ".bak"
}

// stagingPath returns the transient write-staging file path.
func (s *Store) stagingPath() string {
	return s.path + ".tmp"
}

// Load reads the store contents.
//
// Returns (nil, nil) when no store file exists yet. When the main file is
// unreadable or fails JSON validation, the backup is tried; if the backup is
// also bad, ErrCorrupt is returned wrapped with detail.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if json.Valid(data) {
			return data, nil
		}
		// fall through to backup
	case errors.Is(err, fs.ErrNotExist):
		// First run: no main file. A backup may still exist if a previous
		// write was interrupted between backup and rename.
	default:
		return nil, fmt.Errorf("reading store: %w", err)
	}

	backup, berr := os.ReadFile(s.backupPath())
	if berr != nil {
		if errors.Is(err, fs.ErrNotExist) && errors.Is(berr, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: main unreadable, backup: %v", ErrCorrupt, berr)
	}
	if !json.Valid(backup) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, s.path)
	}

	return backup, nil
}

// Save atomically replaces the store contents.
//
// The current main file (if any) is copied to the backup first, then the new
// payload is written to the staging file, fsynced, and renamed over the main
// file. With locking enabled the whole sequence runs under the cross-process
// lock, which is always released, including on error paths.
func (s *Store) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(data) {
		return ErrNotJSON
	}

	if s.lock != nil {
		if err := s.lock.acquire(); err != nil {
			return err
		}
		defer s.lock.release()
	}

	// Preserve the previous good contents before touching the main file.
	if err := s.copyToBackup(); err != nil {
		return err
	}

	staging := s.stagingPath()
	f, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("writing staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("syncing staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}

	if err := os.Rename(staging, s.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}

	return nil
}

// copyToBackup copies the current main file to the backup path.
// A missing main file (first write) is not an error.
func (s *Store) copyToBackup() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading store for backup: %w", err)
	}

	if err := os.WriteFile(s.backupPath(), data, filePermissions); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	return nil
}
