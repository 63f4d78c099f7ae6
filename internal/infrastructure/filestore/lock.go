package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
)

// Lock defaults.
const (
	defaultLockRetries   = 10
	defaultLockBackoffMS = 50

	// staleLockAge is the age past which an existing lock file is assumed to
	// belong to a crashed process and is removed.
	staleLockAge = 30 * time.Second
)

// fileLock is a cross-process advisory lock implemented with an exclusively
// created lock file. Acquisition retries with a fixed backoff and removes
// stale locks left behind by crashed writers.
type fileLock struct {
	path    string
	retries int
	backoff time.Duration
}

func newFileLock(path string, retries, backoffMS int) *fileLock {
	if retries <= 0 {
		retries = defaultLockRetries
	}
	if backoffMS <= 0 {
		backoffMS = defaultLockBackoffMS
	}
	return &fileLock{
		path:    path,
		retries: retries,
		backoff: time.Duration(backoffMS) * time.Millisecond,
	}
}

// acquire takes the lock, retrying up to the configured budget.
// Returns ErrLockTimeout when every attempt fails.
func (l *fileLock) acquire() error {
	for attempt := 0; attempt < l.retries; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
		if err == nil {
			// Record the owner PID for diagnostics.
			_, _ = f.WriteString(strconv.Itoa(os.Getpid())) //nolint:errcheck // Diagnostic only
			return f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		l.removeIfStale()
		time.Sleep(l.backoff)
	}
	return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
}

// release removes the lock file. Safe to call when the lock is already gone.
func (l *fileLock) release() {
	_ = os.Remove(l.path) //nolint:errcheck // Lock may already be removed
}

// removeIfStale deletes the lock file when it is older than staleLockAge.
// A crashed writer cannot release its lock; this keeps the store writable.
func (l *fileLock) removeIfStale() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > staleLockAge {
		_ = os.Remove(l.path) //nolint:errcheck // Another process may have won the race
	}
}
