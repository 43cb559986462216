// Package fslock provides advisory, process-exclusive file locks used to
// serialize access to a mirror directory and to the audit report.
package fslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

// pollInterval is how often Acquire retries a held lock.
const pollInterval = 100 * time.Millisecond

type Lock struct {
	path string
	file *os.File
}

// TryLock takes an exclusive lock on path without blocking, creating the file
// (and its directory) if needed.
func TryLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

// Acquire retries TryLock until it succeeds or ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	for {
		l, err := TryLock(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for lock %s: %w", path, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Hold runs fn while holding an exclusive lock on f itself. It blocks until
// the lock is available.
func Hold(f *os.File, fn func() error) error {
	if err := lockFileBlocking(f); err != nil {
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	fnErr := fn()
	if err := unlockFile(f); err != nil && fnErr == nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return fnErr
}

func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file is left in place.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", l.path, closeErr)
	}
	return nil
}
