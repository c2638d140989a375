// Package flock provides a scoped advisory lock for serializing metadata
// writes and garbage collection across processes sharing one checkpoint root.
package flock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when the lock is held by another live owner.
var ErrLocked = errors.New("checkpoint root is locked")

// staleAfter is how old a lock file must be before a new owner may break it.
// Covers owners that crashed without releasing.
const staleAfter = 10 * time.Minute

// ScopedLock is an exclusive advisory lock backed by an O_EXCL lock file.
type ScopedLock struct {
	path string
}

// Acquire takes the lock at path, failing with ErrLocked if another process
// holds it. A lock file older than staleAfter is treated as abandoned and
// taken over.
func Acquire(path string) (*ScopedLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &ScopedLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %q: %w", path, err)
		}

		fi, statErr := os.Stat(path)
		if statErr != nil {
			// Raced with a release; retry.
			continue
		}
		if time.Since(fi.ModTime()) > staleAfter {
			_ = os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("%w (held by pid %s)", ErrLocked, ownerPid(path))
	}
	return nil, ErrLocked
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *ScopedLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %q: %w", l.path, err)
	}
	return nil
}

func ownerPid(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return "unknown"
	}
	return strconv.Itoa(pid)
}
