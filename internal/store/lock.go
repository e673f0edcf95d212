package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLogLocked means another process holds the writer lock on the log
// directory.
var ErrLogLocked = errors.New("store: log is locked by another writer")

// Lock is an exclusive advisory lock over a log directory. Exactly one
// writer may hold it; the verifier never takes it, since it only reads.
type Lock struct {
	f *os.File
}

// AcquireLock takes the writer lock for dir, failing immediately with
// ErrLogLocked if another process holds it. The lock is released by Release
// or by process exit.
func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(dir, "writer.lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	err := funlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}
