package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPoll = 100 * time.Millisecond

// LockError reports a failure to take the sources directory lock.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("locking %s: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// FileLock is an exclusive advisory lock on a sources directory.
type FileLock struct {
	f *os.File
}

// Lock takes an exclusive flock on {sourcesDir}/.faebuild/lock, retrying
// until it is acquired or ctx is done.
func Lock(ctx context.Context, sourcesDir string) (*FileLock, error) {
	stateDir := filepath.Join(sourcesDir, StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, &LockError{Path: stateDir, Err: err}
	}
	path := filepath.Join(stateDir, "lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &LockError{Path: path, Err: err}
	}

	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &FileLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, &LockError{Path: path, Err: err}
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, &LockError{Path: path, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// LockWithin is Lock with the wait bounded by timeout (0 = until ctx is done).
func LockWithin(ctx context.Context, sourcesDir string, timeout time.Duration) (*FileLock, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return Lock(ctx, sourcesDir)
}

// Unlock releases the lock. It is safe to call more than once.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
