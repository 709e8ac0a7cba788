package worktree

import (
	"context"
	"fmt"
	"os"
	"syscall"
)

// RepoLock is an exclusive advisory lock over one repository clone. It
// serialises worktree mutations across worker processes on the same host.
type RepoLock struct {
	path string
	file *os.File
}

// AcquireLock blocks until it holds the exclusive flock on path, or until
// ctx is cancelled.
func AcquireLock(ctx context.Context, path string) (*RepoLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
	}()

	select {
	case err := <-done:
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		return &RepoLock{path: path, file: f}, nil
	case <-ctx.Done():
		// Closing the fd unblocks the pending flock.
		f.Close()
		return nil, ctx.Err()
	}
}

// Release drops the lock and closes the file.
func (l *RepoLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}
