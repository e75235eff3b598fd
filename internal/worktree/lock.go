package worktree

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// repoLock serializes worktree add/remove on one clone across processes.
type repoLock struct {
	flock *flock.Flock
	path  string
}

func newRepoLock(path string) *repoLock {
	return &repoLock{flock: flock.New(path), path: path}
}

// Lock blocks until the lock is held or ctx is done.
func (l *repoLock) Lock(ctx context.Context) error {
	ok, err := l.flock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("failed to acquire lock on %s", l.path)
	}
	return nil
}

func (l *repoLock) Unlock() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}
