// Package repolock serializes mutating operations on one working tree, both
// within the daemon and across coursesyncd processes.
package repolock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("repository is locked by another operation")

const defaultRetryDelay = 100 * time.Millisecond

// Locker guards a repository. The in-process slot keeps goroutines of one
// daemon apart; the file lock keeps separate processes apart.
type Locker struct {
	slot       chan struct{}
	file       *flock.Flock
	retryDelay time.Duration
}

// New creates a locker using the lock file inside the repository's .git
// directory.
func New(root string) *Locker {
	return NewWithPath(filepath.Join(root, ".git", "coursesyncd.lock"))
}

// NewWithPath creates a locker backed by the given lock file.
func NewWithPath(path string) *Locker {
	return &Locker{
		slot:       make(chan struct{}, 1),
		file:       flock.New(path),
		retryDelay: defaultRetryDelay,
	}
}

// Path returns the lock file path.
func (l *Locker) Path() string {
	return l.file.Path()
}

// Lock blocks until the repository lock is held or ctx is done. The returned
// function releases the lock.
func (l *Locker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for repository lock: %w", ctx.Err())
	}

	locked, err := l.file.TryLockContext(ctx, l.retryDelay)
	if err != nil || !locked {
		<-l.slot
		if err == nil {
			err = ErrLocked
		}
		return nil, fmt.Errorf("acquiring repository lock: %w", err)
	}
	return l.release, nil
}

// TryLock acquires the lock without waiting.
func (l *Locker) TryLock() (func(), error) {
	select {
	case l.slot <- struct{}{}:
	default:
		return nil, ErrLocked
	}

	locked, err := l.file.TryLock()
	if err != nil {
		<-l.slot
		return nil, fmt.Errorf("acquiring repository lock: %w", err)
	}
	if !locked {
		<-l.slot
		return nil, ErrLocked
	}
	return l.release, nil
}

func (l *Locker) release() {
	_ = l.file.Unlock()
	<-l.slot
}
