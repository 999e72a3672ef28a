package repolock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_ExcludesWithinProcess(t *testing.T) {
	l := NewWithPath(filepath.Join(t.TempDir(), "repo.lock"))

	unlock, err := l.Lock(context.Background())
	require.NoError(t, err)

	_, err = l.TryLock()
	assert.True(t, errors.Is(err, ErrLocked))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.TryLock()
	require.NoError(t, err)
	unlock2()
}

func TestLock_ExcludesAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	first := NewWithPath(path)
	second := NewWithPath(path)

	unlock, err := first.Lock(context.Background())
	require.NoError(t, err)

	_, err = second.TryLock()
	assert.ErrorIs(t, err, ErrLocked)

	done := make(chan error, 1)
	go func() {
		release, err := second.Lock(context.Background())
		if err == nil {
			release()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	unlock()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second locker never acquired the lock")
	}
}

func TestNew_UsesGitDir(t *testing.T) {
	l := New("/srv/class")
	assert.Equal(t, "/srv/class/.git/coursesyncd.lock", l.Path())
}
