// Package backup names and writes Backup Artifacts: sibling copies of a file
// version that lost a conflict. Artifacts are never overwritten.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// StampLayout is the ISO-8601 basic format used in artifact names.
	StampLayout = "20060102T150405Z"
	suffix      = "~backup"
	maxAttempts = 1000
)

// Stamp formats t in UTC for use in artifact and vault directory names.
func Stamp(t time.Time) string {
	return t.UTC().Format(StampLayout)
}

// Name returns the artifact name for original without collision handling.
func Name(original, stamp string) string {
	return original + "~" + stamp + suffix
}

// Write stores content as a new artifact next to original and returns the
// artifact path.
func Write(original string, content []byte, stamp string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(original), 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	for n := 0; n < maxAttempts; n++ {
		target := candidate(original, stamp, n)
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create backup %s: %w", target, err)
		}
		if _, err := f.Write(content); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("failed to write backup %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to write backup %s: %w", target, err)
		}
		return target, nil
	}
	return "", fmt.Errorf("failed to find a free backup name for %s", original)
}

// Move renames src to a new artifact next to original and returns the
// artifact path.
func Move(src, original, stamp string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(original), 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	for n := 0; n < maxAttempts; n++ {
		target := candidate(original, stamp, n)
		if _, err := os.Lstat(target); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if err := os.Rename(src, target); err != nil {
			return "", fmt.Errorf("failed to move backup into place: %w", err)
		}
		return target, nil
	}
	return "", fmt.Errorf("failed to find a free backup name for %s", original)
}

// Dir creates a new, empty artifact directory next to original and returns
// its path. It holds files that had to give way to original as a whole.
func Dir(original, stamp string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(original), 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	for n := 0; n < maxAttempts; n++ {
		target := candidate(original, stamp, n)
		err := os.Mkdir(target, 0755)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create backup %s: %w", target, err)
		}
		return target, nil
	}
	return "", fmt.Errorf("failed to find a free backup name for %s", original)
}

func candidate(original, stamp string, n int) string {
	name := Name(original, stamp)
	if n == 0 {
		return name
	}
	return name + "." + strconv.Itoa(n)
}
