// Package vault moves untracked files out of the working tree for the
// duration of a merge and puts them back afterwards without losing content.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/schaermu/coursesyncd/internal/backup"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/policy"
)

// Digest is the BLAKE3-256 hash of a file's content.
type Digest [32]byte

// StatusLister lists working tree status entries.
type StatusLister interface {
	Status(ctx context.Context, opts git.StatusOptions) ([]git.StatusEntry, error)
}

// Snapshot records the content of the working tree before a merge.
type Snapshot struct {
	Digests   map[string]Digest
	Untracked []string
}

// Vault holds the untracked files of one sync pass.
type Vault struct {
	repo   StatusLister
	root   string
	stamp  string
	logger *slog.Logger

	snapshot  Snapshot
	sideDir   string
	relocated []string
	backups   []string
	done      bool

	// blocked maps a non-directory now standing where a vaulted file's
	// parent directory was to the backup directory receiving those files.
	blocked map[string]string
}

// New creates a vault for the working tree at root. stamp identifies the pass
// and names both the side directory and any Backup Artifacts.
func New(repo StatusLister, root, stamp string, logger *slog.Logger) *Vault {
	return &Vault{
		repo:    repo,
		root:    root,
		stamp:   stamp,
		logger:  logger,
		blocked: make(map[string]string),
	}
}

// SideDir returns the relative name of the side directory.
func (v *Vault) SideDir() string {
	return policy.VaultDirPrefix + v.stamp
}

// Snapshot returns the captured snapshot.
func (v *Vault) Snapshot() Snapshot {
	return v.snapshot
}

// Backups returns the artifacts written by RestoreOrBackup and Recover.
func (v *Vault) Backups() []string {
	return v.backups
}

// Capture digests every file in the working tree and lists untracked files.
func (v *Vault) Capture(ctx context.Context) error {
	digests := make(map[string]Digest)
	err := filepath.WalkDir(v.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != v.root && isExcluded(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(v.root, p)
		if err != nil {
			return err
		}
		sum, err := digestFile(p)
		if err != nil {
			return err
		}
		digests[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot working tree: %w", err)
	}

	entries, err := v.repo.Status(ctx, git.StatusOptions{Untracked: true})
	if err != nil {
		return fmt.Errorf("failed to list untracked files: %w", err)
	}
	var untracked []string
	for _, e := range entries {
		if !e.IsUntracked() || inSideDir(e.Path) {
			continue
		}
		untracked = append(untracked, strings.TrimSuffix(e.Path, "/"))
	}
	sort.Strings(untracked)

	v.snapshot = Snapshot{Digests: digests, Untracked: untracked}
	v.logger.Debug("captured working tree", "files", len(digests), "untracked", len(untracked))
	return nil
}

// Relocate moves every captured untracked path into the side directory,
// preserving its relative path. The side directory is created even when
// there is nothing to move.
func (v *Vault) Relocate() error {
	side := filepath.Join(v.root, v.SideDir())
	if err := os.MkdirAll(side, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	v.sideDir = side

	for _, rel := range v.snapshot.Untracked {
		src := filepath.Join(v.root, filepath.FromSlash(rel))
		dst := filepath.Join(side, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to prepare vault path for %s: %w", rel, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move %s into vault: %w", rel, err)
		}
		v.relocated = append(v.relocated, rel)
		pruneEmptyParents(v.root, filepath.Dir(src))
	}
	v.logger.Debug("relocated untracked files", "count", len(v.relocated), "dir", v.SideDir())
	return nil
}

// RestoreOrBackup returns relocated files to the working tree. A file whose
// path was taken by the merge is kept as a Backup Artifact unless its content
// is identical to what the merge produced. Calling it again is a no-op.
func (v *Vault) RestoreOrBackup() error {
	if v.done || v.sideDir == "" {
		return nil
	}

	var errs []error
	for _, rel := range v.relocated {
		if err := v.restore(rel); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to restore untracked files, vault kept at %s: %w", v.SideDir(), errors.Join(errs...))
	}
	if err := removeEmptyTree(v.sideDir); err != nil {
		return err
	}
	v.done = true
	return nil
}

func (v *Vault) restore(rel string) error {
	src := filepath.Join(v.sideDir, filepath.FromSlash(rel))
	dst := filepath.Join(v.root, filepath.FromSlash(rel))

	if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	current, err := os.Lstat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to restore %s: %w", rel, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to restore %s: %w", rel, err)
		}
		return nil
	case err != nil:
		return v.backupBlocked(src, dst, rel, err)
	}

	if current.Mode().IsRegular() {
		sum, err := digestFile(dst)
		if err != nil {
			return fmt.Errorf("failed to digest %s: %w", rel, err)
		}
		if prev, ok := v.snapshot.Digests[rel]; ok && prev == sum {
			if err := os.Remove(src); err != nil {
				return fmt.Errorf("failed to drop vaulted copy of %s: %w", rel, err)
			}
			return nil
		}
	}

	artifact, err := backup.Move(src, dst, v.stamp)
	if err != nil {
		return fmt.Errorf("failed to back up %s: %w", rel, err)
	}
	v.backups = append(v.backups, artifact)
	v.logger.Warn("untracked file collided with merged content, kept as backup", "path", rel, "backup", artifact)
	return nil
}

// backupBlocked handles a file whose original path cannot be inspected. When
// an ancestor of that path is now a file, the vaulted file moves into a backup
// directory named after that ancestor, keeping the rest of its path.
func (v *Vault) backupBlocked(src, dst, rel string, lstatErr error) error {
	blocker, ok := blockingAncestor(v.root, dst)
	if !ok {
		return fmt.Errorf("failed to inspect %s: %w", rel, lstatErr)
	}

	dir, ok := v.blocked[blocker]
	if !ok {
		var err error
		if dir, err = backup.Dir(blocker, v.stamp); err != nil {
			return fmt.Errorf("failed to back up %s: %w", rel, err)
		}
		v.blocked[blocker] = dir
	}
	rest, err := filepath.Rel(blocker, dst)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, rest)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to back up %s: %w", rel, err)
	}
	if err := os.Rename(src, target); err != nil {
		return fmt.Errorf("failed to back up %s: %w", rel, err)
	}
	v.backups = append(v.backups, target)
	v.logger.Warn("untracked file's directory was replaced by a file, kept as backup", "path", rel, "backup", target)
	return nil
}

// blockingAncestor returns the nearest ancestor of p below root that exists
// and is not a directory.
func blockingAncestor(root, p string) (string, bool) {
	for dir := filepath.Dir(p); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if info, err := os.Lstat(dir); err == nil {
			if info.IsDir() {
				return "", false
			}
			return dir, true
		}
	}
	return "", false
}

// Recover drains side directories left behind by an interrupted pass, using
// the same rules as RestoreOrBackup with a direct content comparison.
func (v *Vault) Recover() error {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		return fmt.Errorf("failed to scan for stale vaults: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), policy.VaultDirPrefix) || e.Name() == v.SideDir() {
			continue
		}
		dir := filepath.Join(v.root, e.Name())
		v.logger.Warn("recovering files from interrupted sync", "dir", e.Name())
		if err := v.drain(dir); err != nil {
			return fmt.Errorf("failed to recover %s: %w", e.Name(), err)
		}
		if err := removeEmptyTree(dir); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) drain(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(v.root, rel)
		if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			return os.Rename(p, dst)
		} else if err != nil {
			return v.backupBlocked(p, dst, filepath.ToSlash(rel), err)
		}
		if same, _ := sameContent(p, dst); same {
			return os.Remove(p)
		}
		artifact, err := backup.Move(p, dst, v.stamp)
		if err != nil {
			return err
		}
		v.backups = append(v.backups, artifact)
		return nil
	})
}

func sameContent(a, b string) (bool, error) {
	da, err := digestFile(a)
	if err != nil {
		return false, err
	}
	db, err := digestFile(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

func digestFile(p string) (Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return Digest{}, err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// removeEmptyTree removes dir and its subdirectories. It refuses to delete
// anything if a file is still present.
func removeEmptyTree(dir string) error {
	var dirs []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return fmt.Errorf("vault directory %s still contains %s", dir, p)
		}
		dirs = append(dirs, p)
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Remove(dirs[i]); err != nil {
			return fmt.Errorf("failed to remove vault directory: %w", err)
		}
	}
	return nil
}

// pruneEmptyParents removes now-empty directories from dir up to root.
func pruneEmptyParents(root, dir string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isExcluded(name string) bool {
	return name == ".git" || strings.HasPrefix(name, policy.VaultDirPrefix)
}

func inSideDir(rel string) bool {
	first, _, _ := strings.Cut(path.Clean(rel), "/")
	return strings.HasPrefix(first, policy.VaultDirPrefix)
}
