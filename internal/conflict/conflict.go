// Package conflict resolves unmerged paths without human intervention.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schaermu/coursesyncd/internal/backup"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/policy"
)

// Stage identifies which step of a sync pass surfaced the conflicts.
type Stage int

const (
	// StageMerge covers conflicts from merging the tracking branch. The
	// incoming merge head wins; the local committed version is archived.
	StageMerge Stage = iota
	// StageStash covers conflicts from replaying stashed local changes. The
	// freshly merged head wins; the stashed version is archived.
	StageStash
)

func (s Stage) String() string {
	if s == StageStash {
		return "stash"
	}
	return "merge"
}

// source is the ref whose version of a path wins.
func (s Stage) source() string {
	if s == StageStash {
		return "HEAD"
	}
	return "MERGE_HEAD"
}

// losing is the ref holding the version that gets archived.
func (s Stage) losing() string {
	if s == StageStash {
		return "refs/stash"
	}
	return "HEAD"
}

// deletedByWinner reports whether the status code says the winning side
// deleted the path.
func (s Stage) deletedByWinner(code string) bool {
	if code == "DD" {
		return true
	}
	if s == StageStash {
		return code == "DU"
	}
	return code == "UD"
}

// Action is what happened to a conflicting path.
type Action string

const (
	ActionRestored Action = "restored"
	ActionRemoved  Action = "removed"
)

// Outcome describes the resolution of one path.
type Outcome struct {
	Path       string
	Code       string
	Action     Action
	BackupPath string
}

// Repository is the subset of git operations the resolver needs.
type Repository interface {
	Status(ctx context.Context, opts git.StatusOptions) ([]git.StatusEntry, error)
	Exists(ctx context.Context, ref, path string) (bool, error)
	Show(ctx context.Context, ref, path string) ([]byte, error)
	Restore(ctx context.Context, path string, opts git.RestoreOptions) error
	Remove(ctx context.Context, path string, cached bool) error
}

// Resolver settles conflicts for one sync pass.
type Resolver struct {
	repo   Repository
	root   string
	stamp  string
	logger *slog.Logger
}

// NewResolver creates a resolver for the working tree at root. stamp is used
// in Backup Artifact names.
func NewResolver(repo Repository, root, stamp string, logger *slog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		root:   root,
		stamp:  stamp,
		logger: logger,
	}
}

// Resolve forces every path to the winning side of stage. Paths outside the
// overwritable set have their losing version archived first.
func (r *Resolver) Resolve(ctx context.Context, paths []string, stage Stage, overwritable policy.PathSet) ([]Outcome, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	entries, err := r.repo.Status(ctx, git.StatusOptions{Paths: paths})
	if err != nil {
		return nil, fmt.Errorf("failed to read conflict status: %w", err)
	}
	codes := make(map[string]string, len(entries))
	for _, e := range entries {
		codes[e.Path] = e.Code
	}

	outcomes := make([]Outcome, 0, len(paths))
	for _, p := range paths {
		out, err := r.resolveOne(ctx, p, codes[p], stage, overwritable)
		if err != nil {
			return outcomes, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (r *Resolver) resolveOne(ctx context.Context, p, code string, stage Stage, overwritable policy.PathSet) (Outcome, error) {
	out := Outcome{Path: p, Code: code}

	if !overwritable.Has(p) {
		artifact, err := r.archive(ctx, p, stage)
		if err != nil {
			return out, err
		}
		out.BackupPath = artifact
	}

	remove := stage.deletedByWinner(code)
	if !remove {
		present, err := r.repo.Exists(ctx, stage.source(), p)
		if err != nil {
			return out, err
		}
		remove = !present
	}

	if remove {
		if err := r.repo.Remove(ctx, p, false); err != nil {
			return out, err
		}
		out.Action = ActionRemoved
	} else {
		opts := git.RestoreOptions{Source: stage.source(), Staged: true, Worktree: true}
		if err := r.repo.Restore(ctx, p, opts); err != nil {
			return out, err
		}
		out.Action = ActionRestored
	}

	r.logger.Info("resolved conflict",
		"path", p,
		"code", code,
		"stage", stage.String(),
		"action", string(out.Action),
		"backup", out.BackupPath,
	)
	return out, nil
}

// archive writes the losing version of p as a Backup Artifact. It returns an
// empty path when the losing side deleted the file.
func (r *Resolver) archive(ctx context.Context, p string, stage Stage) (string, error) {
	ref := stage.losing()
	present, err := r.repo.Exists(ctx, ref, p)
	if err != nil {
		return "", err
	}
	if !present {
		r.logger.Info("file was deleted locally, nothing to back up", "path", p, "stage", stage.String())
		return "", nil
	}

	content, err := r.repo.Show(ctx, ref, p)
	if err != nil {
		return "", err
	}
	artifact, err := backup.Write(filepath.Join(r.root, filepath.FromSlash(p)), content, r.stamp)
	if err != nil {
		return "", err
	}
	r.logger.Warn("conflicting local version kept as backup", "path", p, "backup", artifact)
	return artifact, nil
}
