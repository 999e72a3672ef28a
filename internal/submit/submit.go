// Package submit commits an assignment directory and pushes it to the user's
// own remote, rolling the local commit back when the push does not go through.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/coursesyncd/internal/config"
	"github.com/schaermu/coursesyncd/internal/course"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/metrics"
	"github.com/schaermu/coursesyncd/internal/policy"
)

// Request describes one submission.
type Request struct {
	// AssignmentDir is the repository-relative directory to submit.
	AssignmentDir string
	Summary       string
	Description   string
}

// ValidationError reports a request that was refused before the repository
// was touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Locker serializes mutating access to the working tree.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Submitter stages, commits and pushes assignment directories
type Submitter struct {
	cfg      *config.Config
	repo     git.Repository
	provider course.Provider
	locker   Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewSubmitter creates a submitter. provider may be nil, in which case any
// directory is accepted and no protected-file policy applies.
func NewSubmitter(cfg *config.Config, repo git.Repository, provider course.Provider, locker Locker, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	return &Submitter{
		cfg:      cfg,
		repo:     repo,
		provider: provider,
		locker:   locker,
		metrics:  m,
		logger:   logger,
	}
}

// Submit commits everything under req.AssignmentDir except protected files and
// pushes main to the origin remote. It returns the new commit id.
func (s *Submitter) Submit(ctx context.Context, req Request) (string, error) {
	commit, err := s.submit(ctx, req)

	var validationErr *ValidationError
	var rejectedErr *git.PushRejectedError
	switch {
	case err == nil:
		s.metrics.ObserveSubmission("pushed")
	case errors.As(err, &validationErr):
		s.metrics.ObserveSubmission("invalid")
	case errors.As(err, &rejectedErr):
		s.metrics.ObserveSubmission("rejected")
	default:
		s.metrics.ObserveSubmission("failed")
	}
	return commit, err
}

func (s *Submitter) submit(ctx context.Context, req Request) (string, error) {
	dir, err := s.validate(req)
	if err != nil {
		return "", err
	}

	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to lock repository: %w", err)
	}
	defer unlock()

	assignment, err := s.assignment(ctx, dir)
	if err != nil {
		return "", err
	}

	main := s.cfg.Repo.MainBranch
	branch, err := s.repo.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read current branch: %w", err)
	}
	if branch != main {
		return "", fmt.Errorf("working copy is on %q, not %q", branch, main)
	}

	previous, err := s.repo.Head(ctx, "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read head: %w", err)
	}

	if err := s.stage(ctx, dir, assignment); err != nil {
		s.rollback(ctx, previous)
		return "", err
	}

	commit, err := s.repo.Commit(ctx, strings.TrimSpace(req.Summary), strings.TrimSpace(req.Description), true)
	if err != nil {
		s.rollback(ctx, previous)
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	s.logger.Info("committed submission", "dir", dir, "commit", commit)

	// Nothing reaches origin without a submission record.
	if recorder, ok := s.provider.(course.SubmissionRecorder); ok && assignment.ID != "" {
		if err := recorder.RecordSubmission(ctx, assignment.ID, commit); err != nil {
			s.rollback(ctx, previous)
			return "", fmt.Errorf("failed to record submission: %w", err)
		}
	}

	if err := s.repo.Push(ctx, s.cfg.Repo.OriginRemote, main); err != nil {
		s.rollback(ctx, previous)
		var rejected *git.PushRejectedError
		if errors.As(err, &rejected) {
			s.logger.Warn("push rejected by remote", "lines", rejected.Lines)
			return "", err
		}
		return "", fmt.Errorf("failed to push: %w", err)
	}
	s.logger.Info("pushed submission", "remote", s.cfg.Repo.OriginRemote, "commit", commit)
	return commit, nil
}

func (s *Submitter) validate(req Request) (string, error) {
	if strings.TrimSpace(req.Summary) == "" {
		return "", &ValidationError{Field: "summary", Message: "must not be empty"}
	}
	raw := strings.TrimSpace(req.AssignmentDir)
	if raw == "" {
		return "", &ValidationError{Field: "assignment_dir", Message: "must not be empty"}
	}
	if filepath.IsAbs(raw) {
		return "", &ValidationError{Field: "assignment_dir", Message: "must be relative to the repository root"}
	}
	dir := path.Clean(filepath.ToSlash(raw))
	if dir == "." || dir == ".." || strings.HasPrefix(dir, "../") {
		return "", &ValidationError{Field: "assignment_dir", Message: "must name a directory inside the repository"}
	}
	if dir == ".git" || strings.HasPrefix(dir, ".git/") || strings.HasPrefix(dir, policy.VaultDirPrefix) {
		return "", &ValidationError{Field: "assignment_dir", Message: "must not be repository metadata"}
	}
	info, err := os.Stat(filepath.Join(s.cfg.Repo.Root, filepath.FromSlash(dir)))
	if err != nil || !info.IsDir() {
		return "", &ValidationError{Field: "assignment_dir", Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	return dir, nil
}

func (s *Submitter) assignment(ctx context.Context, dir string) (course.Assignment, error) {
	if s.provider == nil {
		return course.Assignment{DirectoryPath: dir}, nil
	}
	assignments, err := s.provider.Assignments(ctx)
	if err != nil {
		return course.Assignment{}, fmt.Errorf("failed to load assignments: %w", err)
	}
	a, ok := course.FindByPath(assignments, dir)
	if !ok {
		return course.Assignment{}, &ValidationError{Field: "assignment_dir", Message: fmt.Sprintf("%s is not part of any assignment", dir)}
	}
	return a, nil
}

// stage adds dir and takes protected files back out of the index. Leaving
// nothing staged is fine: resubmitting unchanged work creates an empty commit.
func (s *Submitter) stage(ctx context.Context, dir string, a course.Assignment) error {
	if err := s.repo.Add(ctx, dir); err != nil {
		return fmt.Errorf("failed to stage %s: %w", dir, err)
	}

	protected, err := policy.GatherProtected([]course.Assignment{a}, s.cfg.Repo.Root)
	if err != nil {
		return fmt.Errorf("failed to expand protected files: %w", err)
	}
	entries, err := s.repo.Status(ctx, git.StatusOptions{Paths: []string{dir}})
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	staged := 0
	for _, e := range entries {
		if !e.IsStaged() {
			continue
		}
		if protected.Has(e.Path) {
			if err := s.repo.Restore(ctx, e.Path, git.RestoreOptions{Staged: true}); err != nil {
				return fmt.Errorf("failed to unstage protected file %s: %w", e.Path, err)
			}
			s.logger.Info("left protected file out of submission", "path", e.Path)
			continue
		}
		staged++
	}
	if staged == 0 {
		s.logger.Info("no changes staged, submitting current state", "dir", dir)
	}
	return nil
}

// rollback undoes the local commit and unstages everything, keeping the
// working tree as the user left it.
func (s *Submitter) rollback(ctx context.Context, previous string) {
	if err := s.repo.Reset(ctx, previous, git.ResetMixed); err != nil {
		s.logger.Error("failed to roll back submission", "head", previous, "error", err)
		return
	}
	s.logger.Info("rolled back submission", "head", previous)
}
