package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/schaermu/coursesyncd/internal/backup"
	"github.com/schaermu/coursesyncd/internal/config"
	"github.com/schaermu/coursesyncd/internal/conflict"
	"github.com/schaermu/coursesyncd/internal/course"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/metrics"
	"github.com/schaermu/coursesyncd/internal/policy"
	"github.com/schaermu/coursesyncd/internal/vault"
)

// Locker serializes mutating access to the working tree.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Engine merges the tracking branch into the local main branch
type Engine struct {
	cfg      *config.Config
	repo     git.Repository
	provider course.Provider
	locker   Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	state State
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, repo git.Repository, provider course.Provider, locker Locker, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		repo:     repo,
		provider: provider,
		locker:   locker,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// SafeRun is Run with panics converted into errors, for use at the boundary
// of the background loop.
func (e *Engine) SafeRun(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync pass panicked", "state", e.state.String(), "panic", r)
			res.Outcome = OutcomeFailed
			err = fmt.Errorf("sync pass panicked in state %s: %v", e.state, r)
			res.Error = err.Error()
			e.state = StateIdle
		}
	}()
	return e.Run(ctx)
}

// Run executes one complete sync pass while holding the repository lock.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	unlock, err := e.locker.Lock(ctx)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	defer unlock()

	start := e.now()
	res, err := e.run(ctx, start)
	res.Started = start
	res.Duration = e.now().Sub(start)
	if err != nil {
		res.Error = err.Error()
	}
	e.state = StateIdle

	e.metrics.ObservePass(string(res.Outcome), res.Duration, err != nil)
	e.logger.Info("sync pass finished",
		"outcome", string(res.Outcome),
		"local", short(res.LocalHead),
		"tracking", short(res.TrackingHead),
		"conflicts", res.Conflicts,
		"backups", len(res.Backups),
		"duration", res.Duration)
	return res, err
}

func (e *Engine) run(ctx context.Context, start time.Time) (Result, error) {
	res := Result{Outcome: OutcomeFailed}
	main := e.cfg.Repo.MainBranch
	tracking := e.cfg.TrackingBranch()

	e.enter(StateFetching)
	for _, remote := range e.cfg.FetchRemotes() {
		if err := e.repo.Fetch(ctx, remote); err != nil {
			return res, fmt.Errorf("failed to fetch %s: %w", remote, err)
		}
	}

	e.enter(StateCheckingAncestry)
	if err := e.recoverInterrupted(ctx, backup.Stamp(start), &res); err != nil {
		return res, err
	}
	if err := e.repo.Checkout(ctx, main, git.CheckoutOptions{}); err != nil {
		return res, fmt.Errorf("failed to check out %s: %w", main, err)
	}
	local, err := e.repo.Head(ctx, e.cfg.MainRef())
	if err != nil {
		return res, fmt.Errorf("failed to read local head: %w", err)
	}
	upstream, err := e.repo.Head(ctx, e.cfg.TrackingRef())
	if err != nil {
		return res, fmt.Errorf("failed to read tracking head: %w", err)
	}
	res.LocalHead, res.TrackingHead = local, upstream

	merged, err := e.repo.IsAncestor(ctx, local, upstream)
	if err != nil {
		return res, fmt.Errorf("failed to compare %s with %s: %w", main, tracking, err)
	}
	if merged {
		e.logger.Debug("tracking branch already merged", "local", short(local), "tracking", short(upstream))
		res.Outcome = OutcomeNoop
		return res, nil
	}

	assignments, err := e.provider.Assignments(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load assignments: %w", err)
	}

	e.enter(StateStaging)
	p := &pass{
		staging:   StagingBranch(local, upstream),
		localHead: local,
		stamp:     backup.Stamp(start),
	}
	if err := e.repo.DeleteBranch(ctx, p.staging, true); err != nil && !git.IsBenign(err) {
		e.logger.Warn("failed to delete stale staging branch", "branch", p.staging, "error", err)
	}
	if err := e.repo.Checkout(ctx, p.staging, git.CheckoutOptions{Create: true, StartPoint: local}); err != nil {
		return res, fmt.Errorf("failed to create staging branch: %w", err)
	}
	defer e.cleanup(ctx, p)

	v := vault.New(e.repo, e.cfg.Repo.Root, p.stamp, e.logger)
	passErr := e.mergeAndReplay(ctx, p, v, assignments, &res)
	if passErr == nil {
		e.enter(StateIntegrating)
		res.MergedHead, passErr = e.integrate(ctx, p)
		if passErr != nil {
			passErr = fmt.Errorf("failed to integrate staging branch: %w", passErr)
		}
	}
	if passErr != nil && !p.integrated {
		e.abort(ctx, p)
	}

	// Untracked files go back only after main has settled, whatever happened.
	restoreErr := v.RestoreOrBackup()
	res.Backups = append(res.Backups, v.Backups()...)
	e.metrics.AddBackups("vault", len(v.Backups()))
	if restoreErr != nil {
		e.logger.Error("failed to restore untracked files", "dir", v.SideDir(), "error", restoreErr)
	}

	switch {
	case passErr != nil && p.integrated:
		// main holds the merge; the next pass completes the switch from the journal.
		res.Outcome = OutcomeMerged
		return res, errors.Join(fmt.Errorf("sync incomplete: %w", passErr), restoreErr)
	case passErr != nil:
		res.Outcome = OutcomeAborted
		res.MergedHead = ""
		return res, errors.Join(fmt.Errorf("sync aborted: %w", passErr), restoreErr)
	}
	res.Outcome = OutcomeMerged
	return res, restoreErr
}

// mergeAndReplay performs the merge on the staging branch and replays the
// stashed local changes on top of it.
func (e *Engine) mergeAndReplay(ctx context.Context, p *pass, v *vault.Vault, assignments []course.Assignment, res *Result) error {
	root := e.cfg.Repo.Root
	tracking := e.cfg.TrackingBranch()
	resolver := conflict.NewResolver(e.repo, root, p.stamp, e.logger)

	e.enter(StateMergingUpstream)
	if err := e.saveJournal(p); err != nil {
		return err
	}
	if err := v.Capture(ctx); err != nil {
		return err
	}
	if err := v.Relocate(); err != nil {
		return err
	}
	stashed, err := e.repo.Stash(ctx)
	if err != nil {
		return fmt.Errorf("failed to stash local changes: %w", err)
	}
	p.treeClean = true
	p.stashed = stashed
	if stashed {
		entry, err := e.repo.LatestStash(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stash entry: %w", err)
		}
		p.stashID = entry.ID
		if err := e.saveJournal(p); err != nil {
			return err
		}
	}

	overwritable, err := policy.GatherOverwritable(assignments, root)
	if err != nil {
		return fmt.Errorf("failed to expand overwrite policy: %w", err)
	}
	conflicts, err := e.repo.Merge(ctx, tracking, git.MergeOptions{NoCommit: true})
	if err != nil {
		return fmt.Errorf("failed to merge %s: %w", tracking, err)
	}
	incoming, err := policy.GatherOverwritable(assignments, root)
	if err != nil {
		return fmt.Errorf("failed to expand overwrite policy: %w", err)
	}
	overwritable = overwritable.Union(incoming)

	if len(conflicts) > 0 {
		e.enter(StateResolvingMergeConflicts)
		if err := e.resolve(ctx, resolver, conflicts, conflict.StageMerge, overwritable, res); err != nil {
			return err
		}
	}
	msg := fmt.Sprintf("Merge %s into %s", tracking, e.cfg.Repo.MainBranch)
	if _, err := e.repo.Commit(ctx, msg, "", false); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	if !p.stashed {
		return nil
	}
	e.enter(StateReplayingLocalChanges)
	// The stash entry is kept until main has moved so the abort path can
	// always restore it onto the original main.
	conflicts, err = e.repo.ApplyStash(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay local changes: %w", err)
	}
	if len(conflicts) == 0 {
		return nil
	}

	e.enter(StateResolvingStashConflicts)
	overwritable, err = policy.GatherOverwritable(assignments, root)
	if err != nil {
		return fmt.Errorf("failed to expand overwrite policy: %w", err)
	}
	return e.resolve(ctx, resolver, conflicts, conflict.StageStash, overwritable, res)
}

func (e *Engine) resolve(ctx context.Context, resolver *conflict.Resolver, paths []string, stage conflict.Stage, overwritable policy.PathSet, res *Result) error {
	e.logger.Info("resolving conflicts", "stage", stage.String(), "count", len(paths))
	outcomes, err := resolver.Resolve(ctx, paths, stage, overwritable)
	backups := 0
	for _, o := range outcomes {
		if o.BackupPath != "" {
			res.Backups = append(res.Backups, o.BackupPath)
			backups++
		}
	}
	res.Conflicts += len(outcomes)
	e.metrics.AddConflicts(stage.String(), len(outcomes))
	e.metrics.AddBackups(stage.String(), backups)
	if err != nil {
		return fmt.Errorf("failed to resolve %s conflicts: %w", stage, err)
	}
	return nil
}

// integrate moves main to the staging head. The working tree already holds
// the merged content plus the replayed local changes, so only refs change.
func (e *Engine) integrate(ctx context.Context, p *pass) (string, error) {
	head, err := e.repo.Head(ctx, "refs/heads/"+p.staging)
	if err != nil {
		return "", err
	}
	ok, err := e.repo.IsAncestor(ctx, head, p.localHead)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("staging head %s does not descend from %s", short(head), short(p.localHead))
	}
	if err := e.repo.UpdateRef(ctx, e.cfg.MainRef(), head, p.localHead); err != nil {
		return "", err
	}
	p.integrated = true
	if err := e.saveJournal(p); err != nil {
		e.logger.Warn("failed to record integration", "error", err)
	}
	if err := e.repo.SymbolicRef(ctx, "HEAD", e.cfg.MainRef()); err != nil {
		e.logger.Error("main moved but HEAD is still on the staging branch",
			"branch", p.staging, "stash_kept", p.stashed, "stash", short(p.stashID), "error", err)
		return head, fmt.Errorf("failed to switch HEAD back to %s: %w", e.cfg.Repo.MainBranch, err)
	}
	if p.stashed {
		if err := e.repo.DropStash(ctx); err != nil {
			e.logger.Warn("failed to drop replayed stash entry", "error", err)
		}
		p.stashDropped = true
	}
	return head, nil
}

// abort returns the working copy to the local main branch with the user's
// tracked changes restored. Every step is best effort.
func (e *Engine) abort(ctx context.Context, p *pass) {
	e.enter(StateAborting)
	main := e.cfg.Repo.MainBranch

	if err := e.repo.AbortMerge(ctx); err != nil && !git.IsBenign(err) {
		e.logger.Warn("failed to abort merge", "error", err)
	}

	if !p.treeClean {
		// Local changes were never stashed; staging still equals main.
		if err := e.repo.Checkout(ctx, main, git.CheckoutOptions{}); err != nil {
			e.logger.Error("failed to return to main", "error", err)
		}
		return
	}

	if err := e.repo.Reset(ctx, "HEAD", git.ResetHard); err != nil {
		e.logger.Warn("failed to reset staging branch", "error", err)
	}
	if err := e.repo.Checkout(ctx, main, git.CheckoutOptions{Force: true}); err != nil {
		e.logger.Error("failed to return to main", "error", err)
		return
	}
	if p.stashed && !p.stashDropped {
		conflicts, err := e.repo.PopStash(ctx)
		switch {
		case err != nil && !errors.Is(err, git.ErrNothingToPop):
			e.logger.Error("failed to restore local changes, they remain in the stash", "error", err)
		case len(conflicts) > 0:
			e.logger.Error("restoring local changes conflicted, they remain in the stash", "paths", conflicts)
		}
	}
}

// cleanup deletes the staging branch regardless of outcome. The branch and
// the journal are kept while HEAD is still on it, for recoverInterrupted.
func (e *Engine) cleanup(ctx context.Context, p *pass) {
	e.enter(StateCleanup)
	if branch, err := e.repo.CurrentBranch(ctx); err == nil && branch == p.staging {
		e.logger.Warn("still on staging branch during cleanup, keeping it", "branch", p.staging)
		return
	}
	if err := e.repo.DeleteBranch(ctx, p.staging, true); err != nil && !git.IsBenign(err) {
		e.logger.Warn("failed to delete staging branch", "branch", p.staging, "error", err)
	}
	if err := e.clearJournal(); err != nil {
		e.logger.Warn("failed to clear pass journal", "error", err)
	}
}

// recoverInterrupted finishes a pass that never completed. It leaves the
// staging branch, puts the stashed local changes back, deletes leftover
// staging branches and drains stale vault directories.
func (e *Engine) recoverInterrupted(ctx context.Context, stamp string, res *Result) error {
	j, err := e.loadJournal()
	if err != nil {
		e.logger.Warn("ignoring unreadable pass journal", "error", err)
	}
	branch, err := e.repo.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current branch: %w", err)
	}

	onStaging := strings.HasPrefix(branch, StagingBranchPrefix)
	if onStaging || j != nil {
		e.logger.Warn("recovering from interrupted sync pass", "branch", branch, "journal", j != nil)
		if err := e.finishInterrupted(ctx, j, onStaging, stamp, res); err != nil {
			return err
		}
	}
	e.deleteStagingBranches(ctx)

	v := vault.New(e.repo, e.cfg.Repo.Root, stamp, e.logger)
	err = v.Recover()
	res.Backups = append(res.Backups, v.Backups()...)
	e.metrics.AddBackups("vault", len(v.Backups()))
	if err != nil {
		return err
	}
	return e.clearJournal()
}

func (e *Engine) finishInterrupted(ctx context.Context, j *journal, onStaging bool, stamp string, res *Result) error {
	integrated := j != nil && j.Integrated
	stash, err := e.pendingStash(ctx, j)
	if err != nil {
		return fmt.Errorf("failed to inspect stash: %w", err)
	}

	if onStaging {
		if err := e.leaveStaging(ctx, integrated); err != nil {
			return err
		}
	}
	if stash.ID == "" {
		return nil
	}
	if integrated {
		// The replayed changes are already part of the working tree.
		if err := e.repo.DropStash(ctx); err != nil && !errors.Is(err, git.ErrNothingToPop) {
			e.logger.Warn("failed to drop replayed stash entry", "error", err)
		}
		return nil
	}
	return e.restoreStash(ctx, stamp, res)
}

// pendingStash returns the stash entry an interrupted pass left for the user's
// tracked changes, or the zero entry. Without a recorded id only an entry
// created by coursesyncd on top of the stash qualifies.
func (e *Engine) pendingStash(ctx context.Context, j *journal) (git.StashEntry, error) {
	top, err := e.repo.LatestStash(ctx)
	if err != nil || top.ID == "" {
		return git.StashEntry{}, err
	}
	switch {
	case j != nil && j.Stash != "":
		if top.ID == j.Stash {
			return top, nil
		}
	case j != nil && j.Integrated:
	case top.Owned():
		return top, nil
	}
	return git.StashEntry{}, nil
}

// leaveStaging checks out main from a staging branch. Unless main already
// points at the staging head, whatever the interrupted pass left in the
// working tree is discarded; the user's changes live in the stash.
func (e *Engine) leaveStaging(ctx context.Context, integrated bool) error {
	main := e.cfg.Repo.MainBranch
	if err := e.repo.AbortMerge(ctx); err != nil && !git.IsBenign(err) {
		return fmt.Errorf("failed to abort interrupted merge: %w", err)
	}
	if integrated {
		if err := e.repo.SymbolicRef(ctx, "HEAD", e.cfg.MainRef()); err != nil {
			return fmt.Errorf("failed to return to %s: %w", main, err)
		}
		return nil
	}

	stagingHead, err := e.repo.Head(ctx, "HEAD")
	if err != nil {
		return fmt.Errorf("failed to read staging head: %w", err)
	}
	mainHead, err := e.repo.Head(ctx, e.cfg.MainRef())
	if err != nil {
		return fmt.Errorf("failed to read local head: %w", err)
	}
	if stagingHead == mainHead {
		// Nothing was committed yet, so the tree can come along.
		err := e.repo.Checkout(ctx, main, git.CheckoutOptions{})
		if err == nil {
			return nil
		}
		e.logger.Warn("failed to carry working tree back to main", "error", err)
	}
	if err := e.repo.Reset(ctx, "HEAD", git.ResetHard); err != nil {
		e.logger.Warn("failed to reset staging branch", "error", err)
	}
	if err := e.repo.Checkout(ctx, main, git.CheckoutOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to return to %s: %w", main, err)
	}
	return nil
}

// restoreStash pops the pending stash entry onto main. Conflicts are resolved
// the way a pass resolves replayed local changes, keeping Backup Artifacts.
func (e *Engine) restoreStash(ctx context.Context, stamp string, res *Result) error {
	root := e.cfg.Repo.Root
	assignments, err := e.provider.Assignments(ctx)
	if err != nil {
		e.logger.Warn("failed to load assignments, resolving without overwrite policy", "error", err)
	}

	conflicts, err := e.repo.PopStash(ctx)
	switch {
	case errors.Is(err, git.ErrNothingToPop):
		return nil
	case err != nil:
		e.logger.Error("failed to restore local changes of interrupted pass, they remain in the stash", "error", err)
		return nil
	case len(conflicts) == 0:
		e.logger.Info("restored local changes of interrupted pass")
		return nil
	}

	e.enter(StateResolvingStashConflicts)
	overwritable, err := policy.GatherOverwritable(assignments, root)
	if err == nil {
		resolver := conflict.NewResolver(e.repo, root, stamp, e.logger)
		err = e.resolve(ctx, resolver, conflicts, conflict.StageStash, overwritable, res)
	}
	if err != nil {
		// git keeps a conflicting entry, so the changes are still in the stash.
		if rerr := e.repo.Reset(ctx, "HEAD", git.ResetHard); rerr != nil {
			e.logger.Warn("failed to reset after failed recovery", "error", rerr)
		}
		return fmt.Errorf("failed to restore local changes of interrupted pass: %w", err)
	}
	if err := e.repo.DropStash(ctx); err != nil && !errors.Is(err, git.ErrNothingToPop) {
		e.logger.Warn("failed to drop restored stash entry", "error", err)
	}
	return nil
}

// deleteStagingBranches removes every staging branch that is not checked out.
func (e *Engine) deleteStagingBranches(ctx context.Context) {
	branches, err := e.repo.Branches(ctx, StagingBranchPrefix)
	if err != nil {
		e.logger.Warn("failed to list staging branches", "error", err)
		return
	}
	current, _ := e.repo.CurrentBranch(ctx)
	for _, b := range branches {
		if b == current {
			continue
		}
		if err := e.repo.DeleteBranch(ctx, b, true); err != nil && !git.IsBenign(err) {
			e.logger.Warn("failed to delete stale staging branch", "branch", b, "error", err)
			continue
		}
		e.logger.Info("deleted stale staging branch", "branch", b)
	}
}

func (e *Engine) enter(s State) {
	e.state = s
	e.logger.Debug("sync state", "state", s.String())
}
