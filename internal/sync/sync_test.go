package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/coursesyncd/internal/backup"
	"github.com/schaermu/coursesyncd/internal/config"
	"github.com/schaermu/coursesyncd/internal/course"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/metrics"
	"github.com/schaermu/coursesyncd/internal/process"
	"github.com/schaermu/coursesyncd/internal/repolock"
	"github.com/schaermu/coursesyncd/internal/testutil"
)

var passStart = time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)

// staticProvider implements course.Provider for testing.
type staticProvider struct {
	assignments []course.Assignment
	err         error
	panicMsg    string
}

func (p *staticProvider) Course(_ context.Context) (course.Course, error) {
	return course.Course{Name: "test"}, nil
}

func (p *staticProvider) Assignments(_ context.Context) ([]course.Assignment, error) {
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return p.assignments, p.err
}

// faultRepo wraps a real repository and fails selected operations.
type faultRepo struct {
	git.Repository
	failCommit      bool
	failApplyStash  bool
	failUpdateRef   bool
	failRestore     bool
	failMergeResult bool
	failSymbolicRef bool
}

var errInjected = errors.New("injected failure")

func (r *faultRepo) Commit(ctx context.Context, summary, description string, allowEmpty bool) (string, error) {
	if r.failCommit {
		return "", errInjected
	}
	return r.Repository.Commit(ctx, summary, description, allowEmpty)
}

func (r *faultRepo) ApplyStash(ctx context.Context) ([]string, error) {
	if r.failApplyStash {
		return nil, errInjected
	}
	return r.Repository.ApplyStash(ctx)
}

func (r *faultRepo) UpdateRef(ctx context.Context, ref, newValue, oldValue string) error {
	if r.failUpdateRef {
		return errInjected
	}
	return r.Repository.UpdateRef(ctx, ref, newValue, oldValue)
}

func (r *faultRepo) Restore(ctx context.Context, path string, opts git.RestoreOptions) error {
	if r.failRestore {
		return errInjected
	}
	return r.Repository.Restore(ctx, path, opts)
}

func (r *faultRepo) Merge(ctx context.Context, ref string, opts git.MergeOptions) ([]string, error) {
	conflicts, err := r.Repository.Merge(ctx, ref, opts)
	if r.failMergeResult {
		return nil, errInjected
	}
	return conflicts, err
}

func (r *faultRepo) SymbolicRef(ctx context.Context, name, ref string) error {
	if r.failSymbolicRef {
		return errInjected
	}
	return r.Repository.SymbolicRef(ctx, name, ref)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(root string, role config.Role) *config.Config {
	return &config.Config{
		Repo: config.RepoConfig{
			Root:           root,
			Role:           role,
			MainBranch:     "main",
			UpstreamRemote: "upstream",
			OriginRemote:   "origin",
		},
	}
}

type fixture struct {
	*testutil.ClassRepos
	repo     git.Repository
	provider *staticProvider
	engine   *Engine
}

func newFixture(t *testing.T, files map[string]string, assignments ...course.Assignment) *fixture {
	t.Helper()
	c := testutil.NewClassRepos(t, files)
	f := &fixture{
		ClassRepos: c,
		repo:       git.NewShellRepo(c.Work, process.NewExecutor(), git.Auth{}),
		provider:   &staticProvider{assignments: assignments},
	}
	f.engine = f.newEngine(f.repo)
	return f
}

func (f *fixture) newEngine(repo git.Repository) *Engine {
	e := NewEngine(testConfig(f.Work, config.RoleStudent), repo, f.provider, repolock.New(f.Work), metrics.New(), testLogger())
	e.now = func() time.Time { return passStart }
	return e
}

func (f *fixture) upstreamCommit(t *testing.T, files map[string]string) string {
	t.Helper()
	return testutil.CommitFiles(t, f.Master, "upstream change", files)
}

var stamp = backup.Stamp(passStart)

func assertNoStagingBranches(t *testing.T, dir string) {
	t.Helper()
	for _, b := range testutil.Branches(t, dir) {
		if strings.HasPrefix(b, StagingBranchPrefix) {
			t.Errorf("staging branch left behind: %s", b)
		}
	}
}

func assertOnMain(t *testing.T, dir string) {
	t.Helper()
	if got := testutil.Git(t, dir, "symbolic-ref", "--short", "HEAD"); got != "main" {
		t.Errorf("expected HEAD on main, got %s", got)
	}
}

func assertFile(t *testing.T, root, rel, want string) {
	t.Helper()
	if !testutil.Exists(root, rel) {
		t.Errorf("%s is missing", rel)
		return
	}
	if got := testutil.ReadFile(t, root, rel); got != want {
		t.Errorf("%s = %q, want %q", rel, got, want)
	}
}

func assertNoVaultDirs(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".untracked-") {
			t.Errorf("vault directory left behind: %s", e.Name())
		}
	}
}

func TestRun_NoopWhenCaughtUp(t *testing.T) {
	f := newFixture(t, nil)
	before := testutil.Head(t, f.Work, "main")

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("expected noop, got %s", res.Outcome)
	}
	if got := testutil.Branches(t, f.Work); len(got) != 1 || got[0] != "main" {
		t.Errorf("expected only main, got %v", got)
	}
	if testutil.Head(t, f.Work, "main") != before {
		t.Error("local head changed on a no-op pass")
	}
}

func TestRun_NoopWhenLocalAhead(t *testing.T) {
	f := newFixture(t, nil)
	testutil.CommitFiles(t, f.Work, "my work", map[string]string{"mine.txt": "x\n"})

	res, err := f.engine.Run(context.Background())
	if err != nil || res.Outcome != OutcomeNoop {
		t.Fatalf("Run = %s, %v; want noop", res.Outcome, err)
	}
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t, map[string]string{"README.md": "class\n"})
	f.upstreamCommit(t, map[string]string{"hw1/task.md": "solve it\n"})

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}
	merged := testutil.Head(t, f.Work, "main")
	if merged != res.MergedHead {
		t.Errorf("MergedHead = %s, main = %s", res.MergedHead, merged)
	}

	res, err = f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("expected second pass to be a noop, got %s", res.Outcome)
	}
	if testutil.Head(t, f.Work, "main") != merged {
		t.Error("second pass moved main")
	}
	assertNoStagingBranches(t, f.Work)
}

func TestRun_CleanMergePreservesLocalWork(t *testing.T) {
	f := newFixture(t, map[string]string{
		"hw1/main.py":  "base\n",
		"hw1/notes.md": "notes\n",
		"hw1/data.csv": "1,2\n",
	})
	upstreamHead := f.upstreamCommit(t, map[string]string{"hw2/task.md": "new assignment\n", "README.md": "updated\n"})

	testutil.CommitFiles(t, f.Work, "committed work", map[string]string{"hw1/main.py": "committed\n"})
	testutil.WriteFile(t, f.Work, "hw1/notes.md", "staged\n")
	testutil.Git(t, f.Work, "add", "hw1/notes.md")
	testutil.WriteFile(t, f.Work, "hw1/data.csv", "unstaged\n")
	testutil.WriteFile(t, f.Work, "hw1/scratch.txt", "untracked\n")

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}

	assertFile(t, f.Work, "hw1/main.py", "committed\n")
	assertFile(t, f.Work, "hw1/notes.md", "staged\n")
	assertFile(t, f.Work, "hw1/data.csv", "unstaged\n")
	assertFile(t, f.Work, "hw1/scratch.txt", "untracked\n")
	assertFile(t, f.Work, "hw2/task.md", "new assignment\n")
	assertFile(t, f.Work, "README.md", "updated\n")

	if len(res.Backups) != 0 {
		t.Errorf("expected no backups, got %v", res.Backups)
	}
	if ok, err := f.repo.IsAncestor(context.Background(), "main", upstreamHead); err != nil || !ok {
		t.Errorf("main does not contain the tracking head: %v, %v", ok, err)
	}
	assertOnMain(t, f.Work)
	assertNoStagingBranches(t, f.Work)
	assertNoVaultDirs(t, f.Work)
	if testutil.StashCount(t, f.Work) != 0 {
		t.Error("stash entry left behind")
	}
}

func TestRun_UntrackedRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.upstreamCommit(t, map[string]string{"lecture.md": "slides\n"})
	testutil.WriteFile(t, f.Work, "A", "foo")
	testutil.WriteFile(t, f.Work, "dir/B", "bar")

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertFile(t, f.Work, "A", "foo")
	assertFile(t, f.Work, "dir/B", "bar")
	if len(res.Backups) != 0 {
		t.Errorf("expected no backups, got %v", res.Backups)
	}
	assertNoVaultDirs(t, f.Work)
}

func TestRun_UntrackedCollisionKeepsBoth(t *testing.T) {
	f := newFixture(t, nil)
	f.upstreamCommit(t, map[string]string{"hw2/starter.py": "upstream\n", "hw2/same.py": "same\n"})
	testutil.WriteFile(t, f.Work, "hw2/starter.py", "my own\n")
	testutil.WriteFile(t, f.Work, "hw2/same.py", "same\n")

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertFile(t, f.Work, "hw2/starter.py", "upstream\n")
	assertFile(t, f.Work, backup.Name("hw2/starter.py", stamp), "my own\n")
	assertFile(t, f.Work, "hw2/same.py", "same\n")
	if testutil.Exists(f.Work, backup.Name("hw2/same.py", stamp)) {
		t.Error("identical untracked file should not be backed up")
	}
	if len(res.Backups) != 1 {
		t.Errorf("expected one backup, got %v", res.Backups)
	}
}

func TestRun_OverwritablePathTakesUpstream(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/solutions/lab.ipynb": "base\n"},
		course.Assignment{Name: "hw1", DirectoryPath: "hw1", OverwritableFiles: []string{"solutions/*.ipynb"}},
	)
	f.upstreamCommit(t, map[string]string{"hw1/solutions/lab.ipynb": "upstream\n"})
	testutil.CommitFiles(t, f.Work, "local edit", map[string]string{"hw1/solutions/lab.ipynb": "local\n"})

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Conflicts != 1 {
		t.Errorf("expected one conflict, got %d", res.Conflicts)
	}
	assertFile(t, f.Work, "hw1/solutions/lab.ipynb", "upstream\n")
	if len(res.Backups) != 0 {
		t.Errorf("overwritable paths must not be backed up, got %v", res.Backups)
	}
}

func TestRun_NonOverwritableConflictPreservesBoth(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/main.py": "base\n"},
		course.Assignment{Name: "hw1", DirectoryPath: "hw1", OverwritableFiles: []string{"*.ipynb"}},
	)
	f.upstreamCommit(t, map[string]string{"hw1/main.py": "upstream\n"})
	testutil.CommitFiles(t, f.Work, "local edit", map[string]string{"hw1/main.py": "local\n"})

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertFile(t, f.Work, "hw1/main.py", "upstream\n")
	assertFile(t, f.Work, backup.Name("hw1/main.py", stamp), "local\n")
	if len(res.Backups) != 1 {
		t.Errorf("expected one backup, got %v", res.Backups)
	}
	if status := testutil.Git(t, f.Work, "status", "--porcelain", "--untracked-files=no"); status != "" {
		t.Errorf("expected clean tracked state, got:\n%s", status)
	}
}

func TestRun_StashConflictArchivesUncommittedEdit(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/main.py": "base\n", "hw1/other.py": "o\n"})
	f.upstreamCommit(t, map[string]string{"hw1/main.py": "upstream\n"})
	testutil.WriteFile(t, f.Work, "hw1/main.py", "uncommitted\n")
	testutil.WriteFile(t, f.Work, "hw1/other.py", "kept edit\n")

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}
	assertFile(t, f.Work, "hw1/main.py", "upstream\n")
	assertFile(t, f.Work, backup.Name("hw1/main.py", stamp), "uncommitted\n")
	assertFile(t, f.Work, "hw1/other.py", "kept edit\n")
	if testutil.StashCount(t, f.Work) != 0 {
		t.Error("stash entry left behind")
	}
	assertOnMain(t, f.Work)
}

func TestRun_UpstreamDeletionWinsWithBackup(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/old.py": "base\n", "keep.txt": "k\n"})
	testutil.Git(t, f.Master, "rm", "--quiet", "hw1/old.py")
	testutil.CommitAll(t, f.Master, "remove old file")
	testutil.CommitFiles(t, f.Work, "local edit", map[string]string{"hw1/old.py": "edited\n"})

	if _, err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if testutil.Exists(f.Work, "hw1/old.py") {
		t.Error("expected upstream deletion to win")
	}
	assertFile(t, f.Work, backup.Name("hw1/old.py", stamp), "edited\n")
}

func TestRun_RollbackOnMergeFailure(t *testing.T) {
	tests := []struct {
		name  string
		fault faultRepo
	}{
		{name: "merge", fault: faultRepo{failMergeResult: true}},
		{name: "commit", fault: faultRepo{failCommit: true}},
		{name: "replay", fault: faultRepo{failApplyStash: true}},
		{name: "integrate", fault: faultRepo{failUpdateRef: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{"hw1/main.py": "base\n", "hw1/b.py": "b\n"})
			f.upstreamCommit(t, map[string]string{"hw1/b.py": "upstream b\n", "hw2/new.md": "new\n"})
			testutil.WriteFile(t, f.Work, "hw1/main.py", "uncommitted\n")
			testutil.WriteFile(t, f.Work, "hw1/scratch.txt", "untracked\n")
			before := testutil.Head(t, f.Work, "main")

			fault := tt.fault
			fault.Repository = f.repo
			res, err := f.newEngine(&fault).Run(context.Background())
			if !errors.Is(err, errInjected) {
				t.Fatalf("expected injected error, got %v", err)
			}
			if res.Outcome != OutcomeAborted {
				t.Fatalf("expected aborted, got %s", res.Outcome)
			}

			if got := testutil.Head(t, f.Work, "main"); got != before {
				t.Errorf("main moved from %s to %s", before, got)
			}
			assertOnMain(t, f.Work)
			assertNoStagingBranches(t, f.Work)
			assertNoVaultDirs(t, f.Work)
			assertFile(t, f.Work, "hw1/main.py", "uncommitted\n")
			assertFile(t, f.Work, "hw1/scratch.txt", "untracked\n")
			assertFile(t, f.Work, "hw1/b.py", "b\n")
			if testutil.Exists(f.Work, "hw2/new.md") {
				t.Error("upstream file leaked into the working tree after abort")
			}
			if testutil.StashCount(t, f.Work) != 0 {
				t.Error("local changes were left in the stash")
			}
		})
	}
}

func TestRun_RollbackWhenResolutionFails(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/main.py": "base\n"})
	f.upstreamCommit(t, map[string]string{"hw1/main.py": "upstream\n"})
	testutil.CommitFiles(t, f.Work, "local edit", map[string]string{"hw1/main.py": "local\n"})
	before := testutil.Head(t, f.Work, "main")

	fault := &faultRepo{Repository: f.repo, failRestore: true}
	res, err := f.newEngine(fault).Run(context.Background())
	if err == nil || res.Outcome != OutcomeAborted {
		t.Fatalf("expected abort, got %s, %v", res.Outcome, err)
	}
	if got := testutil.Head(t, f.Work, "main"); got != before {
		t.Error("main moved after failed resolution")
	}
	assertFile(t, f.Work, "hw1/main.py", "local\n")
	if _, err := os.Stat(f.Work + "/.git/MERGE_HEAD"); !os.IsNotExist(err) {
		t.Error("merge still in progress after abort")
	}
}

func TestRun_FetchFailureTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	testutil.Git(t, f.Work, "remote", "set-url", "upstream", f.Work+"/does-not-exist")
	testutil.WriteFile(t, f.Work, "README.md", "dirty\n")

	res, err := f.engine.Run(context.Background())
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if !git.IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
	assertFile(t, f.Work, "README.md", "dirty\n")
}

func TestRun_ProviderFailureTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.upstreamCommit(t, map[string]string{"x.txt": "x\n"})
	f.provider.err = errors.New("grading service down")

	res, err := f.engine.Run(context.Background())
	if err == nil || res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s, %v", res.Outcome, err)
	}
	assertNoStagingBranches(t, f.Work)
}

func TestRun_RecoversFromInterruptedPass(t *testing.T) {
	f := newFixture(t, nil)
	f.upstreamCommit(t, map[string]string{"x.txt": "x\n"})
	testutil.Git(t, f.Work, "checkout", "--quiet", "-b", "__temp__/merge_deadbeef-from-cafebabe")
	testutil.WriteFile(t, f.Work, ".untracked-20250101T000000Z/lost.txt", "lost\n")

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}
	assertOnMain(t, f.Work)
	assertNoStagingBranches(t, f.Work)
	assertFile(t, f.Work, "lost.txt", "lost\n")
	assertFile(t, f.Work, "x.txt", "x\n")
}

func TestRun_RestoresStashOfInterruptedPass(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/a.py": "base\n"})
	f.upstreamCommit(t, map[string]string{"x.txt": "x\n"})
	testutil.WriteFile(t, f.Work, "hw1/a.py", "my edit\n")
	testutil.Git(t, f.Work, "checkout", "--quiet", "-b", "__temp__/merge_deadbeef-from-cafebabe")
	testutil.Git(t, f.Work, "stash", "push", "--quiet", "-m", git.StashMessage)

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}
	assertOnMain(t, f.Work)
	assertNoStagingBranches(t, f.Work)
	assertFile(t, f.Work, "hw1/a.py", "my edit\n")
	assertFile(t, f.Work, "x.txt", "x\n")
	if n := testutil.StashCount(t, f.Work); n != 0 {
		t.Errorf("expected empty stash, got %d entries", n)
	}
}

func TestRun_InterruptedStashConflictKeepsBackup(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/a.py": "base\n"})
	testutil.Git(t, f.Work, "checkout", "--quiet", "-b", "__temp__/merge_deadbeef-from-cafebabe")
	testutil.CommitFiles(t, f.Work, "Merge upstream/main into main", map[string]string{"hw1/a.py": "merged\n"})
	testutil.WriteFile(t, f.Work, "hw1/a.py", "my edit\n")
	testutil.Git(t, f.Work, "stash", "push", "--quiet", "-m", git.StashMessage)

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("expected noop, got %s", res.Outcome)
	}
	assertOnMain(t, f.Work)
	assertNoStagingBranches(t, f.Work)
	assertFile(t, f.Work, "hw1/a.py", "base\n")
	assertFile(t, f.Work, backup.Name("hw1/a.py", stamp), "my edit\n")
	if res.Conflicts != 1 || len(res.Backups) != 1 {
		t.Errorf("expected one conflict with one backup, got %d and %v", res.Conflicts, res.Backups)
	}
	if n := testutil.StashCount(t, f.Work); n != 0 {
		t.Errorf("expected empty stash, got %d entries", n)
	}
}

func TestRun_LeavesForeignStashAlone(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/a.py": "base\n"})
	testutil.WriteFile(t, f.Work, "hw1/a.py", "parked\n")
	testutil.Git(t, f.Work, "stash", "push", "--quiet", "-m", "parked by hand")
	testutil.Git(t, f.Work, "checkout", "--quiet", "-b", "__temp__/merge_deadbeef-from-cafebabe")

	if _, err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertOnMain(t, f.Work)
	assertFile(t, f.Work, "hw1/a.py", "base\n")
	if n := testutil.StashCount(t, f.Work); n != 1 {
		t.Errorf("expected the hand-made stash entry to survive, got %d entries", n)
	}
}

func TestRun_JournalRestoresStashAfterAbortedReturn(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/a.py": "base\n"})
	testutil.WriteFile(t, f.Work, "hw1/a.py", "my edit\n")
	if _, err := f.repo.Stash(context.Background()); err != nil {
		t.Fatal(err)
	}
	entry, err := f.repo.LatestStash(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p := &pass{staging: "__temp__/merge_deadbeef-from-cafebabe", localHead: testutil.Head(t, f.Work, "main"), stashed: true, stashID: entry.ID}
	if err := f.engine.saveJournal(p); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("expected noop, got %s", res.Outcome)
	}
	assertFile(t, f.Work, "hw1/a.py", "my edit\n")
	if n := testutil.StashCount(t, f.Work); n != 0 {
		t.Errorf("expected empty stash, got %d entries", n)
	}
	if testutil.Exists(f.Work, filepath.Join(".git", journalFile)) {
		t.Error("pass journal left behind")
	}
}

func TestRun_DeletesStaleStagingBranches(t *testing.T) {
	f := newFixture(t, nil)
	testutil.Git(t, f.Work, "branch", "__temp__/merge_aaaaaaaa-from-bbbbbbbb")
	testutil.Git(t, f.Work, "branch", "__temp__/merge_cccccccc-from-dddddddd")

	res, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("expected noop, got %s", res.Outcome)
	}
	assertNoStagingBranches(t, f.Work)
}

func TestRun_HeadSwitchFailureFinishedByNextPass(t *testing.T) {
	f := newFixture(t, map[string]string{"hw1/a.py": "base\n"})
	f.upstreamCommit(t, map[string]string{"x.txt": "x\n"})
	testutil.WriteFile(t, f.Work, "hw1/a.py", "my edit\n")

	fault := &faultRepo{Repository: f.repo, failSymbolicRef: true}
	res, err := f.newEngine(fault).Run(context.Background())
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if res.Outcome != OutcomeMerged || res.MergedHead == "" {
		t.Fatalf("expected merged with a head, got %s %q", res.Outcome, res.MergedHead)
	}
	if got := testutil.Head(t, f.Work, "main"); got != res.MergedHead {
		t.Errorf("main = %s, want merged head %s", got, res.MergedHead)
	}
	if got := testutil.Git(t, f.Work, "symbolic-ref", "--short", "HEAD"); !strings.HasPrefix(got, StagingBranchPrefix) {
		t.Fatalf("expected HEAD left on the staging branch, got %s", got)
	}
	if !testutil.Exists(f.Work, filepath.Join(".git", journalFile)) {
		t.Fatal("pass journal missing after incomplete integration")
	}

	res, err = f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("expected noop on second pass, got %s", res.Outcome)
	}
	assertOnMain(t, f.Work)
	assertNoStagingBranches(t, f.Work)
	assertFile(t, f.Work, "hw1/a.py", "my edit\n")
	assertFile(t, f.Work, "x.txt", "x\n")
	if n := testutil.StashCount(t, f.Work); n != 0 {
		t.Errorf("expected empty stash, got %d entries", n)
	}
	if testutil.Exists(f.Work, filepath.Join(".git", journalFile)) {
		t.Error("pass journal left behind")
	}
}

func TestRun_InstructorTracksOrigin(t *testing.T) {
	f := newFixture(t, nil)
	testutil.CommitFiles(t, f.Master, "co-instructor change", map[string]string{"exam.md": "exam\n"})
	testutil.Git(t, f.Master, "push", "--quiet", f.Origin, "main")

	e := NewEngine(testConfig(f.Work, config.RoleInstructor), f.repo, f.provider, repolock.New(f.Work), nil, testLogger())
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}
	assertFile(t, f.Work, "exam.md", "exam\n")
}

func TestRun_WaitsForLock(t *testing.T) {
	f := newFixture(t, nil)
	locker := repolock.New(f.Work)
	unlock, err := locker.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := f.engine.Run(ctx)
	if err == nil {
		t.Fatal("expected lock acquisition to time out")
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
}

func TestSafeRun_RecoversPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.upstreamCommit(t, map[string]string{"x.txt": "x\n"})
	f.provider.panicMsg = "boom"

	res, err := f.engine.SafeRun(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic converted to error, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}

	// The lock must have been released.
	f.provider.panicMsg = ""
	if _, err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run after panic: %v", err)
	}
}

func TestStagingBranch(t *testing.T) {
	got := StagingBranch("0123456789abcdef", "fedcba9876543210")
	if got != "__temp__/merge_01234567-from-fedcba98" {
		t.Errorf("StagingBranch() = %s", got)
	}
	if StagingBranch("abc", "def") != "__temp__/merge_abc-from-def" {
		t.Error("short ids should be used as-is")
	}
}

func TestStateString(t *testing.T) {
	if StateResolvingStashConflicts.String() != "resolving-stash-conflicts" {
		t.Errorf("unexpected name %s", StateResolvingStashConflicts)
	}
	if State(99).String() != "state(99)" {
		t.Errorf("unexpected name %s", State(99))
	}
}
