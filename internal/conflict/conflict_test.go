package conflict

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/coursesyncd/internal/backup"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/policy"
	"github.com/schaermu/coursesyncd/internal/process"
	"github.com/schaermu/coursesyncd/internal/testutil"
)

const stamp = "20260101T120000Z"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mergeConflict prepares a work repo whose merge of upstream/main conflicts.
func mergeConflict(t *testing.T, base, upstream, local map[string]string, deleteUpstream ...string) (*testutil.ClassRepos, *git.ShellRepo, []string) {
	t.Helper()
	ctx := context.Background()
	c := testutil.NewClassRepos(t, base)
	for rel, content := range upstream {
		testutil.WriteFile(t, c.Master, rel, content)
	}
	for _, rel := range deleteUpstream {
		testutil.Git(t, c.Master, "rm", "--quiet", rel)
	}
	testutil.CommitAll(t, c.Master, "upstream change")
	testutil.CommitFiles(t, c.Work, "local change", local)

	repo := git.NewShellRepo(c.Work, process.NewExecutor(), git.Auth{})
	require.NoError(t, repo.Fetch(ctx, "upstream"))
	conflicts, err := repo.Merge(ctx, "upstream/main", git.MergeOptions{NoCommit: true})
	require.NoError(t, err)
	require.NotEmpty(t, conflicts)
	return c, repo, conflicts
}

func TestResolve_MergeArchivesLocalVersion(t *testing.T) {
	c, repo, conflicts := mergeConflict(t,
		map[string]string{"hw1/a.py": "base\n"},
		map[string]string{"hw1/a.py": "upstream\n"},
		map[string]string{"hw1/a.py": "local\n"},
	)

	r := NewResolver(repo, c.Work, stamp, testLogger())
	outcomes, err := r.Resolve(context.Background(), conflicts, StageMerge, policy.PathSet{})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, "UU", outcomes[0].Code)
	assert.Equal(t, ActionRestored, outcomes[0].Action)
	assert.Equal(t, "upstream\n", testutil.ReadFile(t, c.Work, "hw1/a.py"))
	assert.Equal(t, "local\n", testutil.ReadFile(t, c.Work, backup.Name("hw1/a.py", stamp)))

	entries, err := repo.Status(context.Background(), git.StatusOptions{})
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsUnmerged(), "path still unmerged: %+v", e)
	}
}

func TestResolve_OverwritableSkipsBackup(t *testing.T) {
	c, repo, conflicts := mergeConflict(t,
		map[string]string{"hw1/a.ipynb": "base\n"},
		map[string]string{"hw1/a.ipynb": "upstream\n"},
		map[string]string{"hw1/a.ipynb": "local\n"},
	)

	r := NewResolver(repo, c.Work, stamp, testLogger())
	outcomes, err := r.Resolve(context.Background(), conflicts, StageMerge, policy.NewPathSet("hw1/a.ipynb"))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Empty(t, outcomes[0].BackupPath)
	assert.Equal(t, "upstream\n", testutil.ReadFile(t, c.Work, "hw1/a.ipynb"))
	assert.False(t, testutil.Exists(c.Work, backup.Name("hw1/a.ipynb", stamp)))
}

func TestResolve_MergeDeletedUpstream(t *testing.T) {
	c, repo, conflicts := mergeConflict(t,
		map[string]string{"old.txt": "base\n", "keep.txt": "k\n"},
		nil,
		map[string]string{"old.txt": "edited locally\n"},
		"old.txt",
	)

	r := NewResolver(repo, c.Work, stamp, testLogger())
	outcomes, err := r.Resolve(context.Background(), conflicts, StageMerge, policy.PathSet{})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, "UD", outcomes[0].Code)
	assert.Equal(t, ActionRemoved, outcomes[0].Action)
	assert.False(t, testutil.Exists(c.Work, "old.txt"))
	assert.Equal(t, "edited locally\n", testutil.ReadFile(t, c.Work, backup.Name("old.txt", stamp)))
}

func TestResolve_MergeDeletedLocallySkipsBackup(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewClassRepos(t, map[string]string{"gone.txt": "base\n", "x.txt": "x\n"})
	testutil.CommitFiles(t, c.Master, "upstream edit", map[string]string{"gone.txt": "upstream\n"})
	testutil.Git(t, c.Work, "rm", "--quiet", "gone.txt")
	testutil.CommitAll(t, c.Work, "delete locally")

	repo := git.NewShellRepo(c.Work, process.NewExecutor(), git.Auth{})
	require.NoError(t, repo.Fetch(ctx, "upstream"))
	conflicts, err := repo.Merge(ctx, "upstream/main", git.MergeOptions{NoCommit: true})
	require.NoError(t, err)
	require.Equal(t, []string{"gone.txt"}, conflicts)

	outcomes, err := NewResolver(repo, c.Work, stamp, testLogger()).Resolve(ctx, conflicts, StageMerge, policy.PathSet{})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "DU", outcomes[0].Code)
	assert.Empty(t, outcomes[0].BackupPath)
	assert.Equal(t, ActionRestored, outcomes[0].Action)
	assert.Equal(t, "upstream\n", testutil.ReadFile(t, c.Work, "gone.txt"))
}

func TestResolve_StashArchivesStashedVersion(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewClassRepos(t, map[string]string{"hw1/a.py": "base\n"})
	repo := git.NewShellRepo(c.Work, process.NewExecutor(), git.Auth{})

	testutil.WriteFile(t, c.Work, "hw1/a.py", "uncommitted\n")
	stashed, err := repo.Stash(ctx)
	require.NoError(t, err)
	require.True(t, stashed)
	testutil.CommitFiles(t, c.Work, "merged", map[string]string{"hw1/a.py": "merged\n"})

	conflicts, err := repo.PopStash(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"hw1/a.py"}, conflicts)

	outcomes, err := NewResolver(repo, c.Work, stamp, testLogger()).Resolve(ctx, conflicts, StageStash, policy.PathSet{})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, "merged\n", testutil.ReadFile(t, c.Work, "hw1/a.py"))
	assert.Equal(t, "uncommitted\n", testutil.ReadFile(t, c.Work, backup.Name("hw1/a.py", stamp)))
}

func TestResolve_NoPaths(t *testing.T) {
	r := NewResolver(nil, t.TempDir(), stamp, testLogger())
	outcomes, err := r.Resolve(context.Background(), nil, StageMerge, nil)
	assert.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestStageDeletionCodes(t *testing.T) {
	assert.True(t, StageMerge.deletedByWinner("UD"))
	assert.True(t, StageMerge.deletedByWinner("DD"))
	assert.False(t, StageMerge.deletedByWinner("DU"))
	assert.True(t, StageStash.deletedByWinner("DU"))
	assert.False(t, StageStash.deletedByWinner("UD"))
	assert.Equal(t, "MERGE_HEAD", StageMerge.source())
	assert.Equal(t, "HEAD", StageStash.source())
}
