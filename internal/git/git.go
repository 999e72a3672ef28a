package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/schaermu/coursesyncd/internal/process"
)

// Repository provides the version-control primitives the sync engine needs.
type Repository interface {
	Root() string

	Fetch(ctx context.Context, remote string) error
	Checkout(ctx context.Context, ref string, opts CheckoutOptions) error
	Head(ctx context.Context, ref string) (string, error)
	// CurrentBranch returns the checked-out branch, or "" when HEAD is detached.
	CurrentBranch(ctx context.Context) (string, error)
	IsAncestor(ctx context.Context, descendant, ancestor string) (bool, error)
	// Merge merges ref into the current branch. Conflicts are not an error:
	// they are returned as the list of conflicting paths.
	Merge(ctx context.Context, ref string, opts MergeOptions) ([]string, error)
	AbortMerge(ctx context.Context) error
	DeleteBranch(ctx context.Context, name string, force bool) error
	// Stash saves local changes and reports whether anything was saved.
	Stash(ctx context.Context) (bool, error)
	// PopStash re-applies the latest stash and returns conflicting paths.
	// On conflict git keeps the stash entry; DropStash removes it.
	PopStash(ctx context.Context) ([]string, error)
	// ApplyStash is PopStash without dropping the entry.
	ApplyStash(ctx context.Context) ([]string, error)
	DropStash(ctx context.Context) error
	// LatestStash returns the top stash entry, or the zero StashEntry when
	// the stash is empty.
	LatestStash(ctx context.Context) (StashEntry, error)
	// Branches lists the local branches whose name starts with prefix.
	Branches(ctx context.Context, prefix string) ([]string, error)
	Status(ctx context.Context, opts StatusOptions) ([]StatusEntry, error)
	DiffStatus(ctx context.Context, opts DiffOptions) ([]StatusEntry, error)
	Restore(ctx context.Context, path string, opts RestoreOptions) error
	Remove(ctx context.Context, path string, cached bool) error
	Commit(ctx context.Context, summary, description string, allowEmpty bool) (string, error)
	Push(ctx context.Context, remote, branch string) error

	Add(ctx context.Context, paths ...string) error
	Reset(ctx context.Context, ref string, mode ResetMode) error
	UpdateRef(ctx context.Context, ref, newValue, oldValue string) error
	SymbolicRef(ctx context.Context, name, ref string) error
	Exists(ctx context.Context, ref, path string) (bool, error)
	Show(ctx context.Context, ref, path string) ([]byte, error)
}

// StashMessage is the message of the stash entries Stash creates.
const StashMessage = "coursesyncd: local changes"

// StashEntry identifies a stash entry by commit id and subject.
type StashEntry struct {
	ID      string
	Subject string
}

// Owned reports whether the entry was created by Stash.
func (s StashEntry) Owned() bool {
	return strings.HasSuffix(s.Subject, ": "+StashMessage)
}

// CheckoutOptions configures Checkout.
type CheckoutOptions struct {
	Create     bool
	Force      bool
	StartPoint string
}

// MergeOptions configures Merge.
type MergeOptions struct {
	NoCommit        bool
	FastForwardOnly bool
	Message         string
}

// StatusOptions configures Status.
type StatusOptions struct {
	Untracked bool
	Paths     []string
}

// DiffOptions configures DiffStatus.
type DiffOptions struct {
	Range  string
	Filter string
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	Source   string
	Staged   bool
	Worktree bool
}

// ResetMode selects how Reset treats the index and working tree.
type ResetMode string

const (
	ResetSoft  ResetMode = "soft"
	ResetMixed ResetMode = "mixed"
	ResetHard  ResetMode = "hard"
)

// Auth configures transport credentials for every git invocation.
type Auth struct {
	SSHKeyFile     string
	SSHCommand     string
	HTTPSTokenFile string
}

// ShellRepo implements Repository by shelling out to the git command
type ShellRepo struct {
	root   string
	runner process.Runner
	auth   Auth
}

// NewShellRepo creates a repository handle rooted at root.
func NewShellRepo(root string, runner process.Runner, auth Auth) *ShellRepo {
	return &ShellRepo{
		root:   root,
		runner: runner,
		auth:   auth,
	}
}

// Root returns the working tree root.
func (r *ShellRepo) Root() string {
	return r.root
}

// Init creates an empty repository at the root with the given initial branch.
func (r *ShellRepo) Init(ctx context.Context, branch string) error {
	_, err := r.must(ctx, "init", "--initial-branch="+branch)
	return err
}

// AddRemote registers a remote.
func (r *ShellRepo) AddRemote(ctx context.Context, name, url string) error {
	_, err := r.must(ctx, "remote", "add", name, url)
	return err
}

// SetConfig writes a repository-local config value.
func (r *ShellRepo) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.must(ctx, "config", "--local", key, value)
	return err
}

// IsRepository reports whether the root is the top level of a working tree.
func (r *ShellRepo) IsRepository(ctx context.Context) bool {
	res, err := r.run(ctx, nil, "rev-parse", "--show-toplevel")
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return sameDir(strings.TrimSpace(res.Stdout), r.root)
}

// FetchWithRetry fetches a remote, retrying attempts that failed with a
// transport error. opts typically carries process.WithRetry.
func (r *ShellRepo) FetchWithRetry(ctx context.Context, remote string, opts ...process.Option) error {
	opts = append([]process.Option{process.WithRetryOn(isTransportFailure)}, opts...)
	_, err := r.mustWith(ctx, opts, "fetch", "--prune", remote)
	return err
}

func isTransportFailure(res *process.Result) bool {
	return res.ExitCode != 0 && determineErrorKind(res.Stderr) == KindTransport
}

func (r *ShellRepo) Fetch(ctx context.Context, remote string) error {
	_, err := r.must(ctx, "fetch", "--prune", remote)
	return err
}

func (r *ShellRepo) Checkout(ctx context.Context, ref string, opts CheckoutOptions) error {
	args := []string{"checkout"}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.Create {
		args = append(args, "-b", ref)
		if opts.StartPoint != "" {
			args = append(args, opts.StartPoint)
		}
	} else {
		args = append(args, ref)
	}
	_, err := r.must(ctx, args...)
	return err
}

func (r *ShellRepo) Head(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	res, err := r.must(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (r *ShellRepo) CurrentBranch(ctx context.Context) (string, error) {
	args := []string{"symbolic-ref", "--quiet", "--short", "HEAD"}
	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return "", err
	}
	switch res.ExitCode {
	case 0:
		return strings.TrimSpace(res.Stdout), nil
	case 1:
		return "", nil
	default:
		return "", newRepositoryError(args, res)
	}
}

func (r *ShellRepo) IsAncestor(ctx context.Context, descendant, ancestor string) (bool, error) {
	args := []string{"merge-base", "--is-ancestor", ancestor, descendant}
	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, newRepositoryError(args, res)
	}
}

func (r *ShellRepo) Merge(ctx context.Context, ref string, opts MergeOptions) ([]string, error) {
	args := []string{"merge"}
	if opts.NoCommit {
		args = append(args, "--no-commit", "--no-ff")
	}
	if opts.FastForwardOnly {
		args = append(args, "--ff-only")
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	args = append(args, ref)

	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		return nil, nil
	}
	conflicts, err := r.unmergedPaths(ctx)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, newRepositoryError(args, res)
	}
	return conflicts, nil
}

func (r *ShellRepo) AbortMerge(ctx context.Context) error {
	args := []string{"merge", "--abort"}
	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if strings.Contains(res.Stderr, "no merge to abort") || strings.Contains(res.Stderr, "MERGE_HEAD missing") {
		return ErrNothingToAbort
	}
	return newRepositoryError(args, res)
}

func (r *ShellRepo) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	args := []string{"branch", flag, name}
	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if strings.Contains(res.Stderr, "not found") {
		return ErrBranchMissing
	}
	return newRepositoryError(args, res)
}

func (r *ShellRepo) Stash(ctx context.Context) (bool, error) {
	before := r.stashTop(ctx)
	if _, err := r.must(ctx, "stash", "push", "--message", StashMessage); err != nil {
		return false, err
	}
	after := r.stashTop(ctx)
	return after != "" && after != before, nil
}

func (r *ShellRepo) stashTop(ctx context.Context) string {
	res, err := r.run(ctx, nil, "rev-parse", "--verify", "--quiet", "refs/stash")
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func (r *ShellRepo) LatestStash(ctx context.Context) (StashEntry, error) {
	id := r.stashTop(ctx)
	if id == "" {
		return StashEntry{}, nil
	}
	res, err := r.must(ctx, "log", "-1", "--format=%s", id)
	if err != nil {
		return StashEntry{}, err
	}
	return StashEntry{ID: id, Subject: strings.TrimSpace(res.Stdout)}, nil
}

func (r *ShellRepo) Branches(ctx context.Context, prefix string) ([]string, error) {
	res, err := r.must(ctx, "for-each-ref", "--format=%(refname)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name, ok := strings.CutPrefix(strings.TrimSpace(line), "refs/heads/")
		if ok && strings.HasPrefix(name, prefix) {
			branches = append(branches, name)
		}
	}
	return branches, nil
}

func (r *ShellRepo) PopStash(ctx context.Context) ([]string, error) {
	return r.unstash(ctx, "pop")
}

func (r *ShellRepo) ApplyStash(ctx context.Context) ([]string, error) {
	return r.unstash(ctx, "apply")
}

func (r *ShellRepo) unstash(ctx context.Context, verb string) ([]string, error) {
	args := []string{"stash", verb}
	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		return nil, nil
	}
	if strings.Contains(res.Stderr, "No stash entries found") {
		return nil, ErrNothingToPop
	}
	conflicts, err := r.unmergedPaths(ctx)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, newRepositoryError(args, res)
	}
	return conflicts, nil
}

func (r *ShellRepo) DropStash(ctx context.Context) error {
	args := []string{"stash", "drop"}
	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if strings.Contains(res.Stderr, "No stash entries found") {
		return ErrNothingToPop
	}
	return newRepositoryError(args, res)
}

func (r *ShellRepo) Status(ctx context.Context, opts StatusOptions) ([]StatusEntry, error) {
	args := []string{"status", "--porcelain=v1", "-z"}
	if opts.Untracked {
		args = append(args, "--untracked-files=all")
	} else {
		args = append(args, "--untracked-files=no")
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}
	res, err := r.mustWith(ctx, []process.Option{process.WithRawOutput()}, args...)
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(res.Stdout), nil
}

func (r *ShellRepo) DiffStatus(ctx context.Context, opts DiffOptions) ([]StatusEntry, error) {
	args := []string{"diff", "--name-status", "-z"}
	if opts.Filter != "" {
		args = append(args, "--diff-filter="+opts.Filter)
	}
	if opts.Range != "" {
		args = append(args, opts.Range)
	}
	res, err := r.mustWith(ctx, []process.Option{process.WithRawOutput()}, args...)
	if err != nil {
		return nil, err
	}
	return parseNameStatusZ(res.Stdout), nil
}

func (r *ShellRepo) unmergedPaths(ctx context.Context) ([]string, error) {
	entries, err := r.DiffStatus(ctx, DiffOptions{Filter: "U"})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	var paths []string
	for _, e := range entries {
		if !seen[e.Path] {
			seen[e.Path] = true
			paths = append(paths, e.Path)
		}
	}
	return paths, nil
}

func (r *ShellRepo) Restore(ctx context.Context, path string, opts RestoreOptions) error {
	args := []string{"restore"}
	if opts.Source != "" {
		args = append(args, "--source="+opts.Source)
	}
	if opts.Staged {
		args = append(args, "--staged")
	}
	if opts.Worktree {
		args = append(args, "--worktree")
	}
	args = append(args, "--", path)
	_, err := r.must(ctx, args...)
	return err
}

func (r *ShellRepo) Remove(ctx context.Context, path string, cached bool) error {
	args := []string{"rm", "--force", "--quiet"}
	if cached {
		args = append(args, "--cached")
	}
	args = append(args, "--", path)
	_, err := r.must(ctx, args...)
	return err
}

func (r *ShellRepo) Commit(ctx context.Context, summary, description string, allowEmpty bool) (string, error) {
	args := []string{"commit", "-m", summary}
	if description != "" {
		args = append(args, "-m", description)
	}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := r.must(ctx, args...); err != nil {
		return "", err
	}
	// git commit only prints the abbreviated id.
	return r.Head(ctx, "HEAD")
}

func (r *ShellRepo) Push(ctx context.Context, remote, branch string) error {
	args := []string{"push", "--porcelain", remote, branch}
	res, err := r.run(ctx, nil, args...)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	repoErr := newRepositoryError(args, res)
	transcript := res.Stdout + "\n" + res.Stderr
	if isHookRejection(transcript) {
		return &PushRejectedError{Lines: remoteMessages(res.Stderr), Err: repoErr}
	}
	return repoErr
}

func (r *ShellRepo) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--all", "--"}, paths...)
	_, err := r.must(ctx, args...)
	return err
}

func (r *ShellRepo) Reset(ctx context.Context, ref string, mode ResetMode) error {
	_, err := r.must(ctx, "reset", "--quiet", "--"+string(mode), ref)
	return err
}

func (r *ShellRepo) UpdateRef(ctx context.Context, ref, newValue, oldValue string) error {
	args := []string{"update-ref", ref, newValue}
	if oldValue != "" {
		args = append(args, oldValue)
	}
	_, err := r.must(ctx, args...)
	return err
}

func (r *ShellRepo) SymbolicRef(ctx context.Context, name, ref string) error {
	_, err := r.must(ctx, "symbolic-ref", name, ref)
	return err
}

func (r *ShellRepo) Exists(ctx context.Context, ref, path string) (bool, error) {
	res, err := r.run(ctx, nil, "cat-file", "-e", ref+":"+path)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (r *ShellRepo) Show(ctx context.Context, ref, path string) ([]byte, error) {
	res, err := r.mustWith(ctx, []process.Option{process.WithRawOutput()}, "cat-file", "blob", ref+":"+path)
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

// must runs a git command and converts a non-zero exit into a RepositoryError.
func (r *ShellRepo) must(ctx context.Context, args ...string) (*process.Result, error) {
	return r.mustWith(ctx, nil, args...)
}

func (r *ShellRepo) mustWith(ctx context.Context, opts []process.Option, args ...string) (*process.Result, error) {
	res, err := r.run(ctx, opts, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, newRepositoryError(args, res)
	}
	return res, nil
}

// run executes git inside the repository root with authentication applied.
func (r *ShellRepo) run(ctx context.Context, opts []process.Option, args ...string) (*process.Result, error) {
	env := map[string]string{
		"GIT_TERMINAL_PROMPT": "0",
		"GIT_MERGE_AUTOEDIT":  "no",
		"LC_ALL":              "C",
	}
	flags, err := r.configureAuth(env)
	if err != nil {
		return nil, err
	}

	argv := append([]string{"git", "-C", r.root}, args...)
	argv = insertGitFlags(argv, flags...)

	all := append([]process.Option{process.WithEnv(env)}, opts...)
	res, err := r.runner.Run(ctx, argv, all...)
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", firstArg(args), err)
	}
	return res, nil
}

// configureAuth adds transport credentials to env and returns any global
// flags that must precede the subcommand.
func (r *ShellRepo) configureAuth(env map[string]string) ([]string, error) {
	switch {
	case r.auth.SSHCommand != "":
		env["GIT_SSH_COMMAND"] = r.auth.SSHCommand
	case r.auth.SSHKeyFile != "":
		// The path is shell-quoted to prevent injection via crafted filenames.
		env["GIT_SSH_COMMAND"] = fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(r.auth.SSHKeyFile))
	case r.auth.HTTPSTokenFile != "":
		token, err := os.ReadFile(r.auth.HTTPSTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		env["COURSESYNCD_GIT_TOKEN"] = strings.TrimSpace(string(token))
		return []string{
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$COURSESYNCD_GIT_TOKEN"; }; f`,
		}, nil
	}
	return nil, nil
}

func newRepositoryError(args []string, res *process.Result) *RepositoryError {
	return &RepositoryError{
		Kind:     determineErrorKind(res.Stderr),
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

// insertGitFlags inserts global git flags (e.g. "-c key=val") right after
// the "git" binary name so they precede the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func sameDir(a, b string) bool {
	ia, errA := os.Stat(a)
	ib, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

// IsBenign reports whether err is one of the expected "nothing to do"
// outcomes of a cleanup command.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNothingToAbort) ||
		errors.Is(err, ErrNothingToPop) ||
		errors.Is(err, ErrBranchMissing)
}
