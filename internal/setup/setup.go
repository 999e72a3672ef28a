// Package setup prepares a working copy for syncing: repository, remotes,
// identity, transport configuration and the local main branch.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/coursesyncd/internal/config"
	"github.com/schaermu/coursesyncd/internal/course"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/process"
)

// Repository is the subset of git operations setup needs.
type Repository interface {
	IsRepository(ctx context.Context) bool
	Init(ctx context.Context, branch string) error
	AddRemote(ctx context.Context, name, url string) error
	SetConfig(ctx context.Context, key, value string) error
	FetchWithRetry(ctx context.Context, remote string, opts ...process.Option) error
	Head(ctx context.Context, ref string) (string, error)
	Checkout(ctx context.Context, ref string, opts git.CheckoutOptions) error
}

// Bootstrapper creates or repairs the working copy described by the config
type Bootstrapper struct {
	cfg      *config.Config
	repo     Repository
	provider course.Provider
	logger   *slog.Logger
}

// New creates a bootstrapper. provider is consulted for the master remote URL
// when repo.upstream_url is not configured; it may be nil.
func New(cfg *config.Config, repo Repository, provider course.Provider, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{
		cfg:      cfg,
		repo:     repo,
		provider: provider,
		logger:   logger,
	}
}

// Run makes sure the working copy exists, is configured and has a local main
// branch. It is safe to run on an already prepared repository. It returns
// the head of main.
func (b *Bootstrapper) Run(ctx context.Context) (string, error) {
	root := b.cfg.Repo.Root
	main := b.cfg.Repo.MainBranch

	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create repository directory: %w", err)
	}
	if !b.repo.IsRepository(ctx) {
		b.logger.Info("initializing repository", "root", root)
		if err := b.repo.Init(ctx, main); err != nil {
			return "", fmt.Errorf("failed to initialize repository: %w", err)
		}
	}

	remotes, err := b.remotes(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range remotes {
		if err := b.ensureRemote(ctx, r.name, r.url); err != nil {
			return "", err
		}
	}

	if err := b.configure(ctx); err != nil {
		return "", err
	}

	for _, remote := range b.cfg.FetchRemotes() {
		b.logger.Info("fetching", "remote", remote)
		err := b.repo.FetchWithRetry(ctx, remote, process.WithRetry(b.cfg.Sync.FetchRetries, b.cfg.Sync.FetchRetryDelay))
		if err != nil {
			return "", fmt.Errorf("failed to fetch %s: %w", remote, err)
		}
	}

	return b.ensureMain(ctx)
}

type remote struct {
	name string
	url  string
}

func (b *Bootstrapper) remotes(ctx context.Context) ([]remote, error) {
	var out []remote
	if b.cfg.Repo.OriginURL != "" {
		out = append(out, remote{b.cfg.Repo.OriginRemote, b.cfg.Repo.OriginURL})
	}
	if b.cfg.Repo.Role == config.RoleInstructor {
		return out, nil
	}

	upstream := b.cfg.Repo.UpstreamURL
	if upstream == "" && b.provider != nil {
		c, err := b.provider.Course(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to look up master repository: %w", err)
		}
		upstream = c.MasterRemoteURL
	}
	if upstream != "" {
		out = append(out, remote{b.cfg.Repo.UpstreamRemote, upstream})
	}
	return out, nil
}

// ensureRemote adds name or points an existing remote of that name at url.
func (b *Bootstrapper) ensureRemote(ctx context.Context, name, url string) error {
	if err := b.repo.AddRemote(ctx, name, url); err == nil {
		b.logger.Info("added remote", "remote", name, "url", url)
		return nil
	}
	if err := b.repo.SetConfig(ctx, "remote."+name+".url", url); err != nil {
		return fmt.Errorf("failed to configure remote %s: %w", name, err)
	}
	return nil
}

// configure writes identity and transport settings into the local config so
// plain git commands in the working copy behave like the daemon.
func (b *Bootstrapper) configure(ctx context.Context) error {
	settings := [][2]string{}
	if id := b.cfg.Identity; id.Name != "" {
		settings = append(settings,
			[2]string{"user.name", id.Name},
			[2]string{"author.name", id.Name},
			[2]string{"committer.name", id.Name})
	}
	if id := b.cfg.Identity; id.Email != "" {
		settings = append(settings,
			[2]string{"user.email", id.Email},
			[2]string{"author.email", id.Email},
			[2]string{"committer.email", id.Email})
	}
	if cmd := b.cfg.Auth.SSHCommand; cmd != "" {
		settings = append(settings, [2]string{"core.sshCommand", cmd})
	}

	for _, kv := range settings {
		if err := b.repo.SetConfig(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to set %s: %w", kv[0], err)
		}
	}
	return nil
}

// ensureMain checks out the local main branch, creating it from the user's
// own remote when that already has history and from the tracking branch
// otherwise.
func (b *Bootstrapper) ensureMain(ctx context.Context) (string, error) {
	main := b.cfg.Repo.MainBranch
	if head, err := b.repo.Head(ctx, b.cfg.MainRef()); err == nil {
		return head, nil
	} else if !isUnknownRef(err) {
		return "", fmt.Errorf("failed to read %s: %w", main, err)
	}

	candidates := []string{
		"refs/remotes/" + b.cfg.Repo.OriginRemote + "/" + main,
		b.cfg.TrackingRef(),
	}
	for _, start := range candidates {
		if _, err := b.repo.Head(ctx, start); err != nil {
			continue
		}
		b.logger.Info("creating local branch", "branch", main, "from", start)
		if err := b.repo.Checkout(ctx, main, git.CheckoutOptions{Create: true, StartPoint: start, Force: true}); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", main, err)
		}
		return b.repo.Head(ctx, b.cfg.MainRef())
	}
	return "", fmt.Errorf("no remote provides branch %s", main)
}

func isUnknownRef(err error) bool {
	var repoErr *git.RepositoryError
	return errors.As(err, &repoErr) && repoErr.Kind == git.KindUnknownRef
}
