package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Position describes how the local main branch relates to the tracking branch.
type Position struct {
	LocalHead    string `json:"local_head"`
	TrackingHead string `json:"tracking_head"`
	// CaughtUp is true when the tracking head is contained in the local head.
	CaughtUp bool `json:"caught_up"`
}

// Inspector answers read-only questions about a repository without spawning
// processes. It opens the object database afresh on every call so it always
// sees refs written by the git binary.
type Inspector struct {
	root string
}

// NewInspector creates an inspector for the working tree at root.
func NewInspector(root string) *Inspector {
	return &Inspector{root: root}
}

// Position resolves mainRef and trackingRef and reports whether the tracking
// head is already an ancestor of, or equal to, the local head.
func (i *Inspector) Position(mainRef, trackingRef string) (Position, error) {
	repo, err := gogit.PlainOpen(i.root)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return Position{}, &RepositoryError{Kind: KindNotARepository, Args: []string{"open"}, Stderr: err.Error()}
		}
		return Position{}, fmt.Errorf("failed to open repository: %w", err)
	}

	local, err := resolveCommitHash(repo, mainRef)
	if err != nil {
		return Position{}, err
	}
	tracking, err := resolveCommitHash(repo, trackingRef)
	if err != nil {
		return Position{}, err
	}

	pos := Position{LocalHead: local.String(), TrackingHead: tracking.String()}
	if local == tracking {
		pos.CaughtUp = true
		return pos, nil
	}

	localCommit, err := repo.CommitObject(local)
	if err != nil {
		return Position{}, fmt.Errorf("failed to load commit %s: %w", local, err)
	}
	trackingCommit, err := repo.CommitObject(tracking)
	if err != nil {
		return Position{}, fmt.Errorf("failed to load commit %s: %w", tracking, err)
	}
	pos.CaughtUp, err = trackingCommit.IsAncestor(localCommit)
	if err != nil {
		return Position{}, fmt.Errorf("failed to walk history: %w", err)
	}
	return pos, nil
}

func resolveCommitHash(repo *gogit.Repository, ref string) (plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, &RepositoryError{
			Kind:   KindUnknownRef,
			Args:   []string{"rev-parse", ref},
			Stderr: err.Error(),
		}
	}
	return *hash, nil
}
