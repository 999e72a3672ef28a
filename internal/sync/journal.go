package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// journal records an unfinished pass so the next one can complete or undo it.
// It lives next to the repository lock and is removed once the staging branch
// is gone.
type journal struct {
	Staging   string `json:"staging"`
	LocalHead string `json:"local_head"`
	// Stash is the id of the stash entry holding the user's tracked changes.
	Stash string `json:"stash,omitempty"`
	// Integrated is set once main points at the staging head.
	Integrated bool `json:"integrated,omitempty"`
}

const journalFile = "coursesyncd-pass.json"

func (e *Engine) journalPath() string {
	return filepath.Join(e.cfg.Repo.Root, ".git", journalFile)
}

// loadJournal returns nil when no pass was interrupted.
func (e *Engine) loadJournal() (*journal, error) {
	data, err := os.ReadFile(e.journalPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var j journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", journalFile, err)
	}
	return &j, nil
}

// saveJournal persists the bookkeeping of p, replacing the file atomically.
func (e *Engine) saveJournal(p *pass) error {
	data, err := json.MarshalIndent(journal{
		Staging:    p.staging,
		LocalHead:  p.localHead,
		Stash:      p.stashID,
		Integrated: p.integrated,
	}, "", "  ")
	if err != nil {
		return err
	}

	path := e.journalPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write pass journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write pass journal: %w", err)
	}
	return nil
}

func (e *Engine) clearJournal() error {
	if err := os.Remove(e.journalPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove pass journal: %w", err)
	}
	return nil
}
