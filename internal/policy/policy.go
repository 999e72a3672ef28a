// Package policy expands per-assignment file globs against the working tree.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/schaermu/coursesyncd/internal/course"
)

// VaultDirPrefix names the side directories the untracked-file vault creates
// at the repository root. They are never part of the working tree proper.
const VaultDirPrefix = ".untracked-"

// PathSet is a set of repository-relative slash paths.
type PathSet map[string]struct{}

// NewPathSet creates a set holding paths.
func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s PathSet) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Union returns a new set containing the members of s and other.
func (s PathSet) Union(other PathSet) PathSet {
	out := make(PathSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// GatherOverwritable returns every file under an assignment directory that
// matches one of that assignment's overwritable globs.
func GatherOverwritable(assignments []course.Assignment, root string) (PathSet, error) {
	return gather(assignments, root, func(a course.Assignment) []string { return a.OverwritableFiles })
}

// GatherProtected returns every file under an assignment directory that
// matches one of that assignment's protected globs.
func GatherProtected(assignments []course.Assignment, root string) (PathSet, error) {
	return gather(assignments, root, func(a course.Assignment) []string { return a.ProtectedFiles })
}

func gather(assignments []course.Assignment, root string, patterns func(course.Assignment) []string) (PathSet, error) {
	set := PathSet{}
	for _, a := range assignments {
		globs := patterns(a)
		if len(globs) == 0 {
			continue
		}
		matchers, err := compile(globs)
		if err != nil {
			return nil, fmt.Errorf("assignment %q: %w", a.Name, err)
		}
		if err := walkAssignment(root, a.Dir(), matchers, set); err != nil {
			return nil, fmt.Errorf("assignment %q: %w", a.Name, err)
		}
	}
	return set, nil
}

// Match reports whether the assignment-relative slash path rel matches any
// of globs.
func Match(globs []string, rel string) (bool, error) {
	matchers, err := compile(globs)
	if err != nil {
		return false, err
	}
	return matchAny(matchers, rel), nil
}

func compile(globs []string) ([]glob.Glob, error) {
	matchers := make([]glob.Glob, 0, len(globs))
	for _, pattern := range globs {
		g, err := glob.Compile(strings.TrimPrefix(pattern, "./"), '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		matchers = append(matchers, g)
	}
	return matchers, nil
}

func matchAny(matchers []glob.Glob, rel string) bool {
	for _, g := range matchers {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func walkAssignment(root, dir string, matchers []glob.Glob, set PathSet) error {
	base := filepath.Join(root, filepath.FromSlash(dir))
	info, err := os.Stat(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != base && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchAny(matchers, rel) {
			set[path.Join(dir, rel)] = struct{}{}
		}
		return nil
	})
}

func skipDir(name string) bool {
	return name == ".git" || strings.HasPrefix(name, VaultDirPrefix)
}
