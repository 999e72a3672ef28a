package git

import "strings"

// StatusEntry is a path reported by git status or git diff together with its
// modification code. Status entries carry the two-letter index/worktree code
// ("??", " M", "UU", ...); diff entries carry the single-letter diff status.
type StatusEntry struct {
	Path     string
	Code     string
	OrigPath string // source path of a rename or copy
}

// IsUntracked reports whether the entry is an untracked file.
func (e StatusEntry) IsUntracked() bool {
	return e.Code == "??"
}

// IsStaged reports whether the index differs from HEAD for the entry.
func (e StatusEntry) IsStaged() bool {
	return len(e.Code) == 2 && e.Code[0] != ' ' && e.Code[0] != '?' && !e.IsUnmerged()
}

// IsUnmerged reports whether the entry is an unresolved conflict.
func (e StatusEntry) IsUnmerged() bool {
	switch e.Code {
	case "DD", "AU", "UD", "UA", "DU", "AA", "UU", "U":
		return true
	}
	return false
}

// Paths returns the path of every entry, in order.
func Paths(entries []StatusEntry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths
}

// parsePorcelainZ parses `git status --porcelain=v1 -z` output.
func parsePorcelainZ(out string) []StatusEntry {
	fields := strings.Split(out, "\x00")
	entries := make([]StatusEntry, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		entry := StatusEntry{Code: f[:2], Path: f[3:]}
		if isRenameOrCopy(entry.Code[0]) || isRenameOrCopy(entry.Code[1]) {
			if i+1 < len(fields) {
				entry.OrigPath = fields[i+1]
				i++
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// parseNameStatusZ parses `git diff --name-status -z` output.
func parseNameStatusZ(out string) []StatusEntry {
	fields := strings.Split(out, "\x00")
	var entries []StatusEntry
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			i++
			continue
		}
		if isRenameOrCopy(status[0]) {
			if i+2 >= len(fields) {
				break
			}
			entries = append(entries, StatusEntry{Code: status[:1], OrigPath: fields[i+1], Path: fields[i+2]})
			i += 3
			continue
		}
		if i+1 >= len(fields) {
			break
		}
		entries = append(entries, StatusEntry{Code: status, Path: fields[i+1]})
		i += 2
	}
	return entries
}

func isRenameOrCopy(c byte) bool {
	return c == 'R' || c == 'C'
}
