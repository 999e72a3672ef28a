// Package course describes the class a repository belongs to and the
// assignments published in it.
package course

import (
	"context"
	"path"
	"strings"
)

// Course is the class a repository is synchronized for.
type Course struct {
	Name            string `json:"name" yaml:"name"`
	MasterRemoteURL string `json:"master_remote_url" yaml:"master_remote_url"`
}

// Assignment is a unit of coursework living in one directory of the repository.
type Assignment struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	DirectoryPath string `json:"directory_path" yaml:"directory_path"`
	// OverwritableFiles are globs, relative to DirectoryPath, whose upstream
	// version always wins a conflict.
	OverwritableFiles []string `json:"overwritable_files" yaml:"overwritable_files"`
	// ProtectedFiles are globs, relative to DirectoryPath, that are never
	// included in a submission.
	ProtectedFiles []string `json:"protected_files" yaml:"protected_files"`
}

// Dir returns the cleaned slash-separated assignment directory.
func (a Assignment) Dir() string {
	return path.Clean(strings.Trim(a.DirectoryPath, "/"))
}

// Contains reports whether the repository-relative slash path rel lies
// inside the assignment directory.
func (a Assignment) Contains(rel string) bool {
	dir := a.Dir()
	rel = path.Clean(strings.TrimPrefix(rel, "/"))
	if dir == "." {
		return true
	}
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}

// Provider supplies course metadata. Implementations must return fresh data
// on every call.
type Provider interface {
	Course(ctx context.Context) (Course, error)
	Assignments(ctx context.Context) ([]Assignment, error)
}

// SubmissionRecorder is implemented by providers that can register a pushed
// submission with the grading service.
type SubmissionRecorder interface {
	RecordSubmission(ctx context.Context, assignmentID, commitID string) error
}

// FindByPath returns the assignment whose directory contains rel.
func FindByPath(assignments []Assignment, rel string) (Assignment, bool) {
	var best Assignment
	found := false
	for _, a := range assignments {
		if a.Contains(rel) && (!found || len(a.Dir()) > len(best.Dir())) {
			best = a
			found = true
		}
	}
	return best, found
}
