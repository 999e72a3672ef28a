package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// gitEnv pins identity and disables user/system config so fixtures behave the
// same on every machine.
var gitEnv = []string{
	"GIT_AUTHOR_NAME=Test",
	"GIT_AUTHOR_EMAIL=test@test.com",
	"GIT_COMMITTER_NAME=Test",
	"GIT_COMMITTER_EMAIL=test@test.com",
	"GIT_CONFIG_NOSYSTEM=1",
	"GIT_TERMINAL_PROMPT=0",
	"GIT_MERGE_AUTOEDIT=no",
}

// Git runs git inside dir and returns trimmed stdout. The test fails on a
// non-zero exit.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), gitEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository at dir with a main branch and a local identity.
func InitRepo(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-b", "main")
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// WriteFile writes content to root/rel, creating parent directories.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of root/rel, failing the test if it is missing.
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// Exists reports whether root/rel exists.
func Exists(root, rel string) bool {
	_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

// CommitAll stages everything in dir, commits it and returns the new head.
func CommitAll(t *testing.T, dir, msg string) string {
	t.Helper()
	Git(t, dir, "add", "--all")
	Git(t, dir, "commit", "--allow-empty", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// CommitFiles writes files (relative path to content) in dir and commits them.
func CommitFiles(t *testing.T, dir, msg string, files map[string]string) string {
	t.Helper()
	for rel, content := range files {
		WriteFile(t, dir, rel, content)
	}
	return CommitAll(t, dir, msg)
}

// ClassRepos is a student working copy wired to a master repository
// ("upstream") and a personal bare repository ("origin").
type ClassRepos struct {
	Master string
	Origin string
	Work   string
}

// NewClassRepos creates master with the given initial files, a bare origin
// seeded from master, and a working clone of origin with master added as the
// upstream remote and already fetched.
func NewClassRepos(t *testing.T, files map[string]string) *ClassRepos {
	t.Helper()
	base := t.TempDir()
	c := &ClassRepos{
		Master: filepath.Join(base, "master"),
		Origin: filepath.Join(base, "origin.git"),
		Work:   filepath.Join(base, "work"),
	}

	InitRepo(t, c.Master)
	if len(files) == 0 {
		files = map[string]string{"README.md": "class\n"}
	}
	CommitFiles(t, c.Master, "Initial commit", files)

	Git(t, base, "clone", "--bare", "--quiet", c.Master, c.Origin)
	Git(t, base, "clone", "--quiet", c.Origin, c.Work)
	Git(t, c.Work, "config", "user.email", "student@test.com")
	Git(t, c.Work, "config", "user.name", "Student")
	Git(t, c.Work, "config", "commit.gpgsign", "false")
	Git(t, c.Work, "remote", "add", "upstream", c.Master)
	Git(t, c.Work, "fetch", "--quiet", "upstream")
	return c
}

// Head returns the commit id ref resolves to in dir.
func Head(t *testing.T, dir, ref string) string {
	t.Helper()
	return Git(t, dir, "rev-parse", ref)
}

// Branches lists local branch names in dir.
func Branches(t *testing.T, dir string) []string {
	t.Helper()
	out := Git(t, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// StashCount returns the number of stash entries in dir.
func StashCount(t *testing.T, dir string) int {
	t.Helper()
	out := Git(t, dir, "stash", "list")
	if out == "" {
		return 0
	}
	return len(strings.Split(out, "\n"))
}
