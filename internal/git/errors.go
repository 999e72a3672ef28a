package git

import (
	"errors"
	"regexp"
	"strings"
)

// ErrorKind classifies a failed git invocation.
type ErrorKind int

const (
	// KindTool is an unexpected non-zero exit or malformed output.
	KindTool ErrorKind = iota
	// KindTransport means the remote could not be reached or authentication failed.
	KindTransport
	// KindUnknownRef means a ref or path did not resolve.
	KindUnknownRef
	// KindNotARepository means the directory is not a git working tree.
	KindNotARepository
)

func (k ErrorKind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindTransport:
		return "transport"
	case KindUnknownRef:
		return "unknown-ref"
	case KindNotARepository:
		return "not-a-repository"
	default:
		return "unknown"
	}
}

var (
	// ErrNothingToAbort is returned by AbortMerge when no merge is in progress.
	ErrNothingToAbort = errors.New("no merge to abort")
	// ErrNothingToPop is returned when the stash is empty.
	ErrNothingToPop = errors.New("no stash entries")
	// ErrBranchMissing is returned when deleting a branch that does not exist.
	ErrBranchMissing = errors.New("branch does not exist")
)

// RepositoryError describes a git command that exited unsuccessfully.
type RepositoryError struct {
	Kind     ErrorKind
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *RepositoryError) Error() string {
	b := new(strings.Builder)
	b.WriteString("git ")
	if len(e.Args) > 0 {
		b.WriteString(e.Args[0])
		b.WriteString(" ")
	}
	b.WriteString("failed (")
	b.WriteString(e.Kind.String())
	b.WriteString(")")
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	} else if msg := strings.TrimSpace(e.Stdout); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var repoErr *RepositoryError
	return errors.As(err, &repoErr) && repoErr.Kind == KindTransport
}

// PushRejectedError is returned when a server-side hook declined a push.
// Lines holds the messages the remote echoed back, in order.
type PushRejectedError struct {
	Lines []string
	Err   *RepositoryError
}

func (e *PushRejectedError) Error() string {
	if len(e.Lines) == 0 {
		return "push rejected by remote"
	}
	return "push rejected by remote: " + strings.Join(e.Lines, "; ")
}

func (e *PushRejectedError) Unwrap() error {
	return e.Err
}

func determineErrorKind(stderr string) ErrorKind {
	switch {
	case strings.Contains(stderr, "not a git repository"):
		return KindNotARepository
	case strings.Contains(stderr, "Could not resolve host"),
		strings.Contains(stderr, "Connection refused"),
		strings.Contains(stderr, "Connection timed out"),
		strings.Contains(stderr, "Permission denied"),
		strings.Contains(stderr, "could not read Username"),
		strings.Contains(stderr, "Authentication failed"),
		strings.Contains(stderr, "unable to access"),
		strings.Contains(stderr, "Could not read from remote repository"),
		matches(`fatal: repository '.*' not found`, stderr):
		return KindTransport
	case strings.Contains(stderr, "unknown revision"),
		strings.Contains(stderr, "did not match any file(s) known to git"),
		strings.Contains(stderr, "invalid reference"),
		strings.Contains(stderr, "Needed a single revision"),
		strings.Contains(stderr, "does not exist in"):
		return KindUnknownRef
	}
	return KindTool
}

func matches(pattern, s string) bool {
	return regexp.MustCompile(pattern).MatchString(s)
}

// isHookRejection reports whether a push transcript shows a declined update.
func isHookRejection(transcript string) bool {
	return strings.Contains(transcript, "[remote rejected]") ||
		strings.Contains(transcript, "hook declined")
}

// remoteMessages extracts the lines echoed by the remote ("remote: ...").
func remoteMessages(transcript string) []string {
	var lines []string
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "remote:") {
			continue
		}
		msg := strings.TrimSpace(strings.TrimPrefix(line, "remote:"))
		if msg != "" {
			lines = append(lines, msg)
		}
	}
	return lines
}
