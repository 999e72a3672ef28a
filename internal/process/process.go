// Package process runs external commands and captures their output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result holds the decoded output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs a command vector to completion.
type Runner interface {
	Run(ctx context.Context, argv []string, opts ...Option) (*Result, error)
}

// Options configures a single execution.
type Options struct {
	Dir   string
	Stdin *string
	Env   map[string]string
	// Raw keeps the output exactly as written by the process.
	Raw bool

	MaxRetries int
	RetryDelay time.Duration
	// RetryOn decides whether a finished attempt should be retried.
	// When nil, any non-zero exit is retried.
	RetryOn func(*Result) bool
}

// Option modifies Options.
type Option func(*Options)

// WithDir sets the working directory.
func WithDir(dir string) Option {
	return func(o *Options) {
		o.Dir = dir
	}
}

// WithStdin feeds input to the process on standard input.
func WithStdin(input string) Option {
	return func(o *Options) {
		o.Stdin = &input
	}
}

// WithEnv adds environment variables on top of the current environment.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithRawOutput disables trailing newline stripping.
func WithRawOutput() Option {
	return func(o *Options) {
		o.Raw = true
	}
}

// WithRetry retries a failed attempt up to maxRetries times.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// WithRetryOn sets the retry condition.
func WithRetryOn(fn func(*Result) bool) Option {
	return func(o *Options) {
		o.RetryOn = fn
	}
}

// Executor implements Runner with os/exec.
type Executor struct{}

// NewExecutor creates a new process executor
func NewExecutor() *Executor {
	return &Executor{}
}

// Run executes argv and returns its output. A non-zero exit code is not an
// error; the error return is reserved for processes that could not be run.
func (e *Executor) Run(ctx context.Context, argv []string, opts ...Option) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	options := &Options{RetryDelay: time.Second}
	for _, opt := range opts {
		opt(options)
	}

	var result *Result
	for attempt := 0; ; attempt++ {
		var err error
		result, err = e.runOnce(ctx, argv, options)
		if err != nil {
			return nil, err
		}
		if attempt >= options.MaxRetries || !shouldRetry(result, options) {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(options.RetryDelay):
		}
	}
}

func shouldRetry(result *Result, options *Options) bool {
	if options.RetryOn != nil {
		return options.RetryOn(result)
	}
	return result.ExitCode != 0
}

func (e *Executor) runOnce(ctx context.Context, argv []string, options *Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = options.Dir

	if len(options.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range options.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if options.Stdin != nil {
		cmd.Stdin = strings.NewReader(*options.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s interrupted: %w", argv[0], ctxErr)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", argv[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
	if !options.Raw {
		result.Stdout = trimTrailingNewline(result.Stdout)
		result.Stderr = trimTrailingNewline(result.Stderr)
	}
	return result, nil
}

// trimTrailingNewline strips exactly one trailing newline.
func trimTrailingNewline(s string) string {
	return strings.TrimSuffix(s, "\n")
}
