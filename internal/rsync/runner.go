package rsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kebairia/rbackup/internal/logger"
)

// DefaultBinary is looked up in PATH when no binary is configured.
const DefaultBinary = "rsync"

// ErrLaunch indicates that rsync could not be started, or was killed before
// it reported an exit code.
var ErrLaunch = errors.New("rsync launch failed")

// Primitive copies files and reports rsync's exit code. A non-nil error
// means no exit code is available.
type Primitive interface {
	Run(ctx context.Context, spec Spec) (int, error)
}

// RunnerOption lets you override default settings on a Runner.
type RunnerOption func(*Runner)

// Runner is the Primitive backed by the rsync binary.
type Runner struct {
	binary string
	stdout io.Writer
	stderr io.Writer
	log    logger.Logger
}

// NewRunner returns a Runner that execs rsync from PATH.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		binary: DefaultBinary,
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithBinary overrides the local rsync binary.
func WithBinary(path string) RunnerOption {
	return func(r *Runner) {
		if path != "" {
			r.binary = path
		}
	}
}

// WithOutput redirects rsync's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) RunnerOption {
	return func(r *Runner) {
		if stdout != nil {
			r.stdout = stdout
		}
		if stderr != nil {
			r.stderr = stderr
		}
	}
}

// WithLogger sets the logger used around each invocation.
func WithLogger(log logger.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// Check verifies the rsync binary can be found.
func (r *Runner) Check() error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return fmt.Errorf("%w: %s not found: %w", ErrLaunch, r.binary, err)
	}
	return nil
}

// Run execs rsync for spec and waits for it.
func (r *Runner) Run(ctx context.Context, spec Spec) (int, error) {
	args := Args(spec)
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr

	r.log.Info("rsync started",
		"action", spec.Action.String(),
		"destination", spec.Destination,
		"dry_run", spec.DryRun,
	)
	r.log.Debug("rsync command", "args", strings.Join(args, " "))

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		r.log.Info("rsync completed",
			"action", spec.Action.String(),
			"destination", spec.Destination,
			"duration", duration.String(),
		)
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		code := exitErr.ExitCode()
		r.log.Warn("rsync exited with error",
			"action", spec.Action.String(),
			"destination", spec.Destination,
			"status", code,
			"meaning", Describe(code),
			"duration", duration.String(),
		)
		return code, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	r.log.Error("rsync could not run",
		"action", spec.Action.String(),
		"destination", spec.Destination,
		"error", err.Error(),
	)
	return -1, fmt.Errorf("%w: %w", ErrLaunch, err)
}
