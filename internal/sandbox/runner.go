// Package sandbox provides the execution backend adapter: running shell
// commands against an isolated per-session target and capturing combined
// output.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single command execution when no override is set.
const DefaultTimeout = 30 * time.Second

// ErrTargetNotRunning indicates the execution target does not exist or is
// not currently running.
var ErrTargetNotRunning = errors.New("sandbox: target not running")

// ExitError reports a command that ran but exited non-zero. Output carries
// the combined stdout and stderr captured before exit.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

// Runner executes a command against an isolated target and returns the
// combined stdout and stderr. Implementations enforce their own timeout and
// return *ExitError for non-zero exits so callers can distinguish command
// failure from adapter failure.
type Runner interface {
	Exec(ctx context.Context, target, command string) (string, error)
}

// DockerRunner executes commands inside a running Docker container via
// docker exec. The target is the container name.
type DockerRunner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// DockerOption configures a DockerRunner.
type DockerOption func(*DockerRunner)

// WithTimeout overrides the per-command timeout.
func WithTimeout(d time.Duration) DockerOption {
	return func(r *DockerRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) DockerOption {
	return func(r *DockerRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewDockerRunner creates a Docker-backed runner.
func NewDockerRunner(opts ...DockerOption) *DockerRunner {
	r := &DockerRunner{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Exec runs command inside the target container through bash -c, bounded by
// the runner's timeout. Combined output is returned even on failure so
// callers can surface it to the model.
func (r *DockerRunner) Exec(ctx context.Context, target, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "docker", "exec", target, "bash", "-c", command)
	raw, err := cmd.CombinedOutput()
	output := normalizeOutput(raw)

	r.logger.Debug("sandbox exec",
		"target", target,
		"elapsed", time.Since(start),
		"error", err != nil,
	)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("sandbox: command timed out after %s", r.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &ExitError{Code: exitErr.ExitCode(), Output: output}
		}
		return output, fmt.Errorf("sandbox: %w", err)
	}
	return output, nil
}

// Ping verifies the target container exists and is running. Used by session
// creation to validate execution targets before binding them.
func (r *DockerRunner) Ping(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", target)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTargetNotRunning, target)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("%w: %s", ErrTargetNotRunning, target)
	}
	return nil
}

// LocalRunner executes commands on the host through bash -c, ignoring the
// target. It exists for development and tests where no container backend is
// available; it provides no isolation.
type LocalRunner struct {
	timeout time.Duration
}

// NewLocalRunner creates a host-local runner with the given per-command
// timeout (zero means DefaultTimeout).
func NewLocalRunner(timeout time.Duration) *LocalRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LocalRunner{timeout: timeout}
}

func (r *LocalRunner) Exec(ctx context.Context, target, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	raw, err := cmd.CombinedOutput()
	output := normalizeOutput(raw)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("sandbox: command timed out after %s", r.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &ExitError{Code: exitErr.ExitCode(), Output: output}
		}
		return output, fmt.Errorf("sandbox: %w", err)
	}
	return output, nil
}

// normalizeOutput trims trailing whitespace and substitutes a placeholder
// for empty output so the model always sees something.
func normalizeOutput(raw []byte) string {
	out := strings.TrimSpace(string(raw))
	if out == "" {
		return "(no output)"
	}
	return out
}
