// Package session drives detached terminal sessions. A job runs inside a
// named GNU screen session so it survives server disconnects and an
// operator can attach to it later with `screen -r`.
package session

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/errors"
)

// Runner is the boundary to the terminal multiplexer. A test double
// replaces it in unit tests; ScreenRunner is the production
// implementation.
type Runner interface {
	// Start creates a detached named session executing script in dir with
	// the given environment, and returns the PID of the session leader.
	Start(ctx context.Context, name, dir, script string, env []string) (int, error)
	// Kill terminates the session. Idempotent; killing a dead session is
	// not an error.
	Kill(ctx context.Context, name string) error
	// IsAlive reports whether the session is still registered.
	IsAlive(ctx context.Context, name string) bool
}

// pidRetry bounds how long Start waits for the session leader to appear
// after screen forks.
const (
	pidRetryAttempts = 6
	pidRetryDelay    = 250 * time.Millisecond
)

// ScreenRunner launches jobs under GNU screen.
type ScreenRunner struct {
	logger *zap.SugaredLogger
}

// NewScreenRunner creates the production session runner.
func NewScreenRunner(logger *zap.SugaredLogger) *ScreenRunner {
	return &ScreenRunner{logger: logger}
}

// Start runs `screen -dmS name script` and resolves the session leader
// PID via pgrep. screen daemonizes immediately, so the PID has to be
// found after the fact; a brief retry covers the window where the
// session is still registering.
func (r *ScreenRunner) Start(ctx context.Context, name, dir, script string, env []string) (int, error) {
	if _, err := os.Stat(script); err != nil {
		return 0, errors.Newf("script does not exist: %s", script)
	}

	cmd := exec.CommandContext(ctx, "screen", "-dmS", name, script)
	cmd.Dir = dir
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, errors.Wrapf(err, "screen failed to start session %s: %s", name, strings.TrimSpace(string(out)))
	}

	for attempt := 0; attempt < pidRetryAttempts; attempt++ {
		pid, err := r.findSessionPID(ctx, name)
		if err == nil {
			r.logger.Debugw("Session started", "session", name, "pid", pid)
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pidRetryDelay):
		}
	}

	return 0, errors.Newf("failed to resolve PID for session %s", name)
}

// Kill terminates the session: a polite quit first, then after a short
// grace period an unconditional SIGKILL of anything still matching the
// session name.
func (r *ScreenRunner) Kill(ctx context.Context, name string) error {
	// screen -X quit tells the session to shut down cleanly
	quit := exec.CommandContext(ctx, "screen", "-S", name, "-X", "quit")
	if err := quit.Run(); err != nil {
		r.logger.Debugw("screen quit returned non-zero; session may already be gone",
			"session", name, "error", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}

	if r.IsAlive(ctx, name) {
		kill := exec.CommandContext(ctx, "pkill", "-9", "-f", name)
		if err := kill.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
				// pkill exit 1 = no processes matched; already dead
				return nil
			}
			return errors.Wrapf(err, "failed to kill session %s", name)
		}
	}

	// Reap the dead session entry so screen -ls stays truthful
	exec.CommandContext(ctx, "screen", "-wipe").Run()
	return nil
}

// IsAlive checks `screen -ls` for the session name.
func (r *ScreenRunner) IsAlive(ctx context.Context, name string) bool {
	out, err := exec.CommandContext(ctx, "screen", "-ls").CombinedOutput()
	if err != nil {
		// screen -ls exits 1 when no sessions exist; the output still
		// tells us what we need
		if len(out) == 0 {
			return false
		}
	}
	return strings.Contains(string(out), name)
}

func (r *ScreenRunner) findSessionPID(ctx context.Context, name string) (int, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", name).Output()
	if err != nil {
		return 0, errors.Wrapf(err, "pgrep found no process for session %s", name)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && pid > 0 {
			return pid, nil
		}
	}
	return 0, errors.Newf("no usable PID in pgrep output for session %s", name)
}
