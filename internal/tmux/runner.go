// Package tmux wraps the terminal multiplexer: command execution, session and
// pane discovery, keystroke injection, and the working-directory-keyed session
// binder used by the launcher.
package tmux

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

const (
	defaultCommandTimeout = 5 * time.Second
	listRetryBackoff      = 250 * time.Millisecond
)

// isRetryableSubcommand reports whether a tmux subcommand is a read-only
// listing that is safe to retry on transient failure.
func isRetryableSubcommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch strings.ToLower(args[0]) {
	case "list-panes", "list-windows", "list-sessions", "display-message", "show-options":
		return true
	default:
		return false
	}
}
