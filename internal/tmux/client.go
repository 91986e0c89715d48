package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable means tmux is not installed or not responding; the launcher
// degrades to plain-subprocess mode.
var ErrUnavailable = errors.New("tmux unavailable")

// Session is one row from list-sessions.
type Session struct {
	Name     string
	Attached bool
}

// Pane is one row from list-panes, addressed as session:window.pane.
type Pane struct {
	Target      string
	SessionName string
	Command     string
	Path        string
}

// Client issues tmux commands through a Runner.
type Client struct {
	runner  Runner
	bin     string
	timeout time.Duration
}

// NewClient returns a Client backed by os/exec.
func NewClient() *Client {
	return NewClientWithRunner(OSRunner{})
}

// NewClientWithRunner is the test seam.
func NewClientWithRunner(runner Runner) *Client {
	return &Client{runner: runner, bin: "tmux", timeout: defaultCommandTimeout}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	attempts := 1
	if isRetryableSubcommand(args) {
		attempts = 2
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		out, err := c.runner.Run(runCtx, c.bin, args...)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt+1 < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(listRetryBackoff):
			}
		}
	}
	return nil, fmt.Errorf("tmux %s: %w", strings.Join(args[:1], " "), lastErr)
}

// Available probes the tmux binary with a single version invocation.
func (c *Client) Available(ctx context.Context) bool {
	_, err := c.run(ctx, "-V")
	return err == nil
}

// CurrentPane resolves the pane the launcher itself is running in. Only
// meaningful when the TMUX environment marker is present.
func (c *Client) CurrentPane(ctx context.Context) (Pane, error) {
	format := joinFormat("#{session_name}", "#{window_index}", "#{pane_index}", "#{pane_current_command}", "#{pane_current_path}")
	out, err := c.run(ctx, "display-message", "-p", "-F", format)
	if err != nil {
		return Pane{}, err
	}
	fields := splitLine(strings.TrimSpace(string(out)), 5)
	if len(fields) != 5 {
		return Pane{}, fmt.Errorf("unexpected display-message output: %q", out)
	}
	return Pane{
		Target:      fmt.Sprintf("%s:%s.%s", fields[0], fields[1], fields[2]),
		SessionName: fields[0],
		Command:     fields[3],
		Path:        fields[4],
	}, nil
}

// ListSessions returns all sessions with their attached flag.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	format := joinFormat("#{session_name}", "#{session_attached}")
	out, err := c.run(ctx, "list-sessions", "-F", format)
	if err != nil {
		return nil, err
	}
	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitLine(line, 2)
		if len(fields) != 2 {
			continue
		}
		sessions = append(sessions, Session{
			Name:     fields[0],
			Attached: fields[1] != "0" && fields[1] != "",
		})
	}
	return sessions, nil
}

// ListPanes returns every pane of one session.
func (c *Client) ListPanes(ctx context.Context, session string) ([]Pane, error) {
	format := joinFormat("#{session_name}:#{window_index}.#{pane_index}", "#{session_name}", "#{pane_current_command}", "#{pane_current_path}")
	out, err := c.run(ctx, "list-panes", "-s", "-t", session, "-F", format)
	if err != nil {
		return nil, err
	}
	var panes []Pane
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitLine(line, 4)
		if len(fields) != 4 {
			continue
		}
		panes = append(panes, Pane{Target: fields[0], SessionName: fields[1], Command: fields[2], Path: fields[3]})
	}
	return panes, nil
}

// NewSession creates a detached session bound to dir.
func (c *Client) NewSession(ctx context.Context, name, dir string) error {
	_, err := c.run(ctx, "new-session", "-d", "-s", name, "-c", dir)
	return err
}

// KillSession removes a session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", name)
	return err
}

// RespawnPane kills whatever runs in the pane and restarts it with command.
// This is the atomic delivery primitive: any half-typed input is discarded.
func (c *Client) RespawnPane(ctx context.Context, target, command string) error {
	_, err := c.run(ctx, "respawn-pane", "-k", "-t", target, command)
	return err
}

// SendLiteral injects text as literal keystrokes, no key-name interpretation.
func (c *Client) SendLiteral(ctx context.Context, target, text string) error {
	_, err := c.run(ctx, "send-keys", "-t", target, "-l", "--", text)
	return err
}

// SendKey sends one named key.
func (c *Client) SendKey(ctx context.Context, target, key string) error {
	_, err := c.run(ctx, "send-keys", "-t", target, key)
	return err
}

// CancelMode leaves copy-mode or any other pane mode. Failing is fine: the
// pane is usually not in a mode at all.
func (c *Client) CancelMode(ctx context.Context, target string) {
	_, _ = c.run(ctx, "send-keys", "-t", target, "-X", "cancel")
}

// ClearInput wipes the current input line before injecting a command.
func (c *Client) ClearInput(ctx context.Context, target string) error {
	return c.SendKey(ctx, target, "C-u")
}

// Submit confirms the injected input. Different embedded applications
// intercept the newline key differently, so it walks a cascade and stops at
// the first delivery that tmux accepts.
func (c *Client) Submit(ctx context.Context, target string) error {
	var lastErr error
	for _, key := range []string{"Enter", "KPEnter", "C-m"} {
		if err := c.SendKey(ctx, target, key); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if err := c.SendLiteral(ctx, target, "\n"); err == nil {
		return nil
	} else {
		lastErr = err
	}
	return fmt.Errorf("submit keystroke not accepted: %w", lastErr)
}
