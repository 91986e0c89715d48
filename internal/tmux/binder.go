package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// idleShells is the foreground-command allow-list for pane reuse. A pane
// running anything else is busy and must not be claimed.
var idleShells = map[string]struct{}{
	"bash": {},
	"zsh":  {},
	"sh":   {},
	"fish": {},
	"dash": {},
	"ksh":  {},
}

// Binding is a claimed session pane. A binding created by this run
// (Reused=false) is owned by it and torn down on shutdown; a reused binding
// belongs to someone else and is left alive, though Stop remains available
// for explicit session-delete flows.
type Binding struct {
	SessionName string
	Target      string
	Reused      bool

	client *Client
}

// Stop kills the underlying session.
func (b *Binding) Stop(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.KillSession(ctx, b.SessionName)
}

// SessionPrefix scopes managed session names to the launched command.
func SessionPrefix(commandName string) string {
	return "rcx-" + commandName + "-"
}

// Binder locates or creates a session pane bound to a working directory.
type Binder struct {
	Client     *Client
	Logger     *slog.Logger
	Prefix     string
	InsideTmux bool

	// Now and RandSuffix are injectable for deterministic session names.
	Now        func() time.Time
	RandSuffix func() string
}

// NewBinder wires a Binder with production defaults.
func NewBinder(client *Client, logger *slog.Logger, prefix string, insideTmux bool) *Binder {
	return &Binder{
		Client:     client,
		Logger:     logger,
		Prefix:     prefix,
		InsideTmux: insideTmux,
		Now:        time.Now,
		RandSuffix: func() string { return fmt.Sprintf("%04x", rand.Intn(1<<16)) },
	}
}

// Bind resolves a session pane for cwd: ambient reuse first, then managed
// reuse, then creation. ErrUnavailable degrades the caller to plain-subprocess
// launch.
func (b *Binder) Bind(ctx context.Context, cwd string) (*Binding, error) {
	if !b.Client.Available(ctx) {
		return nil, ErrUnavailable
	}

	if b.InsideTmux {
		if binding := b.ambientPane(ctx, cwd); binding != nil {
			return binding, nil
		}
	}

	if binding := b.FindReusableManagedSession(ctx, cwd); binding != nil {
		return binding, nil
	}

	return b.createSession(ctx, cwd)
}

// ambientPane reuses the launcher's own pane when its foreground command is
// an idle shell sitting in the right directory.
func (b *Binder) ambientPane(ctx context.Context, cwd string) *Binding {
	pane, err := b.Client.CurrentPane(ctx)
	if err != nil {
		return nil
	}
	if !isIdleShell(pane.Command) || !sameDir(pane.Path, cwd) {
		return nil
	}
	return &Binding{SessionName: pane.SessionName, Target: pane.Target, Reused: true, client: b.Client}
}

// FindReusableManagedSession scans sessions carrying the managed prefix,
// skips any attached session, and returns the first pane whose foreground
// command is an idle shell in cwd. First match in listing order wins; a
// matched session is claimed immediately by the command that follows, which
// is what keeps concurrent launches from sharing one pane for long.
func (b *Binder) FindReusableManagedSession(ctx context.Context, cwd string) *Binding {
	sessions, err := b.Client.ListSessions(ctx)
	if err != nil {
		return nil
	}
	for _, session := range sessions {
		if !strings.HasPrefix(session.Name, b.Prefix) {
			continue
		}
		if session.Attached {
			continue
		}
		panes, err := b.Client.ListPanes(ctx, session.Name)
		if err != nil {
			continue
		}
		for _, pane := range panes {
			if isIdleShell(pane.Command) && sameDir(pane.Path, cwd) {
				return &Binding{SessionName: session.Name, Target: pane.Target, Reused: true, client: b.Client}
			}
		}
	}
	return nil
}

func (b *Binder) createSession(ctx context.Context, cwd string) (*Binding, error) {
	name := fmt.Sprintf("%s%d-%s", b.Prefix, b.Now().Unix(), b.RandSuffix())
	if err := b.Client.NewSession(ctx, name, cwd); err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrUnavailable, err)
	}
	return &Binding{SessionName: name, Target: name + ":0.0", Reused: false, client: b.Client}, nil
}

func isIdleShell(command string) bool {
	name := strings.TrimPrefix(strings.TrimSpace(command), "-")
	_, ok := idleShells[name]
	return ok
}

// sameDir compares working directories after trailing-slash stripping,
// case-insensitively on Windows.
func sameDir(a, c string) bool {
	na := normalizeDir(a)
	nc := normalizeDir(c)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(na, nc)
	}
	return na == nc
}

func normalizeDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return dir
	}
	dir = filepath.Clean(dir)
	if len(dir) > 1 {
		dir = strings.TrimRight(dir, string(filepath.Separator))
	}
	return dir
}
