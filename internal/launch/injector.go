package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/routecodex/launcher/internal/tmux"
)

// ErrInjectionFailed means the command could not be delivered into the bound
// pane by any tier. Fatal for the launch attempt.
var ErrInjectionFailed = errors.New("command injection failed")

// Injector delivers a command line into a tmux pane.
type Injector struct {
	Client *tmux.Client
	Logger *slog.Logger
}

// Deliver tries the atomic pane-replace primitive first: it deterministically
// discards any half-typed input in the pane. On failure it falls back to the
// keystroke path: leave any pane mode, clear the input line, type the command
// literally, then submit.
func (i *Injector) Deliver(ctx context.Context, target, line string) error {
	if err := i.Client.RespawnPane(ctx, target, line); err == nil {
		return nil
	} else {
		i.Logger.Debug("respawn-pane delivery failed, falling back to keystrokes", "error", err)
	}

	i.Client.CancelMode(ctx, target)
	if err := i.Client.ClearInput(ctx, target); err != nil {
		return fmt.Errorf("%w: clear input: %v", ErrInjectionFailed, err)
	}
	if err := i.Client.SendLiteral(ctx, target, line); err != nil {
		return fmt.Errorf("%w: send keystrokes: %v", ErrInjectionFailed, err)
	}
	if err := i.Client.Submit(ctx, target); err != nil {
		return fmt.Errorf("%w: submit: %v", ErrInjectionFailed, err)
	}
	return nil
}
