package launch

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
)

// Supervisor owns the shutdown path for one launch: it forwards signals to
// the child, then runs the teardown steps in order.
type Supervisor struct {
	Logger   *slog.Logger
	Signals  <-chan os.Signal
	Teardown []CleanupStep
}

// WaitChild blocks until the started child exits or a signal arrives, runs
// the teardown, and returns the launcher's exit code. Signal-based
// termination is not failure: both a forwarded signal and a child killed by
// one map to exit 0.
func (s *Supervisor) WaitChild(cmd *exec.Cmd) int {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case sig := <-s.Signals:
		s.Logger.Info("signal received, shutting down", "signal", sig.String())
		if cmd.Process != nil {
			_ = cmd.Process.Signal(sig)
		}
		<-done
		RunCleanup(s.Logger, s.Teardown)
		return 0
	case err := <-done:
		RunCleanup(s.Logger, s.Teardown)
		return classifyExit(err)
	}
}

// WaitSignal blocks until a signal arrives, then tears down. Used for
// headless session launches where there is no child to supervise.
func (s *Supervisor) WaitSignal() int {
	sig := <-s.Signals
	s.Logger.Info("signal received, shutting down", "signal", sig.String())
	RunCleanup(s.Logger, s.Teardown)
	return 0
}

// classifyExit maps a child Wait error to the launcher's exit code: nil is 0,
// death by signal is 0, a normal non-zero exit propagates, anything else is 1.
func classifyExit(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return 0
		}
		return code
	}
	return 1
}
