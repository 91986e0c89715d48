package launch

import (
	"fmt"
	"log/slog"
)

// CleanupStep is one named teardown action.
type CleanupStep struct {
	Name string
	Run  func() error
}

// RunCleanup executes every step regardless of earlier failures and returns
// the errors it collected. A failing unregister must never stop the session
// kill that follows it.
func RunCleanup(logger *slog.Logger, steps []CleanupStep) []error {
	var errs []error
	for _, step := range steps {
		if step.Run == nil {
			continue
		}
		if err := runStep(step); err != nil {
			logger.Warn("cleanup step failed", "step", step.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		}
	}
	return errs
}

func runStep(step CleanupStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Run()
}
