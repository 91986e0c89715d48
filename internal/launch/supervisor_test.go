package launch

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCleanupRunsEveryStep(t *testing.T) {
	var order []string
	steps := []CleanupStep{
		{Name: "first", Run: func() error { order = append(order, "first"); return nil }},
		{Name: "second", Run: func() error { order = append(order, "second"); return errors.New("boom") }},
		{Name: "third", Run: func() error { order = append(order, "third"); return nil }},
	}
	errs := RunCleanup(discardLogger(), steps)
	if len(order) != 3 || order[2] != "third" {
		t.Fatalf("order = %v", order)
	}
	if len(errs) != 1 || errs[0].Error() != "second: boom" {
		t.Fatalf("errs = %v", errs)
	}
}

func TestRunCleanupRecoversPanics(t *testing.T) {
	ran := false
	steps := []CleanupStep{
		{Name: "panics", Run: func() error { panic("nope") }},
		{Name: "after", Run: func() error { ran = true; return nil }},
	}
	errs := RunCleanup(discardLogger(), steps)
	if !ran {
		t.Fatal("step after panic did not run")
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
}

func TestClassifyExit(t *testing.T) {
	if got := classifyExit(nil); got != 0 {
		t.Fatalf("nil = %d", got)
	}
	if got := classifyExit(errors.New("wait: no child")); got != 1 {
		t.Fatalf("plain error = %d", got)
	}

	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	if got := classifyExit(err); got != 7 {
		t.Fatalf("exit 7 = %d (%v)", got, err)
	}

	cmd = exec.Command("sh", "-c", "kill -TERM $$")
	err = cmd.Run()
	if got := classifyExit(err); got != 0 {
		t.Fatalf("signal death = %d (%v)", got, err)
	}
}

func TestWaitChildPropagatesExitAndRunsTeardown(t *testing.T) {
	tornDown := false
	sup := &Supervisor{
		Logger:  discardLogger(),
		Signals: make(chan os.Signal),
		Teardown: []CleanupStep{
			{Name: "mark", Run: func() error { tornDown = true; return nil }},
		},
	}
	cmd := exec.Command("sh", "-c", "exit 4")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	if code := sup.WaitChild(cmd); code != 4 {
		t.Fatalf("code = %d", code)
	}
	if !tornDown {
		t.Fatal("teardown did not run")
	}
}

func TestWaitChildForwardsSignal(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	tornDown := false
	sup := &Supervisor{
		Logger:  discardLogger(),
		Signals: sigs,
		Teardown: []CleanupStep{
			{Name: "mark", Run: func() error { tornDown = true; return nil }},
		},
	}
	cmd := exec.Command("sh", "-c", "sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	sigs <- syscall.SIGTERM

	done := make(chan int, 1)
	go func() { done <- sup.WaitChild(cmd) }()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("signal shutdown code = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitChild did not return after signal")
	}
	if !tornDown {
		t.Fatal("teardown did not run")
	}
}

func TestWaitSignal(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	sigs <- syscall.SIGINT
	sup := &Supervisor{Logger: discardLogger(), Signals: sigs}
	if code := sup.WaitSignal(); code != 0 {
		t.Fatalf("code = %d", code)
	}
}
