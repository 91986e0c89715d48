package launch

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/routecodex/launcher/internal/config"
	"github.com/routecodex/launcher/internal/connection"
	"github.com/routecodex/launcher/internal/ctlplane"
	"github.com/routecodex/launcher/internal/journal"
	"github.com/routecodex/launcher/internal/tmux"
)

// Options carries everything Run needs, resolved by the CLI layer.
type Options struct {
	Connection      connection.Connection
	Cwd             string
	ClientBin       string
	ClientArgs      []string
	Policy          config.SelfHealPolicy
	ReclaimRequired bool
	AttachAllowed   bool
	Signals         <-chan os.Signal
	Logger          *slog.Logger
	Journal         *journal.Store

	// TmuxClient is injectable for tests; nil means the real binary.
	TmuxClient *tmux.Client
}

// Run executes one launch end to end: bind a session, start the control
// daemon, register with the backend, deliver the client command, supervise
// until exit. Returns the process exit code.
func Run(ctx context.Context, opts Options) int {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tmuxClient := opts.TmuxClient
	if tmuxClient == nil {
		tmuxClient = tmux.NewClient()
	}

	clientName := filepath.Base(opts.ClientBin)
	binder := tmux.NewBinder(tmuxClient, logger, tmux.SessionPrefix(clientName), os.Getenv(config.EnvTmuxMarker) != "")
	binding, err := binder.Bind(ctx, opts.Cwd)
	if err != nil {
		logger.Warn("tmux unavailable, launching client as a direct subprocess", "error", err)
		binding = nil
	}
	if binding != nil && !binding.Reused && opts.Journal != nil {
		if err := opts.Journal.UpsertManagedSession(ctx, binding.SessionName, opts.Cwd, time.Now().UTC()); err != nil {
			logger.Warn("journal write failed", "error", err)
		}
	}

	sessionName, target := "", ""
	if binding != nil {
		sessionName, target = binding.SessionName, binding.Target
	}
	daemon := ctlplane.NewDaemon(tmuxClient, logger, sessionName, target)
	daemonUp := true
	if err := daemon.Start(); err != nil {
		logger.Warn("control daemon failed to start, remote injection disabled", "error", err)
		daemonUp = false
	}

	registrar := ctlplane.NewRegistrar(daemon, opts.Connection.ServerURL, opts.Connection.APIKey, config.ReregisterBackoff(), logger)
	registrar.ClientType = clientName
	registrar.Workdir = opts.Cwd
	registrar.ManagedTmuxSession = binding != nil && !binding.Reused

	proxyKey := ctlplane.ProxyAPIKey(opts.Connection.APIKey, daemon.ID)
	diff := DiffEnv(os.Environ(), map[string]string{
		"OPENAI_BASE_URL": opts.Connection.ServerURL + "/v1",
		"OPENAI_API_KEY":  proxyKey,
	}, []string{"OPENAI_ORGANIZATION", "OPENAI_PROJECT"})

	if binding != nil {
		return runInSession(ctx, opts, logger, tmuxClient, binding, daemon, registrar, daemonUp, diff)
	}
	return runAsChild(ctx, opts, logger, daemon, registrar, daemonUp, diff)
}

func runInSession(ctx context.Context, opts Options, logger *slog.Logger, tmuxClient *tmux.Client, binding *tmux.Binding, daemon *ctlplane.Daemon, registrar *ctlplane.Registrar, daemonUp bool, diff EnvDiff) int {
	// Registration has to settle before injection so the callback URL is
	// valid the moment the client starts talking to the backend. For a
	// session launch a failure only costs remote injection.
	if daemonUp {
		if err := registrar.Register(ctx); err != nil {
			logger.Warn("daemon registration failed, continuing without remote injection", "error", err)
		} else {
			registrar.StartHeartbeat(ctx)
		}
	}

	launchID := recordLaunch(ctx, opts, binding.SessionName, binding.Reused, "session")

	steps := []CleanupStep{
		{Name: "stop heartbeat", Run: func() error { registrar.StopHeartbeat(); return nil }},
		{Name: "unregister daemon", Run: func() error { registrar.Unregister(context.Background()); return nil }},
		{Name: "close control daemon", Run: func() error { return daemon.Close(context.Background()) }},
	}
	if !binding.Reused {
		steps = append(steps, CleanupStep{Name: "stop managed session", Run: func() error {
			if err := binding.Stop(context.Background()); err != nil {
				return err
			}
			if opts.Journal != nil {
				_ = opts.Journal.DeleteManagedSession(context.Background(), binding.SessionName)
			}
			return nil
		}})
	}

	line := BuildInjectedLine(opts.Cwd, BuildClientCommand(diff, opts.ClientBin, opts.ClientArgs), opts.Policy)
	injector := &Injector{Client: tmuxClient, Logger: logger}
	if err := injector.Deliver(ctx, binding.Target, line); err != nil {
		// A session left with an unknown half-delivered state is worse than
		// no session: tear down anything this run created and fail loudly.
		logger.Error("command injection failed", "target", binding.Target, "error", err)
		RunCleanup(logger, steps)
		finishLaunch(ctx, opts, launchID, "injection-failed", 1)
		return 1
	}

	sup := &Supervisor{Logger: logger, Signals: opts.Signals, Teardown: steps}
	if !opts.AttachAllowed {
		logger.Info("not a terminal, session keeps running detached", "target", binding.Target)
		code := sup.WaitSignal()
		finishLaunch(ctx, opts, launchID, "detached", code)
		return code
	}

	attach := exec.Command("tmux", "attach-session", "-t", binding.SessionName)
	attach.Stdin = os.Stdin
	attach.Stdout = os.Stdout
	attach.Stderr = os.Stderr
	if err := attach.Start(); err != nil {
		logger.Error("tmux attach failed", "error", err)
		RunCleanup(logger, steps)
		finishLaunch(ctx, opts, launchID, "attach-failed", 1)
		return 1
	}
	code := sup.WaitChild(attach)
	finishLaunch(ctx, opts, launchID, "exited", code)
	return code
}

func runAsChild(ctx context.Context, opts Options, logger *slog.Logger, daemon *ctlplane.Daemon, registrar *ctlplane.Registrar, daemonUp bool, diff EnvDiff) int {
	steps := []CleanupStep{
		{Name: "stop heartbeat", Run: func() error { registrar.StopHeartbeat(); return nil }},
		{Name: "unregister daemon", Run: func() error { registrar.Unregister(context.Background()); return nil }},
		{Name: "close control daemon", Run: func() error { return daemon.Close(context.Background()) }},
	}

	cmd := exec.Command(opts.ClientBin, opts.ClientArgs...)
	cmd.Dir = opts.Cwd
	cmd.Env = renderEnv(diff.Apply(os.Environ()))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		logger.Error("failed to start client", "bin", opts.ClientBin, "error", err)
		RunCleanup(logger, steps)
		return 1
	}

	registrar.ManagedProcess = ctlplane.ManagedProcessState{
		Managed:     true,
		PID:         cmd.Process.Pid,
		CommandHint: opts.ClientBin,
	}
	registered := false
	if daemonUp {
		if err := registrar.Register(ctx); err == nil {
			registered = true
		} else if opts.ReclaimRequired {
			// An unregistered managed child would be an untracked orphan the
			// moment this process dies; refuse to continue.
			logger.Error("daemon registration failed for managed child, aborting launch", "error", err)
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			RunCleanup(logger, steps)
			return 1
		} else {
			logger.Warn("daemon registration failed, continuing unregistered", "error", err)
		}
	} else if opts.ReclaimRequired {
		logger.Error("control daemon unavailable for managed child, aborting launch")
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		RunCleanup(logger, steps)
		return 1
	}
	if registered {
		registrar.StartHeartbeat(ctx)
	}

	launchID := recordLaunch(ctx, opts, "", false, "subprocess")
	sup := &Supervisor{Logger: logger, Signals: opts.Signals, Teardown: steps}
	code := sup.WaitChild(cmd)
	finishLaunch(ctx, opts, launchID, "exited", code)
	return code
}

func recordLaunch(ctx context.Context, opts Options, sessionName string, reused bool, mode string) string {
	if opts.Journal == nil {
		return ""
	}
	id, err := opts.Journal.RecordLaunch(ctx, journal.LaunchRecord{
		Cwd:         opts.Cwd,
		SessionName: sessionName,
		Reused:      reused,
		Mode:        mode,
		ServerURL:   opts.Connection.ServerURL,
		Outcome:     "running",
	})
	if err != nil {
		opts.Logger.Warn("journal write failed", "error", err)
		return ""
	}
	return id
}

func finishLaunch(ctx context.Context, opts Options, id, outcome string, code int) {
	if opts.Journal == nil || id == "" {
		return
	}
	if err := opts.Journal.FinishLaunch(ctx, id, outcome, code); err != nil {
		opts.Logger.Warn("journal write failed", "error", err)
	}
}

func renderEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
