// Package cli parses arguments and dispatches the launcher's subcommands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/routecodex/launcher/internal/backend"
	"github.com/routecodex/launcher/internal/config"
	"github.com/routecodex/launcher/internal/connection"
	"github.com/routecodex/launcher/internal/journal"
	"github.com/routecodex/launcher/internal/launch"
	"github.com/routecodex/launcher/internal/tmux"
)

// Runner executes one CLI invocation. The function fields are seams for
// tests; zero values fall back to the real implementations.
type Runner struct {
	Out     io.Writer
	ErrOut  io.Writer
	Logger  *slog.Logger
	Signals <-chan os.Signal

	TmuxClient  *tmux.Client
	Supervisor  *backend.Supervisor
	JournalPath string
	Launch      func(context.Context, launch.Options) int
	IsTerminal  func(fd uintptr) bool
	Getwd       func() (string, error)
}

// NewRunner wires a Runner against the real environment.
func NewRunner(out, errOut io.Writer, logger *slog.Logger, signals <-chan os.Signal) *Runner {
	return &Runner{
		Out:         out,
		ErrOut:      errOut,
		Logger:      logger,
		Signals:     signals,
		TmuxClient:  tmux.NewClient(),
		Supervisor:  backend.NewSupervisor(logger),
		JournalPath: config.JournalPath(),
		Launch:      launch.Run,
		IsTerminal:  func(fd uintptr) bool { return term.IsTerminal(int(fd)) },
		Getwd:       os.Getwd,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "sessions":
			return r.runSessions(ctx, args[1:])
		case "history":
			return r.runHistory(ctx, args[1:])
		case "help", "-h", "--help":
			r.printUsage()
			return 0
		}
	}
	return r.runLaunch(ctx, args)
}

func (r *Runner) runLaunch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("rcxlaunch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	port := fs.String("port", "", "proxy server port")
	host := fs.String("host", "", "proxy server host")
	rawURL := fs.String("url", "", "full proxy server URL, overrides host and port")
	configPath := fs.String("config", config.DefaultConfigPath(), "path to the routecodex config file")
	apiKey := fs.String("apikey", "", "API key for the proxy server")
	cwd := fs.String("cwd", "", "working directory for the client")
	ensureOnly := fs.Bool("ensure-server", false, "start the server if needed, then exit")
	clientBin := fs.String("codex-bin", "codex", "client binary to launch")
	model := fs.String("model", "", "model passed through to the client")
	profile := fs.String("profile", "", "profile passed through to the client")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.ErrOut, "error: %v\n", err)
		r.printUsage()
		return 2
	}

	conn, err := connection.Resolve(connection.Options{
		URL:        *rawURL,
		Host:       *host,
		Port:       *port,
		ConfigPath: *configPath,
		APIKey:     *apiKey,
		Dev:        config.DevMode(),
		Logger:     r.Logger,
	})
	if err != nil {
		_, _ = fmt.Fprintf(r.ErrOut, "error: %v\n", err)
		if errors.Is(err, connection.ErrConfiguration) {
			return 2
		}
		return 1
	}

	if _, err := r.Supervisor.EnsureReady(ctx, conn); err != nil {
		_, _ = fmt.Fprintf(r.ErrOut, "error: server not ready: %v\n", err)
		return 1
	}
	if *ensureOnly {
		_, _ = fmt.Fprintf(r.Out, "server ready at %s\n", conn.ServerURL)
		return 0
	}

	workdir := *cwd
	if workdir == "" {
		workdir = config.WorkdirOverride()
	}
	if workdir == "" {
		workdir, err = r.Getwd()
		if err != nil {
			_, _ = fmt.Fprintf(r.ErrOut, "error: resolve working directory: %v\n", err)
			return 1
		}
	}

	clientArgs := make([]string, 0, 4+fs.NArg())
	if *model != "" {
		clientArgs = append(clientArgs, "--model", *model)
	}
	if *profile != "" {
		clientArgs = append(clientArgs, "--profile", *profile)
	}
	clientArgs = append(clientArgs, fs.Args()...)

	store := r.openJournal(ctx)
	if store != nil {
		defer store.Close() //nolint:errcheck
	}

	attach := r.IsTerminal(os.Stdin.Fd()) && r.IsTerminal(os.Stdout.Fd())
	return r.Launch(ctx, launch.Options{
		Connection:      conn,
		Cwd:             workdir,
		ClientBin:       *clientBin,
		ClientArgs:      clientArgs,
		Policy:          config.SelfHealFromEnv(),
		ReclaimRequired: config.ReclaimRequired(),
		AttachAllowed:   attach,
		Signals:         r.Signals,
		Logger:          r.Logger,
		Journal:         store,
		TmuxClient:      r.TmuxClient,
	})
}

func (r *Runner) runSessions(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.ErrOut, "usage: rcxlaunch sessions <list|stop>")
		return 2
	}
	switch args[0] {
	case "list":
		return r.runSessionsList(ctx)
	case "stop":
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			_, _ = fmt.Fprintln(r.ErrOut, "usage: rcxlaunch sessions stop <name>")
			return 2
		}
		return r.runSessionsStop(ctx, args[1])
	default:
		_, _ = fmt.Fprintf(r.ErrOut, "unknown sessions command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runSessionsList(ctx context.Context) int {
	store := r.openJournal(ctx)
	tracked := map[string]journal.ManagedSession{}
	if store != nil {
		defer store.Close() //nolint:errcheck
		sessions, err := store.ListManagedSessions(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(r.ErrOut, "error: %v\n", err)
			return 1
		}
		for _, s := range sessions {
			tracked[s.Name] = s
		}
	}

	live := map[string]tmux.Session{}
	if sessions, err := r.TmuxClient.ListSessions(ctx); err == nil {
		for _, s := range sessions {
			if strings.HasPrefix(s.Name, "rcx-") {
				live[s.Name] = s
			}
		}
	}

	tw := tabwriter.NewWriter(r.Out, 2, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tCWD")
	for name, s := range live {
		state := "detached"
		if s.Attached {
			state = "attached"
		}
		cwd := ""
		if ms, ok := tracked[name]; ok {
			cwd = ms.Cwd
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", name, state, cwd)
	}
	for name, ms := range tracked {
		if _, ok := live[name]; ok {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", name, "gone", ms.Cwd)
	}
	_ = tw.Flush()
	return 0
}

func (r *Runner) runSessionsStop(ctx context.Context, name string) int {
	// Only sessions this launcher created are fair game.
	if !strings.HasPrefix(name, "rcx-") {
		_, _ = fmt.Fprintf(r.ErrOut, "error: %q is not a launcher-managed session\n", name)
		return 2
	}
	if err := r.TmuxClient.KillSession(ctx, name); err != nil {
		_, _ = fmt.Fprintf(r.ErrOut, "error: stop session %s: %v\n", name, err)
		return 1
	}
	if store := r.openJournal(ctx); store != nil {
		defer store.Close() //nolint:errcheck
		if err := store.DeleteManagedSession(ctx, name); err != nil && !errors.Is(err, journal.ErrNotFound) {
			r.Logger.Warn("journal delete failed", "session", name, "error", err)
		}
	}
	_, _ = fmt.Fprintf(r.Out, "stopped %s\n", name)
	return 0
}

func (r *Runner) runHistory(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 20, "maximum entries to show")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.ErrOut, "error: %v\n", err)
		return 2
	}

	store := r.openJournal(ctx)
	if store == nil {
		_, _ = fmt.Fprintln(r.ErrOut, "error: launch journal unavailable")
		return 1
	}
	defer store.Close() //nolint:errcheck

	launches, err := store.RecentLaunches(ctx, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(r.ErrOut, "error: %v\n", err)
		return 1
	}
	tw := tabwriter.NewWriter(r.Out, 2, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tMODE\tSESSION\tOUTCOME\tEXIT\tCWD")
	for _, l := range launches {
		session := l.SessionName
		if session == "" {
			session = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			l.StartedAt.Format(time.RFC3339), l.Mode, session, l.Outcome, l.ExitCode, l.Cwd)
	}
	_ = tw.Flush()
	return 0
}

func (r *Runner) openJournal(ctx context.Context) *journal.Store {
	store, err := journal.Open(ctx, r.JournalPath)
	if err != nil {
		r.Logger.Warn("launch journal unavailable", "path", r.JournalPath, "error", err)
		return nil
	}
	return store
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprint(r.ErrOut, `usage: rcxlaunch [flags] [-- client args...]
       rcxlaunch sessions <list|stop <name>>
       rcxlaunch history [-limit n]

flags:
  -port n          proxy server port
  -host addr       proxy server host
  -url url         full proxy server URL (overrides host and port)
  -config path     routecodex config file
  -apikey key      API key for the proxy server
  -cwd dir         working directory for the client
  -ensure-server   start the server if needed, then exit
  -codex-bin name  client binary to launch (default codex)
  -model name      model passed through to the client
  -profile name    profile passed through to the client
`)
}
