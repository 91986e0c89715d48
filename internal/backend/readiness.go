// Package backend probes the RouteCodex server for readiness and, when it is
// not running, spawns it detached with its output redirected to a rotated log
// file.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/routecodex/launcher/internal/config"
	"github.com/routecodex/launcher/internal/connection"
)

// ErrReadinessTimeout means the backend never became ready within the poll
// window after being spawned.
var ErrReadinessTimeout = errors.New("backend readiness timeout")

// Outcome reports whether this run started the backend. Started=false means
// it was already reachable and this run owes it no cleanup.
type Outcome struct {
	Started bool
	LogPath string
}

const (
	initialProbeTimeout = 2500 * time.Millisecond
	pollProbeTimeout    = 1500 * time.Millisecond
	pollInterval        = time.Second
	maxPollAttempts     = 45

	maxLogSize    = 8 * 1024 * 1024
	maxLogBackups = 3
)

// SpawnFunc starts the backend command detached with stdio redirected to
// logFile and returns the child pid. Injectable for tests.
type SpawnFunc func(command []string, logFile *os.File) (int, error)

// Supervisor owns readiness probing and backend auto-start.
type Supervisor struct {
	Client        *http.Client
	Logger        *slog.Logger
	ServerCommand []string
	LogDir        string
	Spawn         SpawnFunc

	// Poll pacing, overridable in tests.
	ProbeTimeout time.Duration
	PollInterval time.Duration
	PollAttempts int
}

// NewSupervisor returns a Supervisor with production defaults: the backend is
// started as `routecodex start --port <port>`.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Client:        &http.Client{},
		Logger:        logger,
		ServerCommand: []string{"routecodex", "start"},
		LogDir:        config.LogDir(),
		Spawn:         spawnDetached,
		ProbeTimeout:  pollProbeTimeout,
		PollInterval:  pollInterval,
		PollAttempts:  maxPollAttempts,
	}
}

type statusBody struct {
	Status        string `json:"status"`
	Ready         *bool  `json:"ready"`
	PipelineReady *bool  `json:"pipelineReady"`
}

// CheckReady probes {baseURL}/ready and falls back to {baseURL}/health.
// /ready is the strict accepting-traffic gate; /health is the softer liveness
// gate. Any network error, non-2xx, or malformed body reads as not-ready.
func (s *Supervisor) CheckReady(ctx context.Context, baseURL, apiKey string, timeout time.Duration) bool {
	if body, ok := s.getStatus(ctx, baseURL+"/ready", apiKey, timeout); ok {
		if body.Status == "ready" || body.Status == "ok" || boolValue(body.Ready) {
			return true
		}
	}
	body, ok := s.getStatus(ctx, baseURL+"/health", apiKey, timeout)
	if !ok {
		return false
	}
	return body.Status == "ok" || body.Status == "ready" || boolValue(body.Ready) || boolValue(body.PipelineReady)
}

func (s *Supervisor) getStatus(ctx context.Context, url, apiKey string, timeout time.Duration) (statusBody, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return statusBody{}, false
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return statusBody{}, false
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusBody{}, false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return statusBody{}, false
	}
	var body statusBody
	if err := json.Unmarshal(data, &body); err != nil {
		return statusBody{}, false
	}
	return body, true
}

// EnsureReady guarantees a reachable backend. It refuses to auto-start when
// the connection came from an explicit --url: operating against someone
// else's endpoint must never trigger a local spawn.
func (s *Supervisor) EnsureReady(ctx context.Context, conn connection.Connection) (Outcome, error) {
	if s.CheckReady(ctx, conn.ServerURL, conn.APIKey, initialProbeTimeout) {
		return Outcome{Started: false}, nil
	}
	if conn.ExplicitURL {
		return Outcome{}, fmt.Errorf("backend at %s is not ready and auto-start is disabled for an explicit url", conn.ServerURL)
	}

	logPath := filepath.Join(s.LogDir, fmt.Sprintf("server-%d.log", conn.Port))
	rotateLogFile(logPath, maxLogSize, maxLogBackups)
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Outcome{}, fmt.Errorf("open server log: %w", err)
	}
	defer logFile.Close() //nolint:errcheck

	command := append(append([]string{}, s.ServerCommand...), "--port", strconv.Itoa(conn.Port))
	s.Logger.Info("starting backend server", "command", command, "log", logPath)
	pid, err := s.Spawn(command, logFile)
	if err != nil {
		s.Logger.Error("backend spawn failed", "error", err)
		return Outcome{}, fmt.Errorf("spawn backend: %w", err)
	}
	s.Logger.Info("backend server spawned", "pid", pid)

	for attempt := 1; attempt <= s.PollAttempts; attempt++ {
		if s.CheckReady(ctx, conn.ServerURL, conn.APIKey, s.ProbeTimeout) {
			return Outcome{Started: true, LogPath: logPath}, nil
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
	return Outcome{}, fmt.Errorf("%w after %d attempts, see %s", ErrReadinessTimeout, s.PollAttempts, logPath)
}

// rotateLogFile shifts numbered backups up and renames the active log to .1
// once it exceeds maxSize. Best-effort: rotation must never block startup.
func rotateLogFile(path string, maxSize int64, maxBackups int) {
	st, err := os.Stat(path)
	if err != nil || st.Size() <= maxSize {
		return
	}
	for i := maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		_ = os.Rename(from, to)
	}
	_ = os.Rename(path, path+".1")
}

func boolValue(b *bool) bool {
	return b != nil && *b
}
