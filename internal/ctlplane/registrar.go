package ctlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	registerPath   = "/daemon/clock-client/register"
	heartbeatPath  = "/daemon/clock-client/heartbeat"
	unregisterPath = "/daemon/clock-client/unregister"
)

type registrationPayload struct {
	DaemonID                 string `json:"daemonId"`
	TmuxSessionID            string `json:"tmuxSessionId"`
	SessionID                string `json:"sessionId"`
	Workdir                  string `json:"workdir"`
	ClientType               string `json:"clientType"`
	TmuxTarget               string `json:"tmuxTarget,omitempty"`
	ManagedTmuxSession       bool   `json:"managedTmuxSession"`
	CallbackURL              string `json:"callbackUrl"`
	ManagedClientProcess     bool   `json:"managedClientProcess,omitempty"`
	ManagedClientPid         int    `json:"managedClientPid,omitempty"`
	ManagedClientCommandHint string `json:"managedClientCommandHint,omitempty"`
}

// Registrar announces the daemon to the backend and keeps the registration
// alive with a heartbeat. Responses are judged by HTTP status only.
type Registrar struct {
	BaseURL    string
	APIKey     string
	Client     *http.Client
	Logger     *slog.Logger
	Backoff    time.Duration
	ClientType string

	Workdir            string
	ManagedTmuxSession bool
	ManagedProcess     ManagedProcessState

	daemon *Daemon

	mu          sync.Mutex
	inflight    chan struct{}
	lastAttempt time.Time
	registered  bool

	heartbeatPeriod time.Duration
	stopHeartbeat   chan struct{}
	heartbeatDone   chan struct{}
}

// NewRegistrar wires a registrar for one daemon.
func NewRegistrar(daemon *Daemon, baseURL, apiKey string, backoff time.Duration, logger *slog.Logger) *Registrar {
	return &Registrar{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		Client:          &http.Client{Timeout: 5 * time.Second},
		Logger:          logger,
		Backoff:         backoff,
		ClientType:      "codex",
		daemon:          daemon,
		heartbeatPeriod: heartbeatPeriod,
	}
}

func (r *Registrar) payload() registrationPayload {
	return registrationPayload{
		DaemonID:                 r.daemon.ID,
		TmuxSessionID:            r.daemon.TmuxSessionID,
		SessionID:                r.daemon.SessionID,
		Workdir:                  r.Workdir,
		ClientType:               r.ClientType,
		TmuxTarget:               r.daemon.TmuxTarget,
		ManagedTmuxSession:       r.ManagedTmuxSession,
		CallbackURL:              r.daemon.CallbackURL(),
		ManagedClientProcess:     r.ManagedProcess.Managed,
		ManagedClientPid:         r.ManagedProcess.PID,
		ManagedClientCommandHint: r.ManagedProcess.CommandHint,
	}
}

func (r *Registrar) post(ctx context.Context, path string) (int, error) {
	body, err := json.Marshal(r.payload())
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("x-api-key", r.APIKey)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		// Status 0 stands for a network-level failure.
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return resp.StatusCode, nil
}

// Register announces the daemon. Every attempt, successful or not, stamps the
// backoff clock.
func (r *Registrar) Register(ctx context.Context) error {
	r.mu.Lock()
	r.lastAttempt = time.Now()
	r.mu.Unlock()

	status, err := r.post(ctx, registerPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: backend returned %d", ErrRegistrationFailed, status)
	}
	r.mu.Lock()
	r.registered = true
	r.mu.Unlock()
	return nil
}

// Registered reports whether the last registration attempt succeeded.
func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// reregister coalesces concurrent attempts: a caller that finds one in flight
// waits for it instead of issuing a duplicate.
func (r *Registrar) reregister(ctx context.Context) {
	r.mu.Lock()
	if r.inflight != nil {
		ch := r.inflight
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		return
	}
	ch := make(chan struct{})
	r.inflight = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inflight = nil
		r.mu.Unlock()
		close(ch)
	}()

	if err := r.Register(ctx); err != nil {
		r.Logger.Warn("daemon re-registration failed", "error", err)
	}
}

// HandleHeartbeatStatus applies the recovery policy for one heartbeat result.
// 404/410 mean the backend has explicitly forgotten the daemon: re-register
// immediately. Network failure (status 0) and 5xx re-register only once the
// backoff interval has elapsed, so a degraded backend is not hammered. Any
// other status is a genuine rejection and is not retried.
func (r *Registrar) HandleHeartbeatStatus(ctx context.Context, status int) {
	switch {
	case status >= 200 && status <= 299:
		return
	case status == http.StatusNotFound || status == http.StatusGone:
		r.reregister(ctx)
	case status == 0 || status >= 500:
		r.mu.Lock()
		elapsed := time.Since(r.lastAttempt)
		r.mu.Unlock()
		if elapsed >= r.Backoff {
			r.reregister(ctx)
		}
	default:
		r.Logger.Warn("heartbeat rejected by backend", "status", status)
	}
}

// StartHeartbeat runs the periodic heartbeat until StopHeartbeat. The loop is
// independent of the main shutdown wait and never keeps the process alive on
// its own.
func (r *Registrar) StartHeartbeat(ctx context.Context) {
	r.stopHeartbeat = make(chan struct{})
	r.heartbeatDone = make(chan struct{})
	go func() {
		defer close(r.heartbeatDone)
		ticker := time.NewTicker(r.heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopHeartbeat:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := r.post(ctx, heartbeatPath)
				if err != nil {
					status = 0
				}
				r.HandleHeartbeatStatus(ctx, status)
			}
		}
	}()
}

// StopHeartbeat cancels the periodic task and waits for it to wind down.
func (r *Registrar) StopHeartbeat() {
	if r.stopHeartbeat == nil {
		return
	}
	select {
	case <-r.stopHeartbeat:
	default:
		close(r.stopHeartbeat)
	}
	<-r.heartbeatDone
}

// Unregister tells the backend the daemon is going away. Best-effort: the
// result is ignored.
func (r *Registrar) Unregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, unregisterWindow)
	defer cancel()
	_, _ = r.post(ctx, unregisterPath)
}
