// Package ctlplane implements the ephemeral loopback control daemon: a tiny
// HTTP server the backend calls to inject text into the bound tmux pane, plus
// the register/heartbeat/unregister client that announces the daemon to the
// backend.
package ctlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRegistrationFailed means the backend rejected or never received the
// daemon registration.
var ErrRegistrationFailed = errors.New("daemon registration failed")

const (
	defaultSettle    = 80 * time.Millisecond
	heartbeatPeriod  = 10 * time.Second
	unregisterWindow = 2 * time.Second
)

// TextInjector delivers literal keystrokes and a submit action into a pane.
// *tmux.Client satisfies it.
type TextInjector interface {
	SendLiteral(ctx context.Context, target, text string) error
	Submit(ctx context.Context, target string) error
}

// ManagedProcessState describes a directly supervised child, reported to the
// backend so it can distinguish a managed child from a shared session pane.
type ManagedProcessState struct {
	Managed     bool
	PID         int
	CommandHint string
}

// Daemon is the control-plane endpoint for one launch.
type Daemon struct {
	ID        string
	SessionID string

	// TmuxSessionID correlates with the bound session; falls back to the
	// daemon id when no session is bound.
	TmuxSessionID string
	TmuxTarget    string

	injector TextInjector
	logger   *slog.Logger
	settle   time.Duration

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewDaemon builds a daemon for an optional session binding. target and
// sessionName are empty for direct-child launches.
func NewDaemon(injector TextInjector, logger *slog.Logger, sessionName, target string) *Daemon {
	id := uuid.NewString()
	correlation := sessionName
	if correlation == "" {
		correlation = id
	}
	d := &Daemon{
		ID:            id,
		SessionID:     uuid.NewString(),
		TmuxSessionID: correlation,
		TmuxTarget:    target,
		injector:      injector,
		logger:        logger,
		settle:        defaultSettle,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/inject", d.injectHandler)
	d.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return d
}

// Start binds a loopback listener on an OS-assigned port and serves in the
// background.
func (d *Daemon) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen control daemon: %w", err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()
	go func() {
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("control daemon serve ended", "error", err)
		}
	}()
	return nil
}

// CallbackURL is the address the backend posts injection requests to.
func (d *Daemon) CallbackURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return fmt.Sprintf("http://%s", d.listener.Addr().String())
}

// Close shuts the HTTP listener down. Resolves even if the listener is
// already gone.
func (d *Daemon) Close(ctx context.Context) error {
	d.mu.Lock()
	ln := d.listener
	d.listener = nil
	d.mu.Unlock()
	if ln == nil {
		return nil
	}
	_ = d.srv.Shutdown(ctx)
	_ = ln.Close()
	return nil
}

type injectRequest struct {
	Text string `json:"text"`
}

type injectResponse struct {
	OK         bool   `json:"ok"`
	TmuxTarget string `json:"tmuxTarget,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (d *Daemon) injectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, injectResponse{OK: false, Message: "method not allowed"})
		return
	}
	var req injectRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, injectResponse{OK: false, Message: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, injectResponse{OK: false, Message: "text is required"})
		return
	}
	if d.TmuxTarget == "" {
		writeJSON(w, http.StatusInternalServerError, injectResponse{OK: false, Message: "no session bound"})
		return
	}
	if err := d.injector.SendLiteral(r.Context(), d.TmuxTarget, req.Text); err != nil {
		writeJSON(w, http.StatusInternalServerError, injectResponse{OK: false, Message: err.Error()})
		return
	}
	// Let the receiving application's input buffer settle before the submit
	// keystroke lands as a separate action.
	select {
	case <-r.Context().Done():
	case <-time.After(d.settle):
	}
	if err := d.injector.Submit(r.Context(), d.TmuxTarget); err != nil {
		writeJSON(w, http.StatusInternalServerError, injectResponse{OK: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, injectResponse{OK: true, TmuxTarget: d.TmuxTarget})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ProxyAPIKey encodes the daemon id into the key the client presents to the
// proxy, so the backend can route remote-injection requests back to this
// daemon. The configured key, when present, stays in front for auth.
func ProxyAPIKey(configured, daemonID string) string {
	if strings.TrimSpace(configured) == "" {
		return "rcx-" + daemonID
	}
	return configured + "." + daemonID
}
