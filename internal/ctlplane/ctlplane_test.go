package ctlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeInjector struct {
	mu       sync.Mutex
	literals []string
	submits  int
	fail     bool
}

func (f *fakeInjector) SendLiteral(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.literals = append(f.literals, text)
	return nil
}

func (f *fakeInjector) Submit(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("submit failed")
	}
	f.submits++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDaemon(t *testing.T, inj TextInjector, target string) *Daemon {
	t.Helper()
	d := NewDaemon(inj, quietLogger(), "rcx-codex-1", target)
	d.settle = time.Millisecond
	if err := d.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func postInject(t *testing.T, url string, body string) (*http.Response, injectResponse) {
	t.Helper()
	resp, err := http.Post(url+"/inject", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post inject: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	var out injectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode inject response: %v", err)
	}
	return resp, out
}

func TestInjectDeliversTextAndSubmit(t *testing.T) {
	inj := &fakeInjector{}
	d := newTestDaemon(t, inj, "rcx-codex-1:0.0")

	resp, out := postInject(t, d.CallbackURL(), `{"text":"hello world"}`)
	if resp.StatusCode != http.StatusOK || !out.OK {
		t.Fatalf("status=%d out=%+v", resp.StatusCode, out)
	}
	if out.TmuxTarget != "rcx-codex-1:0.0" {
		t.Fatalf("tmuxTarget = %q", out.TmuxTarget)
	}
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if len(inj.literals) != 1 || inj.literals[0] != "hello world" {
		t.Fatalf("literals = %#v", inj.literals)
	}
	if inj.submits != 1 {
		t.Fatalf("submits = %d", inj.submits)
	}
}

func TestInjectRejectsEmptyText(t *testing.T) {
	inj := &fakeInjector{}
	d := newTestDaemon(t, inj, "rcx-codex-1:0.0")

	resp, out := postInject(t, d.CallbackURL(), `{"text":"  "}`)
	if resp.StatusCode != http.StatusBadRequest || out.OK {
		t.Fatalf("status=%d out=%+v", resp.StatusCode, out)
	}
}

func TestInjectFailureReturns500(t *testing.T) {
	inj := &fakeInjector{fail: true}
	d := newTestDaemon(t, inj, "rcx-codex-1:0.0")

	resp, out := postInject(t, d.CallbackURL(), `{"text":"x"}`)
	if resp.StatusCode != http.StatusInternalServerError || out.OK {
		t.Fatalf("status=%d out=%+v", resp.StatusCode, out)
	}
	if out.Message == "" {
		t.Fatal("expected failure message")
	}
}

func TestInjectWithoutBindingFails(t *testing.T) {
	inj := &fakeInjector{}
	d := newTestDaemon(t, inj, "")

	resp, _ := postInject(t, d.CallbackURL(), `{"text":"x"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDaemonCorrelationFallsBackToID(t *testing.T) {
	d := NewDaemon(&fakeInjector{}, quietLogger(), "", "")
	if d.TmuxSessionID != d.ID {
		t.Fatalf("correlation id should fall back to daemon id, got %q", d.TmuxSessionID)
	}
}

func newTestRegistrar(t *testing.T, backendURL string, backoff time.Duration) *Registrar {
	t.Helper()
	d := NewDaemon(&fakeInjector{}, quietLogger(), "rcx-codex-1", "rcx-codex-1:0.0")
	r := NewRegistrar(d, backendURL, "key", backoff, quietLogger())
	r.Workdir = "/work"
	r.ManagedTmuxSession = true
	return r
}

func TestRegisterSendsFullPayload(t *testing.T) {
	var got registrationPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != registerPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	r := newTestRegistrar(t, srv.URL, time.Second)
	if err := r.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Registered() {
		t.Fatal("expected registered state")
	}
	if got.DaemonID == "" || got.TmuxSessionID != "rcx-codex-1" || got.Workdir != "/work" {
		t.Fatalf("payload = %+v", got)
	}
	if got.ClientType != "codex" || !got.ManagedTmuxSession {
		t.Fatalf("payload = %+v", got)
	}
}

func TestRegisterFailureWrapsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := newTestRegistrar(t, srv.URL, time.Second)
	err := r.Register(context.Background())
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("expected ErrRegistrationFailed, got %v", err)
	}
}

func TestHeartbeat503GatedByBackoff(t *testing.T) {
	var registers atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == registerPath {
			registers.Add(1)
		}
	}))
	defer srv.Close()

	r := newTestRegistrar(t, srv.URL, time.Hour)
	if err := r.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	registers.Store(0)

	// Two 503s inside the backoff window: zero re-registrations, because the
	// initial registration already stamped the clock.
	r.HandleHeartbeatStatus(context.Background(), http.StatusServiceUnavailable)
	r.HandleHeartbeatStatus(context.Background(), http.StatusServiceUnavailable)
	if n := registers.Load(); n != 0 {
		t.Fatalf("registers = %d, want 0 within backoff window", n)
	}

	// Expired window: exactly one re-registration for the next failure.
	r.mu.Lock()
	r.lastAttempt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()
	r.HandleHeartbeatStatus(context.Background(), http.StatusServiceUnavailable)
	if n := registers.Load(); n != 1 {
		t.Fatalf("registers = %d, want 1 after window elapsed", n)
	}
}

func TestHeartbeat404AlwaysReregisters(t *testing.T) {
	var registers atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == registerPath {
			registers.Add(1)
		}
	}))
	defer srv.Close()

	r := newTestRegistrar(t, srv.URL, time.Hour)
	r.HandleHeartbeatStatus(context.Background(), http.StatusNotFound)
	r.HandleHeartbeatStatus(context.Background(), http.StatusGone)
	r.HandleHeartbeatStatus(context.Background(), http.StatusNotFound)
	if n := registers.Load(); n != 3 {
		t.Fatalf("registers = %d, want one per 404/410", n)
	}
}

func TestHeartbeatOtherRejectionNotRetried(t *testing.T) {
	var registers atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == registerPath {
			registers.Add(1)
		}
	}))
	defer srv.Close()

	r := newTestRegistrar(t, srv.URL, time.Nanosecond)
	r.HandleHeartbeatStatus(context.Background(), http.StatusBadRequest)
	r.HandleHeartbeatStatus(context.Background(), http.StatusUnauthorized)
	if n := registers.Load(); n != 0 {
		t.Fatalf("registers = %d, genuine rejections must not re-register", n)
	}
}

func TestReregisterCoalescesConcurrentCallers(t *testing.T) {
	var registers atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == registerPath {
			registers.Add(1)
			<-release
		}
	}))
	defer srv.Close()

	r := newTestRegistrar(t, srv.URL, time.Nanosecond)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reregister(context.Background())
		}()
	}
	// Give the goroutines time to pile up on the in-flight attempt.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := registers.Load(); n != 1 {
		t.Fatalf("registers = %d, concurrent callers must coalesce", n)
	}
}

func TestProxyAPIKeyEncoding(t *testing.T) {
	if got := ProxyAPIKey("", "abc"); got != "rcx-abc" {
		t.Fatalf("empty configured key: %q", got)
	}
	if got := ProxyAPIKey("k1", "abc"); got != "k1.abc" {
		t.Fatalf("configured key: %q", got)
	}
}
