package connection

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/routecodex/launcher/internal/config"
)

func clearConnectionEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{config.EnvPort, config.EnvPortLegacy, config.EnvAPIKey, config.EnvAPIKeyLegacy} {
		t.Setenv(key, "")
	}
}

func missingConfig(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "absent.json")
}

func TestResolveFlagPortDefaults(t *testing.T) {
	clearConnectionEnv(t)
	conn, err := Resolve(Options{Port: "8080", ConfigPath: missingConfig(t)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.Protocol != "http" {
		t.Fatalf("protocol = %q", conn.Protocol)
	}
	if conn.Host != "0.0.0.0" {
		t.Fatalf("host = %q", conn.Host)
	}
	if conn.ConnectHost != "127.0.0.1" {
		t.Fatalf("connectHost = %q", conn.ConnectHost)
	}
	if conn.Port != 8080 || conn.PortPart != ":8080" {
		t.Fatalf("port = %d portPart = %q", conn.Port, conn.PortPart)
	}
	if conn.ServerURL != "http://127.0.0.1:8080" {
		t.Fatalf("serverURL = %q", conn.ServerURL)
	}
	if conn.ExplicitURL {
		t.Fatal("flag-resolved connection must not be marked explicit")
	}
}

func TestResolveURLOverrideWins(t *testing.T) {
	clearConnectionEnv(t)
	t.Setenv(config.EnvPort, "9999")
	conn, err := Resolve(Options{
		URL:        "https://proxy.example.com:8443/rcc/",
		Port:       "1234",
		Host:       "10.0.0.5",
		ConfigPath: missingConfig(t),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !conn.ExplicitURL {
		t.Fatal("url override must mark connection explicit")
	}
	if conn.Protocol != "https" || conn.Host != "proxy.example.com" || conn.Port != 8443 {
		t.Fatalf("unexpected connection: %+v", conn)
	}
	if conn.BasePath != "/rcc" {
		t.Fatalf("basePath = %q", conn.BasePath)
	}
	if conn.ServerURL != "https://proxy.example.com:8443/rcc" {
		t.Fatalf("serverURL = %q", conn.ServerURL)
	}
}

func TestResolvePrecedenceFlagOverConfigOverEnv(t *testing.T) {
	clearConnectionEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"port": 6000}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvPort, "7000")

	conn, err := Resolve(Options{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.Port != 6000 {
		t.Fatalf("config should beat env, got %d", conn.Port)
	}

	conn, err = Resolve(Options{Port: "5000", ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.Port != 5000 {
		t.Fatalf("flag should beat config, got %d", conn.Port)
	}
}

func TestResolveEnvPortWhenNothingElse(t *testing.T) {
	clearConnectionEnv(t)
	t.Setenv(config.EnvPortLegacy, "7100")
	conn, err := Resolve(Options{ConfigPath: missingConfig(t)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.Port != 7100 {
		t.Fatalf("port = %d", conn.Port)
	}
}

func TestResolveDevDefault(t *testing.T) {
	clearConnectionEnv(t)
	conn, err := Resolve(Options{Dev: true, ConfigPath: missingConfig(t)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.Port != config.DevDefaultPort {
		t.Fatalf("port = %d", conn.Port)
	}
}

func TestResolveFailsWithoutAnySource(t *testing.T) {
	clearConnectionEnv(t)
	_, err := Resolve(Options{ConfigPath: missingConfig(t)})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestResolveAPIKeyPrecedence(t *testing.T) {
	clearConnectionEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"port": 6000, "apikey": "from-config"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	conn, err := Resolve(Options{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.APIKey != "from-config" {
		t.Fatalf("api key = %q", conn.APIKey)
	}

	t.Setenv(config.EnvAPIKeyLegacy, "from-env")
	conn, _ = Resolve(Options{ConfigPath: cfgPath})
	if conn.APIKey != "from-env" {
		t.Fatalf("env should beat config, got %q", conn.APIKey)
	}

	conn, _ = Resolve(Options{APIKey: "from-flag", ConfigPath: cfgPath})
	if conn.APIKey != "from-flag" {
		t.Fatalf("flag should beat env, got %q", conn.APIKey)
	}
}

func TestNormalizeConnectHost(t *testing.T) {
	cases := map[string]string{
		"0.0.0.0":   "127.0.0.1",
		"::":        "127.0.0.1",
		"localhost": "127.0.0.1",
		"10.1.2.3":  "10.1.2.3",
	}
	for in, want := range cases {
		if got := normalizeConnectHost(in); got != want {
			t.Fatalf("normalizeConnectHost(%q) = %q, want %q", in, got, want)
		}
	}
}
