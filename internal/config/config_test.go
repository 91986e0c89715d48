package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSelfHealFromEnvDefaultsDisabled(t *testing.T) {
	t.Setenv(EnvSelfHeal, "")
	t.Setenv(EnvSelfHealMaxRetries, "")
	t.Setenv(EnvSelfHealRetryDelay, "")

	p := SelfHealFromEnv()
	if p.Enabled {
		t.Fatalf("self-heal should be off by default")
	}
	if p.MaxRetries != 3 || p.RetryDelaySec != 2 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestSelfHealFromEnvBounds(t *testing.T) {
	cases := []struct {
		name    string
		enable  string
		retries string
		delay   string
		want    SelfHealPolicy
	}{
		{
			name:   "enabled with explicit values",
			enable: "1", retries: "5", delay: "4",
			want: SelfHealPolicy{Enabled: true, MaxRetries: 5, RetryDelaySec: 4},
		},
		{
			name:   "zero retries disables",
			enable: "true", retries: "0", delay: "1",
			want: SelfHealPolicy{Enabled: false, MaxRetries: 0, RetryDelaySec: 1},
		},
		{
			name:   "negative values ignored",
			enable: "1", retries: "-2", delay: "-9",
			want: SelfHealPolicy{Enabled: true, MaxRetries: 3, RetryDelaySec: 2},
		},
		{
			name:   "garbage ignored",
			enable: "1", retries: "many", delay: "soon",
			want: SelfHealPolicy{Enabled: true, MaxRetries: 3, RetryDelaySec: 2},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvSelfHeal, tc.enable)
			t.Setenv(EnvSelfHealMaxRetries, tc.retries)
			t.Setenv(EnvSelfHealRetryDelay, tc.delay)
			got := SelfHealFromEnv()
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestReregisterBackoffClamp(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 1500 * time.Millisecond},
		{"nope", 1500 * time.Millisecond},
		{"50", 200 * time.Millisecond},
		{"3000", 3 * time.Second},
		{"99999999", 60 * time.Second},
	}
	for _, tc := range cases {
		t.Setenv(EnvReregisterBackoffMS, tc.raw)
		if got := ReregisterBackoff(); got != tc.want {
			t.Fatalf("backoff(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestPortFromEnvLegacyFallback(t *testing.T) {
	t.Setenv(EnvPort, "")
	t.Setenv(EnvPortLegacy, "6100")
	port, ok := PortFromEnv()
	if !ok || port != 6100 {
		t.Fatalf("expected legacy port 6100, got %d ok=%v", port, ok)
	}

	t.Setenv(EnvPort, "7200")
	port, ok = PortFromEnv()
	if !ok || port != 7200 {
		t.Fatalf("current variable should win, got %d ok=%v", port, ok)
	}
}

func TestLoadFileJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"port": 5520, "virtualrouter": {"apikey": "vr-key"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if port, ok := f.LookupPort(); !ok || port != 5520 {
		t.Fatalf("json port = %d ok=%v", port, ok)
	}
	if f.LookupAPIKey() != "vr-key" {
		t.Fatalf("expected virtualrouter key, got %q", f.LookupAPIKey())
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("port: \"8080\"\napikey: top-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err = LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if port, ok := f.LookupPort(); !ok || port != 8080 {
		t.Fatalf("yaml string port = %d ok=%v", port, ok)
	}
	if f.LookupAPIKey() != "top-key" {
		t.Fatalf("top-level key should win, got %q", f.LookupAPIKey())
	}
}

func TestLoadFileMissingIsEmpty(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing config should not error: %v", err)
	}
	if _, ok := f.LookupPort(); ok {
		t.Fatal("missing config should resolve nothing")
	}
	if f.LookupAPIKey() != "" {
		t.Fatal("missing config should have no key")
	}
}
