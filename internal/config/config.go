package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment variable names consumed by the launcher. The RCC_* pair is the
// legacy spelling kept for existing installs.
const (
	EnvPort       = "ROUTECODEX_PORT"
	EnvPortLegacy = "RCC_PORT"

	EnvAPIKey       = "ROUTECODEX_API_KEY"
	EnvAPIKeyLegacy = "RCC_API_KEY"

	EnvCodeCwd = "ROUTECODEX_CODE_CWD"
	EnvCwd     = "ROUTECODEX_CWD"

	EnvSelfHeal           = "ROUTECODEX_SELF_HEAL"
	EnvSelfHealMaxRetries = "ROUTECODEX_SELF_HEAL_MAX_RETRIES"
	EnvSelfHealRetryDelay = "ROUTECODEX_SELF_HEAL_RETRY_DELAY"

	EnvReclaimRequired     = "ROUTECODEX_RECLAIM_REQUIRED"
	EnvReregisterBackoffMS = "ROUTECODEX_REREGISTER_BACKOFF_MS"

	EnvDevMode = "ROUTECODEX_DEV"

	// EnvTmuxMarker is set by tmux inside every client; its presence means the
	// launcher itself is running in a pane.
	EnvTmuxMarker = "TMUX"
)

const (
	// DevDefaultPort is used only when dev mode is on and nothing else
	// resolved a port.
	DevDefaultPort = 5555

	defaultReregisterBackoff = 1500 * time.Millisecond
	minReregisterBackoff     = 200 * time.Millisecond
	maxReregisterBackoff     = 60 * time.Second
)

// SelfHealPolicy governs the shell-level restart loop injected around the
// client command. Disabled policies produce a plain, unwrapped command line.
type SelfHealPolicy struct {
	Enabled       bool
	MaxRetries    int
	RetryDelaySec int
}

// SelfHealFromEnv reads the self-heal trio from the environment. Malformed or
// negative values fall back to defaults; MaxRetries <= 0 disables the policy.
func SelfHealFromEnv() SelfHealPolicy {
	p := SelfHealPolicy{MaxRetries: 3, RetryDelaySec: 2}
	p.Enabled = envBool(EnvSelfHeal, false)
	if v, ok := envNonNegativeInt(EnvSelfHealMaxRetries); ok {
		p.MaxRetries = v
	}
	if v, ok := envNonNegativeInt(EnvSelfHealRetryDelay); ok {
		p.RetryDelaySec = v
	}
	if p.MaxRetries <= 0 {
		p.Enabled = false
	}
	return p
}

// ReclaimRequired reports whether a failed daemon registration is fatal for a
// directly managed child process. Defaults to true.
func ReclaimRequired() bool {
	return envBool(EnvReclaimRequired, true)
}

// ReregisterBackoff returns the minimum interval between heartbeat-triggered
// re-registration attempts, clamped to [200ms, 60s].
func ReregisterBackoff() time.Duration {
	raw := strings.TrimSpace(os.Getenv(EnvReregisterBackoffMS))
	if raw == "" {
		return defaultReregisterBackoff
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return defaultReregisterBackoff
	}
	return ClampReregisterBackoff(time.Duration(ms) * time.Millisecond)
}

// ClampReregisterBackoff bounds a backoff interval to [200ms, 60s].
func ClampReregisterBackoff(d time.Duration) time.Duration {
	if d < minReregisterBackoff {
		return minReregisterBackoff
	}
	if d > maxReregisterBackoff {
		return maxReregisterBackoff
	}
	return d
}

// DevMode reports whether the dev-mode port default applies.
func DevMode() bool {
	return envBool(EnvDevMode, false)
}

// WorkdirOverride returns the first non-empty working-directory override from
// the environment, or "".
func WorkdirOverride() string {
	for _, key := range []string{EnvCodeCwd, EnvCwd} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// PortFromEnv returns the port from the current or legacy variable.
func PortFromEnv() (int, bool) {
	for _, key := range []string{EnvPort, EnvPortLegacy} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port < 65536 {
			return port, true
		}
	}
	return 0, false
}

// APIKeyFromEnv returns the API key from the current or legacy variable.
func APIKeyFromEnv() string {
	for _, key := range []string{EnvAPIKey, EnvAPIKeyLegacy} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// HomeDir returns the launcher state directory, ~/.routecodex.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".routecodex"
	}
	return filepath.Join(home, ".routecodex")
}

// DefaultConfigPath is the config file consulted when --config is not given.
func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), "config.json")
}

// LogDir is where backend server logs are written.
func LogDir() string {
	return filepath.Join(HomeDir(), "logs")
}

// JournalPath is the launch journal database location.
func JournalPath() string {
	return filepath.Join(HomeDir(), "launcher.db")
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envNonNegativeInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
