// Package connection resolves where the RouteCodex backend lives and how the
// launcher should dial it. The resolution order is fixed: an explicit URL
// override wins outright; otherwise port comes from flag, config file,
// environment, then the dev-mode default.
package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/routecodex/launcher/internal/config"
)

// ErrConfiguration means no backend address could be resolved from any
// source. It is fatal before anything is spawned.
var ErrConfiguration = errors.New("connection configuration unresolved")

// Connection is the fully resolved backend address. Immutable once built.
// Host preserves the configured bind address for messages; ConnectHost is the
// client-dialable form with wildcard and loopback names normalized.
type Connection struct {
	Protocol    string
	Host        string
	ConnectHost string
	Port        int
	BasePath    string
	PortPart    string
	ServerURL   string
	APIKey      string
	ExplicitURL bool
}

// Options are the CLI-level inputs to Resolve.
type Options struct {
	URL        string
	Host       string
	Port       string
	ConfigPath string
	APIKey     string
	Dev        bool
	Logger     *slog.Logger
}

// Resolve builds a Connection from flags, the config file, the environment,
// and the dev default, in that precedence order.
func Resolve(opts Options) (Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	file, err := config.LoadFile(configPath)
	if err != nil {
		return Connection{}, err
	}

	apiKey := resolveAPIKey(opts.APIKey, file)

	if strings.TrimSpace(opts.URL) != "" {
		conn, err := fromURL(strings.TrimSpace(opts.URL))
		if err != nil {
			return Connection{}, err
		}
		conn.APIKey = apiKey
		return conn, nil
	}

	port, ok := resolvePort(opts, file, logger)
	if !ok {
		return Connection{}, fmt.Errorf("%w: no --url given and no port from flag, config, or environment", ErrConfiguration)
	}

	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	conn := Connection{
		Protocol:    "http",
		Host:        host,
		ConnectHost: normalizeConnectHost(host),
		Port:        port,
		PortPart:    ":" + strconv.Itoa(port),
		APIKey:      apiKey,
	}
	conn.ServerURL = fmt.Sprintf("%s://%s%s%s", conn.Protocol, conn.ConnectHost, conn.PortPart, conn.BasePath)
	return conn, nil
}

func resolvePort(opts Options, file *config.File, logger *slog.Logger) (int, bool) {
	if raw := strings.TrimSpace(opts.Port); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port < 65536 {
			return port, true
		}
	}
	if port, ok := file.LookupPort(); ok {
		return port, true
	}
	if port, ok := config.PortFromEnv(); ok {
		return port, true
	}
	if opts.Dev {
		logger.Info("no port configured, using dev default", "port", config.DevDefaultPort)
		return config.DevDefaultPort, true
	}
	return 0, false
}

func resolveAPIKey(flagKey string, file *config.File) string {
	if v := strings.TrimSpace(flagKey); v != "" {
		return v
	}
	if v := config.APIKeyFromEnv(); v != "" {
		return v
	}
	return file.LookupAPIKey()
}

func fromURL(raw string) (Connection, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Connection{}, fmt.Errorf("%w: invalid url %q", ErrConfiguration, raw)
	}
	protocol := u.Scheme
	if protocol == "" {
		protocol = "http"
	}
	host := u.Hostname()
	if host == "" {
		return Connection{}, fmt.Errorf("%w: url %q has no host", ErrConfiguration, raw)
	}
	port := 0
	portPart := ""
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Connection{}, fmt.Errorf("%w: url %q has invalid port", ErrConfiguration, raw)
		}
		portPart = ":" + p
	} else {
		switch protocol {
		case "https":
			port = 443
		default:
			port = 80
		}
	}
	basePath := strings.TrimRight(u.Path, "/")
	conn := Connection{
		Protocol:    protocol,
		Host:        host,
		ConnectHost: normalizeConnectHost(host),
		Port:        port,
		BasePath:    basePath,
		PortPart:    portPart,
		ExplicitURL: true,
	}
	conn.ServerURL = fmt.Sprintf("%s://%s%s%s", protocol, conn.ConnectHost, portPart, basePath)
	return conn, nil
}

// normalizeConnectHost maps bind-side wildcard and loopback spellings to an
// address a client can actually dial.
func normalizeConnectHost(host string) string {
	switch host {
	case "0.0.0.0", "::", "[::]", "localhost":
		return "127.0.0.1"
	default:
		return host
	}
}
