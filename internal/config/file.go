package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the subset of the RouteCodex config file the launcher reads. The
// full catalog (providers, routing, quotas) is owned by the server; only the
// connection parameters matter here. YAML is a superset of JSON, so the one
// decoder covers both ~/.routecodex/config.json and .yaml variants.
type File struct {
	Port          any    `yaml:"port"`
	APIKey        string `yaml:"apikey"`
	VirtualRouter struct {
		APIKey string `yaml:"apikey"`
	} `yaml:"virtualrouter"`
}

// LoadFile parses the config file at path. A missing file is not an error;
// it returns an empty File so lookups simply miss.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// LookupPort returns the configured port, tolerating numeric or string values.
func (f *File) LookupPort() (int, bool) {
	if f == nil {
		return 0, false
	}
	switch v := f.Port.(type) {
	case int:
		if v > 0 && v < 65536 {
			return v, true
		}
	case float64:
		port := int(v)
		if port > 0 && port < 65536 {
			return port, true
		}
	case string:
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && port > 0 && port < 65536 {
			return port, true
		}
	}
	return 0, false
}

// LookupAPIKey returns the first non-empty configured key, checking the
// top-level key then the virtual-router section.
func (f *File) LookupAPIKey() string {
	if f == nil {
		return ""
	}
	if v := strings.TrimSpace(f.APIKey); v != "" {
		return v
	}
	return strings.TrimSpace(f.VirtualRouter.APIKey)
}
