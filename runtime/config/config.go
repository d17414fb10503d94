// Package config loads and validates the MCP server inventory. Servers are
// described in a YAML file; invalid entries are dropped with a warning so a
// single bad record never takes down the whole inventory.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/avisangle/jenkins-chatbot/runtime/telemetry"
)

// Transport identifies the wire protocol used to reach an MCP server.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
	TransportStdio     Transport = "stdio"
)

// Defaults applied to entries that omit the corresponding field.
const (
	DefaultTimeout    = Duration(30 * time.Second)
	DefaultRetryCount = 3
	DefaultPriority   = 1
)

// Duration wraps time.Duration so YAML values parse from either a Go
// duration string ("30s") or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Kind)
	}
	if secs, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig describes one MCP server. Instances are immutable after load;
// Reload swaps the whole slice rather than mutating entries in place.
type ServerConfig struct {
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Transport  Transport         `yaml:"transport"`
	Priority   int               `yaml:"priority"`
	Timeout    Duration          `yaml:"timeout"`
	RetryCount int               `yaml:"retry_count"`
	Headers    map[string]string `yaml:"headers"`
	AuthToken  string            `yaml:"auth_token"`
	Enabled    *bool             `yaml:"enabled"`
	// Command and Args apply to stdio servers only.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// IsEnabled reports whether the server participates in discovery and
// execution. Entries default to enabled when the field is omitted.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type serverFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// Loader reads the server inventory from disk and serves immutable snapshots.
type Loader struct {
	path   string
	logger telemetry.Logger

	mu      sync.RWMutex
	servers []ServerConfig
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used for validation warnings.
func WithLogger(logger telemetry.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a Loader for the given YAML file and performs the initial
// load.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	l := &Loader{path: path, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewStaticLoader wraps an in-memory server list, validating it the same way
// a file load would. Useful for tests and embedded configuration.
func NewStaticLoader(servers []ServerConfig, opts ...LoaderOption) *Loader {
	l := &Loader{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(l)
	}
	l.servers = l.validate(servers)
	return l
}

// Reload re-reads the file and atomically replaces the server snapshot.
// On read or parse failure the previous snapshot is kept.
func (l *Loader) Reload() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read server config: %w", err)
	}
	var file serverFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse server config: %w", err)
	}
	valid := l.validate(file.Servers)
	l.mu.Lock()
	l.servers = valid
	l.mu.Unlock()
	return nil
}

// Servers returns the current snapshot. The returned slice is shared and must
// not be mutated.
func (l *Loader) Servers() []ServerConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.servers
}

// Enabled returns the enabled servers of the current snapshot.
func (l *Loader) Enabled() []ServerConfig {
	all := l.Servers()
	out := make([]ServerConfig, 0, len(all))
	for _, s := range all {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

func (l *Loader) validate(in []ServerConfig) []ServerConfig {
	ctx := context.Background()
	out := make([]ServerConfig, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if err := validateServer(s); err != nil {
			l.logger.Warn(ctx, "dropping invalid server entry", "server", s.Name, "err", err)
			continue
		}
		if seen[s.Name] {
			l.logger.Warn(ctx, "dropping duplicate server entry", "server", s.Name)
			continue
		}
		seen[s.Name] = true
		out = append(out, applyDefaults(applyEnvOverrides(s)))
	}
	return out
}

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch s.Transport {
	case TransportHTTP, TransportSSE, TransportWebSocket, "":
		if s.URL == "" {
			return fmt.Errorf("url is required for transport %q", s.Transport)
		}
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative")
	}
	return nil
}

func applyDefaults(s ServerConfig) ServerConfig {
	if s.Transport == "" {
		s.Transport = TransportHTTP
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.RetryCount == 0 {
		s.RetryCount = DefaultRetryCount
	}
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
	return s
}

// applyEnvOverrides resolves per-server environment overrides of the form
// JENKINS_CHATBOT_SERVER_<NAME>_URL and ..._AUTH_TOKEN so secrets stay out of
// the YAML file.
func applyEnvOverrides(s ServerConfig) ServerConfig {
	prefix := "JENKINS_CHATBOT_SERVER_" + envKey(s.Name) + "_"
	if v := os.Getenv(prefix + "URL"); v != "" {
		s.URL = v
	}
	if v := os.Getenv(prefix + "AUTH_TOKEN"); v != "" {
		s.AuthToken = v
	}
	return s
}

func envKey(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}
