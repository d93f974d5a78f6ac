package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// ServerConfig represents configuration for one tool-provider connection.
// Records are immutable after load.
type ServerConfig struct {
	Name        string            `yaml:"name"                  json:"name"`
	Type        string            `yaml:"type"                  json:"type"` // "stdio" or "http"
	Command     string            `yaml:"command,omitempty"     json:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"        json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"         json:"env,omitempty"`
	URL         string            `yaml:"url,omitempty"         json:"url,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"     json:"headers,omitempty"`
	Timeout     string            `yaml:"timeout,omitempty"     json:"timeout,omitempty"`
	Disabled    bool              `yaml:"disabled"              json:"disabled"`
	AutoApprove []string          `yaml:"autoApprove,omitempty" json:"autoApprove,omitempty"`

	RetryAttempts int    `yaml:"retryAttempts,omitempty" json:"retryAttempts,omitempty"`
	RetryDelay    string `yaml:"retryDelay,omitempty"    json:"retryDelay,omitempty"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Transport type values for ServerConfig.Type
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Default handshake timeouts per transport kind
const (
	DefaultStdioTimeout = 30 * time.Second
	DefaultHTTPTimeout  = 60 * time.Second
)

// HandshakeTimeout returns the configured per-server timeout, falling back to
// the transport kind's default when unset or unparsable.
func (c ServerConfig) HandshakeTimeout() time.Duration {
	if c.Timeout != "" {
		if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
			return d
		}
	}
	if c.Type == TransportHTTP {
		return DefaultHTTPTimeout
	}
	return DefaultStdioTimeout
}

// RetryBackoff returns the configured delay between invocation retries.
func (c ServerConfig) RetryBackoff() time.Duration {
	if c.RetryDelay != "" {
		if d, err := time.ParseDuration(c.RetryDelay); err == nil && d >= 0 {
			return d
		}
	}
	return time.Second
}

// IsAutoApproved reports whether a tool may execute without extra confirmation.
func (c ServerConfig) IsAutoApproved(toolName string) bool {
	for _, name := range c.AutoApprove {
		if name == toolName {
			return true
		}
	}
	return false
}

// ServerLoader supplies the ordered set of configured tool providers.
// The routing core is agnostic to where the records are stored.
type ServerLoader interface {
	Load() ([]ServerConfig, error)
}

// ViperServerLoader reads server configs from the mcp_servers config key.
type ViperServerLoader struct{}

// Load implements ServerLoader.
func (ViperServerLoader) Load() ([]ServerConfig, error) {
	var servers []ServerConfig
	if err := viper.UnmarshalKey("mcp_servers", &servers); err != nil {
		return nil, err
	}
	logging.LogDebugf("Loaded %d tool servers from configuration", len(servers))
	for i, s := range servers {
		logging.LogDebugf("  [%d] %s (%s) - disabled: %v", i+1, s.Name, s.Type, s.Disabled)
	}
	return servers, nil
}

// StaticServerLoader serves a fixed config set, mainly for tests and embedding.
type StaticServerLoader []ServerConfig

// Load implements ServerLoader.
func (l StaticServerLoader) Load() ([]ServerConfig, error) {
	return []ServerConfig(l), nil
}
