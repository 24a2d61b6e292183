package configstore

import (
	"fmt"

	"github.com/vikashloomba/mcp-router-go/pkg/backends"
)

// Transport type names used in the config document.
const (
	TransportCommand = "command"
	TransportSSE     = "sse"
	TransportHTTP    = "streamable-http"
)

// TransportSpec describes how to reach one downstream server.
type TransportSpec struct {
	Type    string            `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ServerEntry is one configured downstream server.
type ServerEntry struct {
	Name      string        `json:"name"`
	Transport TransportSpec `json:"transport"`
}

// Config is the internal dialect of the persisted document.
type Config struct {
	Servers     []ServerEntry `json:"servers"`
	ActiveQueue []string      `json:"active_mcp_queue"`
}

// Server returns the entry named name, if present.
func (c *Config) Server(name string) (ServerEntry, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerEntry{}, false
}

// ToServerConfig converts a transport spec into a dialable backend
// configuration.
func ToServerConfig(spec TransportSpec) (backends.ServerConfig, error) {
	switch spec.Type {
	case TransportCommand:
		if spec.Command == "" {
			return nil, fmt.Errorf("configstore: command transport without command")
		}
		return &backends.StdioServerConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		}, nil
	case TransportSSE:
		if spec.URL == "" {
			return nil, fmt.Errorf("configstore: sse transport without url")
		}
		return &backends.SSEServerConfig{URL: spec.URL, Headers: spec.Headers}, nil
	case TransportHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("configstore: streamable-http transport without url")
		}
		return &backends.HTTPServerConfig{URL: spec.URL, Headers: spec.Headers}, nil
	}
	return nil, fmt.Errorf("configstore: unknown transport type %q", spec.Type)
}

// FromServerConfig converts a backend configuration back into the persisted
// transport spec.
func FromServerConfig(cfg backends.ServerConfig) TransportSpec {
	switch c := cfg.(type) {
	case *backends.StdioServerConfig:
		return TransportSpec{Type: TransportCommand, Command: c.Command, Args: c.Args, Env: c.Env}
	case *backends.SSEServerConfig:
		return TransportSpec{Type: TransportSSE, URL: c.URL, Headers: c.Headers}
	case *backends.HTTPServerConfig:
		return TransportSpec{Type: TransportHTTP, URL: c.URL, Headers: c.Headers}
	}
	return TransportSpec{}
}
