package backends

import (
	"maps"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	// ClientOptions are passed through to the MCP client for this server.
	ClientOptions mcp.ClientOptions
	// Timeout bounds individual RPC calls. Zero means no per-call deadline.
	Timeout time.Duration
	// InitTimeout bounds the connect-and-initialize handshake. Defaults to
	// 30 seconds when zero.
	InitTimeout time.Duration
	// Version is the client version advertised during initialization.
	Version string
	// OnError is invoked when the session terminates unexpectedly.
	OnError func(error)
}

// StdioServerConfig describes an MCP server launched as a child process
// speaking the protocol over stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// SSEServerConfig describes an MCP server reachable over the legacy
// HTTP+SSE transport.
type SSEServerConfig struct {
	BaseServerConfig
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
}

func (c *SSEServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes an MCP server reachable over the Streamable
// HTTP transport.
type HTTPServerConfig struct {
	BaseServerConfig
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
	MaxRetries int
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// TransportKind names the wire transport a ServerConfig selects.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "streamable-http"
)

// Kind reports the transport selected by cfg.
func Kind(cfg ServerConfig) TransportKind {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *SSEServerConfig:
		return TransportSSE
	default:
		return TransportHTTP
	}
}

// AsStdio narrows cfg to a stdio configuration.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	s, ok := cfg.(*StdioServerConfig)
	return s, ok
}

// Equal reports whether two configurations describe the same server in the
// same way. It compares transport, endpoint or command line, and headers or
// environment, ignoring runtime-only fields such as callbacks and clients.
func Equal(a, b ServerConfig) bool {
	switch av := a.(type) {
	case *StdioServerConfig:
		bv, ok := b.(*StdioServerConfig)
		if !ok {
			return false
		}
		if av.Command != bv.Command || len(av.Args) != len(bv.Args) {
			return false
		}
		for i := range av.Args {
			if av.Args[i] != bv.Args[i] {
				return false
			}
		}
		return maps.Equal(av.Env, bv.Env)
	case *SSEServerConfig:
		bv, ok := b.(*SSEServerConfig)
		if !ok {
			return false
		}
		return av.URL == bv.URL && maps.Equal(av.Headers, bv.Headers)
	case *HTTPServerConfig:
		bv, ok := b.(*HTTPServerConfig)
		if !ok {
			return false
		}
		return av.URL == bv.URL && maps.Equal(av.Headers, bv.Headers)
	}
	return false
}

// headerDecorator injects static headers into every outbound request.
type headerDecorator struct {
	headers map[string]string
	next    http.RoundTripper
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(d.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range d.headers {
			if req.Header.Get(k) == "" {
				req.Header.Set(k, v)
			}
		}
	}
	next := d.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}

func decorateHTTPClient(client *http.Client, headers map[string]string) *http.Client {
	if len(headers) == 0 {
		if client == nil {
			return http.DefaultClient
		}
		return client
	}
	var base http.Client
	if client != nil {
		base = *client
	}
	base.Transport = &headerDecorator{headers: headers, next: base.Transport}
	return &base
}
