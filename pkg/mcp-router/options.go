package mcprouter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TokenVerifierFunc validates a bearer token presented on the MCP endpoint.
type TokenVerifierFunc func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error)

// Options configure a Router instance.
type Options struct {
	// Implementation identifies the router's MCP server metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":9999".
	Addr string
	// Path mounts the MCP endpoint under a specific HTTP path. Defaults to "/mcp".
	Path string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// TokenVerifier, when set, gates the MCP endpoint behind bearer auth.
	TokenVerifier TokenVerifierFunc
	// TokenOptions carries the resource metadata URL and required scopes
	// advertised on 401 responses.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer is published in the protected-resource metadata.
	AuthorizationServer string
	// KeepServerOpen retains the session when the event stream disconnects,
	// so a client may reconnect without re-initializing.
	KeepServerOpen bool
	// MaxActive bounds the number of concurrently live backends. Defaults
	// to the active-set package default.
	MaxActive int
	// CallTimeout bounds each downstream RPC issued on behalf of an
	// upstream request. Defaults to 30 seconds.
	CallTimeout time.Duration
	// KeepAliveInterval paces comment frames on the event stream so
	// intermediaries do not drop it. Defaults to 4 minutes.
	KeepAliveInterval time.Duration
	// NotificationBuffer bounds the per-session outbound queue. Overflow
	// drops the oldest entry. Defaults to 16.
	NotificationBuffer int
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-router",
			Title:   "MCP Router",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":9999"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 4 * time.Minute
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = 16
	}
	return opts
}
