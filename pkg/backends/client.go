// Package backends manages connections to downstream MCP servers. A Client
// owns at most one live session to a single server, dials it lazily, and
// exposes typed RPC helpers that reconnect transparently when the session
// drops mid-call.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultInitTimeout = 30 * time.Second

	connectAttempts = 3
	connectInterval = 2500 * time.Millisecond

	callRetries = 2

	// closeDeadline bounds how long a graceful session close may take
	// before the client gives up and abandons the session.
	closeDeadline = 2 * time.Second
)

// Client manages the connection to a single downstream MCP server.
type Client struct {
	name   string
	cfg    ServerConfig
	logger *slog.Logger

	mu         sync.Mutex
	session    *mcp.ClientSession
	mcpClient  *mcp.Client
	connecting bool
	connectCh  chan struct{}
	closed     bool
}

// NewClient builds a client for the named server. No I/O happens until
// Connect or the first RPC helper is called.
func NewClient(name string, cfg ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{name: name, cfg: cfg, logger: logger}
}

// Name returns the server name this client was built for.
func (c *Client) Name() string { return c.name }

// Config returns the configuration this client dials with.
func (c *Client) Config() ServerConfig { return c.cfg }

// Connected reports whether a live session currently exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Connect ensures a live session exists, dialing and performing the MCP
// initialize handshake if necessary. Concurrent callers coalesce onto a
// single dial attempt. The lock is never held across transport I/O.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureSession(ctx)
	return err
}

func (c *Client) ensureSession(ctx context.Context) (*mcp.ClientSession, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrServerClosed
		}
		if c.session != nil {
			session := c.session
			c.mu.Unlock()
			return session, nil
		}
		if c.connecting {
			ch := c.connectCh
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
				continue
			}
		}
		c.connecting = true
		c.connectCh = make(chan struct{})
		c.mu.Unlock()

		session, err := c.establishSession(ctx)

		c.mu.Lock()
		c.connecting = false
		close(c.connectCh)
		if err != nil {
			c.mcpClient = nil
			c.mu.Unlock()
			return nil, fmt.Errorf("backends: connect %q: %w", c.name, err)
		}
		if c.closed {
			c.mu.Unlock()
			discard := make(chan struct{})
			go func() {
				_ = session.Close()
				close(discard)
			}()
			select {
			case <-discard:
			case <-time.After(closeDeadline):
			}
			return nil, ErrServerClosed
		}
		c.session = session
		c.mu.Unlock()
		return session, nil
	}
}

// establishSession dials the configured transport with the fixed-interval
// connect policy and completes the initialize handshake.
func (c *Client) establishSession(ctx context.Context) (*mcp.ClientSession, error) {
	base := c.cfg.base()
	initTimeout := base.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	attempt := func() (*mcp.ClientSession, error) {
		transport, err := c.buildTransport()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		impl := &mcp.Implementation{Name: "mcp-router", Version: clientVersion(base)}
		opts := base.ClientOptions
		client := mcp.NewClient(impl, &opts)
		session, err := client.Connect(connectCtx, transport, nil)
		if err != nil {
			c.logger.Warn("backend connect attempt failed", "server", c.name, "err", err)
			return nil, err
		}
		c.mu.Lock()
		c.mcpClient = client
		c.mu.Unlock()
		return session, nil
	}

	session, err := backoff.Retry(connectCtx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(connectInterval)),
		backoff.WithMaxTries(connectAttempts),
	)
	if err != nil {
		return nil, err
	}
	go c.monitorSession(session)
	return session, nil
}

func (c *Client) buildTransport() (mcp.Transport, error) {
	switch cfg := c.cfg.(type) {
	case *StdioServerConfig:
		if cfg.Command == "" {
			return nil, fmt.Errorf("command missing for %q", c.name)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := os.Environ()
			for k, v := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil
	case *SSEServerConfig:
		if cfg.URL == "" {
			return nil, fmt.Errorf("url missing for %q", c.name)
		}
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: decorateHTTPClient(cfg.HTTPClient, cfg.Headers),
		}, nil
	case *HTTPServerConfig:
		if cfg.URL == "" {
			return nil, fmt.Errorf("url missing for %q", c.name)
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: decorateHTTPClient(cfg.HTTPClient, cfg.Headers),
			MaxRetries: cfg.MaxRetries,
		}, nil
	}
	return nil, fmt.Errorf("unsupported config for %q", c.name)
}

// monitorSession clears the cached session once it terminates so the next
// call re-dials instead of using a dead session.
func (c *Client) monitorSession(session *mcp.ClientSession) {
	err := session.Wait()
	base := c.cfg.base()
	if err != nil && base.OnError != nil {
		base.OnError(err)
	}
	c.mu.Lock()
	if c.session == session {
		c.session = nil
		c.mcpClient = nil
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("backend session ended", "server", c.name, "err", err)
	}
}

func (c *Client) dropSession(session *mcp.ClientSession) {
	c.mu.Lock()
	if c.session == session {
		c.session = nil
		c.mcpClient = nil
	}
	c.mu.Unlock()
	go func() { _ = session.Close() }()
}

// Close tears the session down. A graceful close is attempted first; after
// closeDeadline the session is abandoned. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.session = nil
	c.mcpClient = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = session.Close()
		close(done)
	}()
	select {
	case <-done:
		return closeErr
	case <-time.After(closeDeadline):
		return fmt.Errorf("backends: close %q: timed out", c.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// linearBackOff waits interval, then 2*interval, then 3*interval and so on
// between successive retries.
type linearBackOff struct {
	interval time.Duration
	step     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.step++
	return time.Duration(b.step) * b.interval
}

func (b *linearBackOff) Reset() { b.step = 0 }

// callWithRetry runs fn against the live session, reconnecting and retrying
// when the connection drops mid-call. Other errors are returned as is.
func callWithRetry[T any](ctx context.Context, c *Client, fn func(context.Context, *mcp.ClientSession) (T, error)) (T, error) {
	base := c.cfg.base()
	op := func() (T, error) {
		var zero T
		session, err := c.ensureSession(ctx)
		if err != nil {
			return zero, backoff.Permanent(err)
		}
		callCtx := ctx
		if base.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, base.Timeout)
			defer cancel()
		}
		res, err := fn(callCtx, session)
		if err != nil {
			if isConnectionClosedError(err) {
				c.logger.Warn("backend call hit closed connection, reconnecting", "server", c.name, "err", err)
				c.dropSession(session)
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		return res, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(&linearBackOff{interval: time.Second}),
		backoff.WithMaxTries(callRetries+1),
	)
}

// ListTools lists the server's tools. Method-unavailable errors propagate,
// unlike the prompt and resource listings.
func (c *Client) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (*mcp.ListToolsResult, error) {
		return s.ListTools(ctx, params)
	})
}

// CallTool invokes a tool by its native name.
func (c *Client) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (*mcp.CallToolResult, error) {
		return s.CallTool(ctx, params)
	})
}

// ListPrompts lists the server's prompts. Servers without prompt support
// yield an empty result rather than an error.
func (c *Client) ListPrompts(ctx context.Context, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	res, err := callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (*mcp.ListPromptsResult, error) {
		return s.ListPrompts(ctx, params)
	})
	if err != nil {
		if isMethodUnavailableError(err) {
			return &mcp.ListPromptsResult{Prompts: []*mcp.Prompt{}}, nil
		}
		return nil, err
	}
	return res, nil
}

// GetPrompt fetches a prompt by its native name.
func (c *Client) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (*mcp.GetPromptResult, error) {
		return s.GetPrompt(ctx, params)
	})
}

// ListResources lists the server's resources. Servers without resource
// support yield an empty result rather than an error.
func (c *Client) ListResources(ctx context.Context, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	res, err := callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (*mcp.ListResourcesResult, error) {
		return s.ListResources(ctx, params)
	})
	if err != nil {
		if isMethodUnavailableError(err) {
			return &mcp.ListResourcesResult{Resources: []*mcp.Resource{}}, nil
		}
		return nil, err
	}
	return res, nil
}

// ListResourceTemplates lists the server's resource templates, coercing
// method-unavailable errors to an empty result.
func (c *Client) ListResourceTemplates(ctx context.Context, params *mcp.ListResourceTemplatesParams) (*mcp.ListResourceTemplatesResult, error) {
	res, err := callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (*mcp.ListResourceTemplatesResult, error) {
		return s.ListResourceTemplates(ctx, params)
	})
	if err != nil {
		if isMethodUnavailableError(err) {
			return &mcp.ListResourceTemplatesResult{ResourceTemplates: []*mcp.ResourceTemplate{}}, nil
		}
		return nil, err
	}
	return res, nil
}

// ReadResource reads a resource by its native URI.
func (c *Client) ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	return callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (*mcp.ReadResourceResult, error) {
		return s.ReadResource(ctx, params)
	})
}

// Ping sends a protocol-level ping, dialing first if necessary.
func (c *Client) Ping(ctx context.Context) error {
	_, err := callWithRetry(ctx, c, func(ctx context.Context, s *mcp.ClientSession) (struct{}, error) {
		return struct{}{}, s.Ping(ctx, nil)
	})
	return err
}

func clientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	return "1.0.0"
}
