package backends

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoArgs struct {
	Message string `json:"message"`
}

// newDownstream serves a minimal MCP server over the Streamable HTTP
// transport with one echo tool.
func newDownstream(t *testing.T, name string) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echo the message back",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: in.Message}},
		}, nil, nil
	})
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func httpConfig(ts *httptest.Server) *HTTPServerConfig {
	return &HTTPServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 10 * time.Second, InitTimeout: 10 * time.Second},
		URL:              ts.URL,
		HTTPClient:       ts.Client(),
	}
}

func TestClientConnectListAndCall(t *testing.T) {
	t.Parallel()

	ts := newDownstream(t, "echo-server")
	client := NewClient("echo-server", httpConfig(ts), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	if client.Connected() {
		t.Fatalf("client connected before Connect")
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.Connected() {
		t.Fatalf("client not connected after Connect")
	}

	tools, err := client.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	found := false
	for _, tool := range tools.Tools {
		if tool.Name == "echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("echo tool missing from %d tools", len(tools.Tools))
	}

	res, err := client.CallTool(ctx, &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"message": "round trip"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "round trip" {
		t.Fatalf("unexpected tool result: %#v", res.Content[0])
	}
}

func TestClientDialsLazily(t *testing.T) {
	t.Parallel()

	ts := newDownstream(t, "lazy-server")
	client := NewClient("lazy-server", httpConfig(ts), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	if _, err := client.ListTools(ctx, nil); err != nil {
		t.Fatalf("ListTools without prior Connect: %v", err)
	}
	if !client.Connected() {
		t.Fatalf("first RPC should have established the session")
	}
}

func TestClientPing(t *testing.T) {
	t.Parallel()

	ts := newDownstream(t, "ping-server")
	client := NewClient("ping-server", httpConfig(ts), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClientCloseIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()

	ts := newDownstream(t, "closing-server")
	client := NewClient("closing-server", httpConfig(ts), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if client.Connected() {
		t.Fatalf("client still connected after Close")
	}
	if _, err := client.ListTools(ctx, nil); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("ListTools after Close = %v, want ErrServerClosed", err)
	}
}

func TestClientConnectFailure(t *testing.T) {
	t.Parallel()

	client := NewClient("missing", &StdioServerConfig{
		BaseServerConfig: BaseServerConfig{InitTimeout: 5 * time.Second},
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err == nil {
		t.Fatalf("expected connect error for empty command")
	}
	if client.Connected() {
		t.Fatalf("client connected after failed dial")
	}
}

func TestClientStdioEverythingServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stdio integration test in short mode")
	}

	client := NewClient("everything", &StdioServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 60 * time.Second, InitTimeout: 60 * time.Second},
		Command:          "npx",
		Args:             []string{"@modelcontextprotocol/server-everything"},
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	tools, err := client.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) == 0 {
		t.Fatalf("expected tools from the everything server")
	}
}
