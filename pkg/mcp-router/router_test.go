package mcprouter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-router-go/pkg/configstore"
	"github.com/vikashloomba/mcp-router-go/pkg/registry"
)

// newTestRouter builds a router over temp config, catalog, and index files
// and serves its handler on an httptest listener.
func newTestRouter(t *testing.T, catalog, index string, mutate func(*Options)) (*Router, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "mcp-registry.json")
	indexPath := filepath.Join(dir, "enhanced-index.json")
	if catalog != "" {
		if err := os.WriteFile(catalogPath, []byte(catalog), 0o600); err != nil {
			t.Fatalf("write catalog: %v", err)
		}
	}
	if index != "" {
		if err := os.WriteFile(indexPath, []byte(index), 0o600); err != nil {
			t.Fatalf("write index: %v", err)
		}
	}
	store := configstore.NewStore(filepath.Join(dir, "mcp-config.json"), nil)
	reg := registry.NewRegistry(registry.Options{CatalogPath: catalogPath, IndexPath: indexPath})

	opts := &Options{CallTimeout: 15 * time.Second}
	if mutate != nil {
		mutate(opts)
	}
	router, err := NewRouter(store, reg, opts)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	ts := httptest.NewServer(router.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = router.Shutdown(ctx)
	})
	return router, ts
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonrpcError   `json:"error"`
}

// postRPC sends one JSON-RPC message and decodes the reply. Bodyless
// responses such as notification acknowledgements return a nil reply.
func postRPC(t *testing.T, url, body string) (int, http.Header, *rpcReply) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, resp.Header, nil
	}
	var reply rpcReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply %q: %v", data, err)
	}
	return resp.StatusCode, resp.Header, &reply
}

func initSession(t *testing.T, mcpURL string) string {
	t.Helper()
	status, header, reply := postRPC(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	if status != http.StatusOK || reply == nil || reply.Error != nil {
		t.Fatalf("initialize: status=%d reply=%+v", status, reply)
	}
	id := header.Get("Mcp-Session-Id")
	if id == "" {
		t.Fatalf("initialize reply missing Mcp-Session-Id")
	}
	return id
}

type echoArgs struct {
	Message string `json:"message"`
}

// newEchoDownstream serves a one-tool MCP server over Streamable HTTP.
func newEchoDownstream(t *testing.T, name string) *httptest.Server {
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

type toolResultPayload struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func decodeToolResult(t *testing.T, raw json.RawMessage) toolResultPayload {
	t.Helper()
	var payload toolResultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode tool result %q: %v", raw, err)
	}
	if len(payload.Content) == 0 {
		t.Fatalf("tool result has no content: %s", raw)
	}
	return payload
}
