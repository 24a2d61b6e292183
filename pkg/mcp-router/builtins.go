package mcprouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Built-in tool names, present on every tools/list regardless of the
// active set.
const (
	toolAddNewMCP  = "add_new_mcp"
	toolSearchMCPs = "search_mcps"
)

func builtinTools() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        toolAddNewMCP,
			Description: "Connect a catalogued MCP server by name. Returns the new tools on success, or a structured request for missing arguments or credentials.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"name": {
						Type:        "string",
						Description: "Catalog name of the server to connect",
					},
					"arguments": {
						Type:                 "object",
						Description:          "Values for the server's declared launch arguments, keyed by argument name",
						AdditionalProperties: &jsonschema.Schema{Type: "string"},
					},
				},
				Required: []string{"name"},
			},
		},
		{
			Name:        toolSearchMCPs,
			Description: "Search the catalog of known MCP servers by capability. Returns ranked candidates to pass to add_new_mcp.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {
						Type:        "string",
						Description: "What you need the server to do",
					},
					"limit": {
						Type:        "integer",
						Description: "Maximum results, 1 to 10 (default 4)",
					},
				},
				Required: []string{"query"},
			},
		},
	}
}

func (r *Router) handleAddNewMCP(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("add_new_mcp: malformed arguments: %w", err)
		}
	}
	if args.Name == "" {
		return toolError("add_new_mcp requires a server name"), nil
	}

	outcome, err := r.adder.add(ctx, args.Name, args.Arguments)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if outcome.Status == statusAdded {
		// Fold the new backend's tools into the routed surface right away
		// so the follow-up call does not race the client's re-list.
		r.refreshTools(ctx)
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("add_new_mcp: encode outcome: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
		IsError: outcome.failed(),
	}, nil
}

func (r *Router) handleSearchMCPs(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("search_mcps: malformed arguments: %w", err)
		}
	}
	if args.Query == "" {
		return toolError("search_mcps requires a query"), nil
	}

	results, err := r.registry.Search(ctx, args.Query, args.Limit)
	if err != nil {
		return toolError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "No catalogued servers matched the query."}},
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d candidate servers. Connect one with add_new_mcp.\n", len(results))
	for i, res := range results {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, res.Name, res.Summary)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: strings.TrimRight(b.String(), "\n")}},
	}, nil
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
