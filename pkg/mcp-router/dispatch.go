package mcprouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

const protocolVersion = "2025-03-26"

// dispatch handles one upstream JSON-RPC message. Notifications return nil.
func (r *Router) dispatch(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	if req.isNotification() {
		// notifications/initialized and friends need no reply; unknown
		// notifications are swallowed per JSON-RPC.
		return nil
	}
	switch req.Method {
	case "initialize":
		return r.handleInitialize(req)
	case "ping":
		return rpcOK(req.ID, struct{}{})
	case "tools/list":
		return r.handleToolsList(ctx, req)
	case "tools/call":
		return r.handleToolsCall(ctx, req)
	case "prompts/list":
		return r.handlePromptsList(ctx, req)
	case "prompts/get":
		return r.handlePromptsGet(ctx, req)
	case "resources/list":
		return r.handleResourcesList(ctx, req)
	case "resources/read":
		return r.handleResourcesRead(ctx, req)
	case "resources/templates/list":
		return r.handleResourceTemplatesList(ctx, req)
	}
	return rpcError(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
}

// handleInitialize resets the singleton session: any existing session is
// closed and replaced by a fresh one.
func (r *Router) handleInitialize(req *jsonrpcRequest) *jsonrpcResponse {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req.ID, codeInvalidParams, "malformed initialize params")
		}
	}
	version := params.ProtocolVersion
	if version == "" {
		version = protocolVersion
	}

	s := newSession(uuid.NewString(), r.opts.NotificationBuffer, r.snapshotConfig())
	r.sessionMu.Lock()
	old := r.session
	r.session = s
	r.sessionMu.Unlock()
	if old != nil {
		old.close()
		r.opts.Logger.Info("upstream session replaced", "old", old.id, "new", s.id)
	} else {
		r.opts.Logger.Info("upstream session created", "session", s.id)
	}

	result := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: &mcp.ServerCapabilities{
			Tools:     &mcp.ToolCapabilities{ListChanged: true},
			Prompts:   &mcp.PromptCapabilities{ListChanged: true},
			Resources: &mcp.ResourceCapabilities{ListChanged: true},
		},
		ServerInfo: r.opts.Implementation,
	}
	return rpcOK(req.ID, result)
}

// handleToolsList fans tools/list out to every active backend in parallel,
// rebuilds the tool route map, and appends the built-in tools.
func (r *Router) handleToolsList(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	tools := r.refreshTools(ctx)
	return rpcOK(req.ID, &mcp.ListToolsResult{Tools: tools})
}

// refreshTools aggregates live tools and replaces the tool routes. Backends
// that fail to answer are omitted from the result without failing the list.
func (r *Router) refreshTools(ctx context.Context) []*mcp.Tool {
	clients := r.activeClients()
	perBackend := make([][]*mcp.Tool, len(clients))

	g, fanCtx := errgroup.WithContext(ctx)
	for i, client := range clients {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(fanCtx, r.opts.CallTimeout)
			defer cancel()
			res, err := client.ListTools(callCtx, nil)
			if err != nil {
				r.opts.Logger.Warn("tools/list failed, omitting backend", "server", client.Name(), "err", err)
				return nil
			}
			perBackend[i] = res.Tools
			return nil
		})
	}
	_ = g.Wait()

	routes := make(map[string]string)
	var aggregated []*mcp.Tool
	for i, client := range clients {
		for _, tool := range perBackend[i] {
			if tool == nil {
				continue
			}
			if _, taken := routes[tool.Name]; taken {
				continue
			}
			routes[tool.Name] = client.Name()
			clone := *tool
			clone.Description = fmt.Sprintf("[%s] %s", client.Name(), tool.Description)
			aggregated = append(aggregated, &clone)
		}
	}
	r.routes.setTools(routes)

	aggregated = append(aggregated, builtinTools()...)
	return aggregated
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (r *Router) handleToolsCall(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpcError(req.ID, codeInvalidParams, "tools/call requires a tool name")
	}
	switch params.Name {
	case toolAddNewMCP:
		result, err := r.handleAddNewMCP(ctx, params.Arguments)
		if err != nil {
			return rpcError(req.ID, codeInternalError, err.Error())
		}
		return rpcOK(req.ID, result)
	case toolSearchMCPs:
		result, err := r.handleSearchMCPs(ctx, params.Arguments)
		if err != nil {
			return rpcError(req.ID, codeInternalError, err.Error())
		}
		return rpcOK(req.ID, result)
	}

	result, err := r.routeToolCall(ctx, params)
	if err != nil {
		return rpcError(req.ID, codeMethodNotFound, err.Error())
	}
	return rpcOK(req.ID, result)
}

// routeToolCall forwards the call to the owning backend, touching it on
// use. A stale or missing route triggers the recover-on-miss path: if the
// catalog knows which server provides the tool, that server is admitted and
// the call is retried once.
func (r *Router) routeToolCall(ctx context.Context, params callToolParams) (*mcp.CallToolResult, error) {
	backend, ok := r.routes.tool(params.Name)
	if ok && r.active.Touch(backend) {
		if client, live := r.active.Get(backend); live {
			return r.forwardToolCall(ctx, client, params)
		}
	}

	owner, found := r.toolOwner(params.Name)
	if !found {
		return nil, fmt.Errorf("unknown tool: %s", params.Name)
	}
	if err := r.adder.admitKnown(ctx, owner); err != nil {
		return nil, fmt.Errorf("unknown tool: %s (recovering %q failed: %v)", params.Name, owner, err)
	}
	r.refreshTools(ctx)
	backend, ok = r.routes.tool(params.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", params.Name)
	}
	client, live := r.active.Get(backend)
	if !live {
		return nil, fmt.Errorf("unknown tool: %s", params.Name)
	}
	return r.forwardToolCall(ctx, client, params)
}

func (r *Router) forwardToolCall(ctx context.Context, client clientRPC, params callToolParams) (*mcp.CallToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	var args any
	if len(params.Arguments) > 0 {
		args = params.Arguments
	}
	return client.CallTool(callCtx, &mcp.CallToolParams{Name: params.Name, Arguments: args})
}

// toolOwner finds which catalogued server provides the named tool, using
// the ToolsMeta of catalog entries and the tool descriptions of the
// enhanced index. The catalog loader does not fill ToolsMeta, so for
// catalogs read from disk only the enhanced index attributes tools.
func (r *Router) toolOwner(toolName string) (string, bool) {
	catalog, err := r.registry.Catalog()
	if err == nil {
		for name, entry := range catalog {
			for _, meta := range entry.ToolsMeta {
				if meta.Name == toolName {
					return name, true
				}
			}
		}
	}
	idx, err := r.registry.Index()
	if err != nil {
		return "", false
	}
	for _, srv := range idx.Servers {
		for _, tool := range srv.ToolDescriptions {
			if tool.Name == toolName {
				return srv.Name, true
			}
		}
	}
	return "", false
}

func (r *Router) handlePromptsList(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	clients := r.activeClients()
	perBackend := make([][]*mcp.Prompt, len(clients))

	g, fanCtx := errgroup.WithContext(ctx)
	for i, client := range clients {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(fanCtx, r.opts.CallTimeout)
			defer cancel()
			res, err := client.ListPrompts(callCtx, nil)
			if err != nil {
				r.opts.Logger.Warn("prompts/list failed, omitting backend", "server", client.Name(), "err", err)
				return nil
			}
			perBackend[i] = res.Prompts
			return nil
		})
	}
	_ = g.Wait()

	routes := make(map[string]string)
	var aggregated []*mcp.Prompt
	for i, client := range clients {
		for _, prompt := range perBackend[i] {
			if prompt == nil {
				continue
			}
			if _, taken := routes[prompt.Name]; taken {
				continue
			}
			routes[prompt.Name] = client.Name()
			aggregated = append(aggregated, prompt)
		}
	}
	r.routes.setPrompts(routes)
	return rpcOK(req.ID, &mcp.ListPromptsResult{Prompts: aggregated})
}

func (r *Router) handlePromptsGet(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpcError(req.ID, codeInvalidParams, "prompts/get requires a prompt name")
	}
	backend, ok := r.routes.prompt(params.Name)
	if !ok {
		// Stale routes rebuild through the same fan-out the list uses.
		r.handlePromptsList(ctx, &jsonrpcRequest{JSONRPC: "2.0", ID: json.RawMessage("0"), Method: "prompts/list"})
		backend, ok = r.routes.prompt(params.Name)
	}
	if !ok {
		return rpcError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown prompt: %s", params.Name))
	}
	client, live := r.active.Get(backend)
	if !live {
		return rpcError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown prompt: %s", params.Name))
	}
	r.active.Touch(backend)
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	res, err := client.GetPrompt(callCtx, &mcp.GetPromptParams{Name: params.Name, Arguments: params.Arguments})
	if err != nil {
		return rpcError(req.ID, codeInternalError, err.Error())
	}
	return rpcOK(req.ID, res)
}

func (r *Router) handleResourcesList(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	clients := r.activeClients()
	perBackend := make([][]*mcp.Resource, len(clients))

	g, fanCtx := errgroup.WithContext(ctx)
	for i, client := range clients {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(fanCtx, r.opts.CallTimeout)
			defer cancel()
			res, err := client.ListResources(callCtx, nil)
			if err != nil {
				r.opts.Logger.Warn("resources/list failed, omitting backend", "server", client.Name(), "err", err)
				return nil
			}
			perBackend[i] = res.Resources
			return nil
		})
	}
	_ = g.Wait()

	routes := make(map[string]string)
	var aggregated []*mcp.Resource
	for i, client := range clients {
		for _, resource := range perBackend[i] {
			if resource == nil {
				continue
			}
			if _, taken := routes[resource.URI]; taken {
				continue
			}
			routes[resource.URI] = client.Name()
			aggregated = append(aggregated, resource)
		}
	}
	r.routes.setResources(routes)
	return rpcOK(req.ID, &mcp.ListResourcesResult{Resources: aggregated})
}

func (r *Router) handleResourcesRead(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return rpcError(req.ID, codeInvalidParams, "resources/read requires a uri")
	}
	backend, ok := r.routes.resource(params.URI)
	if !ok {
		r.handleResourcesList(ctx, &jsonrpcRequest{JSONRPC: "2.0", ID: json.RawMessage("0"), Method: "resources/list"})
		backend, ok = r.routes.resource(params.URI)
	}
	if !ok {
		return rpcError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown resource: %s", params.URI))
	}
	client, live := r.active.Get(backend)
	if !live {
		return rpcError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown resource: %s", params.URI))
	}
	r.active.Touch(backend)
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	res, err := client.ReadResource(callCtx, &mcp.ReadResourceParams{URI: params.URI})
	if err != nil {
		return rpcError(req.ID, codeInternalError, err.Error())
	}
	return rpcOK(req.ID, res)
}

func (r *Router) handleResourceTemplatesList(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	clients := r.activeClients()
	perBackend := make([][]*mcp.ResourceTemplate, len(clients))

	g, fanCtx := errgroup.WithContext(ctx)
	for i, client := range clients {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(fanCtx, r.opts.CallTimeout)
			defer cancel()
			res, err := client.ListResourceTemplates(callCtx, nil)
			if err != nil {
				r.opts.Logger.Warn("resources/templates/list failed, omitting backend", "server", client.Name(), "err", err)
				return nil
			}
			perBackend[i] = res.ResourceTemplates
			return nil
		})
	}
	_ = g.Wait()

	routes := make(map[string]string)
	var aggregated []*mcp.ResourceTemplate
	for i, client := range clients {
		for _, tpl := range perBackend[i] {
			if tpl == nil {
				continue
			}
			if _, taken := routes[tpl.URITemplate]; taken {
				continue
			}
			routes[tpl.URITemplate] = client.Name()
			aggregated = append(aggregated, tpl)
		}
	}
	r.routes.setTemplates(routes)
	return rpcOK(req.ID, &mcp.ListResourceTemplatesResult{ResourceTemplates: aggregated})
}

// clientRPC is the slice of the backend client the dispatcher forwards
// tool calls through.
type clientRPC interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}
