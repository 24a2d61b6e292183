package mcprouter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/rs/cors"
)

const maxRequestBody = 4 << 20

// buildMux lays out the HTTP surface: the MCP endpoint (bearer-gated when a
// verifier is configured), the health probe, and the OAuth protected
// resource metadata document.
func (r *Router) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	var endpoint http.Handler = http.HandlerFunc(r.handleMCP)
	if r.opts.TokenVerifier != nil {
		endpoint = r.requireBearer(endpoint)
	}
	mux.Handle(r.opts.Path, endpoint)

	mux.HandleFunc("GET /health", r.handleHealth)

	metadata := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(http.HandlerFunc(r.handleProtectedResourceMetadata))
	mux.Handle("/.well-known/oauth-protected-resource", metadata)

	return mux
}

// Handler returns the full HTTP handler for the router's surface.
func (r *Router) Handler() http.Handler { return r.mux }

func (r *Router) handleMCP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handlePost(w, req)
	case http.MethodGet:
		r.handleStream(w, req)
	case http.MethodDelete:
		r.handleDelete(w, req)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost services one upstream JSON-RPC message. Notifications are
// acknowledged with 202 and no body.
func (r *Router) handlePost(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
	if err != nil {
		writeRPC(w, http.StatusBadRequest, rpcError(nil, codeParseError, "unreadable request body"))
		return
	}
	var rpcReq jsonrpcRequest
	if err := json.Unmarshal(body, &rpcReq); err != nil {
		writeRPC(w, http.StatusBadRequest, rpcError(nil, codeParseError, "malformed JSON"))
		return
	}
	if rpcReq.JSONRPC != "2.0" || rpcReq.Method == "" {
		writeRPC(w, http.StatusBadRequest, rpcError(rpcReq.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request"))
		return
	}

	resp := r.dispatch(req.Context(), &rpcReq)
	if s := r.currentSession(); s != nil {
		w.Header().Set("Mcp-Session-Id", s.id)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, http.StatusOK, resp)
}

// handleStream serves the server-to-client event stream for the live
// session. Keep-alive comments pace the stream so intermediaries hold the
// connection open.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	s := r.currentSession()
	if s == nil {
		writeRPC(w, http.StatusBadRequest, rpcError(nil, codeInvalidRequest, "no session; send initialize first"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Mcp-Session-Id", s.id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(r.opts.KeepAliveInterval)
	defer keepAlive.Stop()

	defer func() {
		if !r.opts.KeepServerOpen {
			r.dropSession(s)
		}
	}()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-s.done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload := <-s.events:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (r *Router) handleDelete(w http.ResponseWriter, _ *http.Request) {
	s := r.currentSession()
	if s == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	r.dropSession(s)
	r.opts.Logger.Info("upstream session deleted", "session", s.id)
	w.WriteHeader(http.StatusNoContent)
}

// dropSession closes s and clears the singleton slot if s still occupies
// it. A session replaced by a newer initialize is left alone.
func (r *Router) dropSession(s *session) {
	s.close()
	r.sessionMu.Lock()
	if r.session == s {
		r.session = nil
	}
	r.sessionMu.Unlock()
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s := r.currentSession()
	active := r.active.Active()
	payload := map[string]any{
		"status":           "ok",
		"transport_active": s != nil && !s.closed(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"active_servers":   active,
		"active_count":     len(active),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.opts.Logger.Error("health encode failed", "err", err)
	}
}

// handleProtectedResourceMetadata publishes the OAuth protected-resource
// document used for bearer-token discovery. Served without auth.
func (r *Router) handleProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if r.opts.TokenOptions != nil && r.opts.TokenOptions.ResourceMetadataURL != "" {
		payload["resource"] = r.opts.TokenOptions.ResourceMetadataURL
	}
	if r.opts.AuthorizationServer != "" {
		payload["authorization_servers"] = []string{r.opts.AuthorizationServer}
	}
	if r.opts.TokenOptions != nil && len(r.opts.TokenOptions.Scopes) > 0 {
		payload["scopes_supported"] = r.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.opts.Logger.Error("metadata encode failed", "err", err)
	}
}

// requireBearer gates next behind the configured token verifier. Failures
// answer 401 with a WWW-Authenticate challenge pointing at the resource
// metadata and a JSON-RPC error envelope body.
func (r *Router) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, ok := bearerToken(req)
		if !ok {
			r.unauthorized(w, "missing bearer token")
			return
		}
		info, err := r.opts.TokenVerifier(req.Context(), token, req)
		if err != nil {
			msg := "invalid token"
			if !errors.Is(err, auth.ErrInvalidToken) {
				msg = "token verification failed"
			}
			r.unauthorized(w, msg)
			return
		}
		if !info.Expiration.IsZero() && time.Now().After(info.Expiration) {
			r.unauthorized(w, "token expired")
			return
		}
		if r.opts.TokenOptions != nil && !hasScopes(info.Scopes, r.opts.TokenOptions.Scopes) {
			r.unauthorized(w, "insufficient scope")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func bearerToken(req *http.Request) (string, bool) {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func hasScopes(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

func (r *Router) unauthorized(w http.ResponseWriter, msg string) {
	if r.opts.TokenOptions != nil && r.opts.TokenOptions.ResourceMetadataURL != "" {
		w.Header().Set("WWW-Authenticate", "Bearer resource_metadata="+r.opts.TokenOptions.ResourceMetadataURL)
	} else {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeRPC(w, http.StatusUnauthorized, rpcError(nil, codeUnauthorized, msg))
}

func writeRPC(w http.ResponseWriter, status int, resp *jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
