// Package mcprouter hosts the aggregated MCP endpoint: one upstream HTTP
// surface multiplexed over a bounded set of live downstream servers. It
// routes tools, prompts, and resources by name, admits catalogued backends
// on demand, and notifies the upstream client whenever the active set
// changes.
package mcprouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-router-go/pkg/activeset"
	"github.com/vikashloomba/mcp-router-go/pkg/backends"
	"github.com/vikashloomba/mcp-router-go/pkg/configstore"
	"github.com/vikashloomba/mcp-router-go/pkg/registry"
)

const shutdownTimeout = 10 * time.Second

// Router owns the upstream endpoint, the active set, and the routing maps.
type Router struct {
	opts     Options
	store    *configstore.Store
	registry *registry.Registry
	active   *activeset.Manager
	adder    *adder
	routes   routeIndex
	mux      *http.ServeMux

	configMu sync.Mutex
	config   *configstore.Config

	sessionMu sync.Mutex
	session   *session

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewRouter wires a router over the given config store and registry.
func NewRouter(store *configstore.Store, reg *registry.Registry, opts *Options) (*Router, error) {
	o := opts.withDefaults()
	if o.TokenOptions != nil && o.TokenVerifier == nil {
		return nil, errors.New("mcprouter: TokenOptions requires a TokenVerifier")
	}
	r := &Router{
		opts:     o,
		store:    store,
		registry: reg,
		config:   &configstore.Config{},
	}
	r.active = activeset.NewManager(activeset.Options{
		MaxActive: o.MaxActive,
		Logger:    o.Logger,
		Persist:   r.persistActive,
		OnChange:  r.notifyToolListChanged,
	})
	r.adder = newAdder(r)
	r.mux = r.buildMux()
	return r, nil
}

// ActiveSet exposes the LRU manager, mainly for administrative surfaces.
func (r *Router) ActiveSet() *activeset.Manager { return r.active }

// ServeMux returns the router's mux so deployments can hang extra routes
// off the same listener.
func (r *Router) ServeMux() *http.ServeMux { return r.mux }

// Start loads the persisted config, revives the persisted active queue, and
// begins watching the config file for external edits. Dial failures during
// revival are logged and skipped.
func (r *Router) Start(ctx context.Context) error {
	cfg, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("mcprouter: load config: %w", err)
	}
	r.configMu.Lock()
	r.config = cfg
	r.configMu.Unlock()

	for _, name := range cfg.ActiveQueue {
		entry, ok := cfg.Server(name)
		if !ok {
			r.opts.Logger.Warn("queued server missing from roster", "server", name)
			continue
		}
		serverCfg, err := configstore.ToServerConfig(entry.Transport)
		if err != nil {
			r.opts.Logger.Warn("queued server has invalid transport", "server", name, "err", err)
			continue
		}
		if _, err := r.active.Admit(ctx, name, serverCfg); err != nil {
			r.opts.Logger.Warn("queued server failed to start", "server", name, "err", err)
		}
	}

	if err := r.store.Watch(ctx, r.reloadFromDisk); err != nil {
		return fmt.Errorf("mcprouter: watch config: %w", err)
	}
	return nil
}

// reloadFromDisk rebuilds the active set from an externally-edited config.
func (r *Router) reloadFromDisk(cfg *configstore.Config) {
	r.configMu.Lock()
	r.config = cfg
	r.configMu.Unlock()

	var servers []activeset.Server
	for _, name := range cfg.ActiveQueue {
		entry, ok := cfg.Server(name)
		if !ok {
			continue
		}
		serverCfg, err := configstore.ToServerConfig(entry.Transport)
		if err != nil {
			r.opts.Logger.Warn("reloaded server has invalid transport", "server", name, "err", err)
			continue
		}
		servers = append(servers, activeset.Server{Name: name, Config: serverCfg})
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.active.Reload(ctx, servers)
	r.routes.clear()
	r.opts.Logger.Info("active set rebuilt from disk", "servers", len(servers))
}

// persistActive writes the committed queue and the current roster, upserting
// entries for servers admitted from the catalog.
func (r *Router) persistActive(queue []string) {
	r.configMu.Lock()
	defer r.configMu.Unlock()
	cfg := &configstore.Config{
		Servers:     append([]configstore.ServerEntry(nil), r.config.Servers...),
		ActiveQueue: append([]string(nil), queue...),
	}
	for _, name := range queue {
		if _, ok := cfg.Server(name); ok {
			continue
		}
		client, ok := r.active.Get(name)
		if !ok {
			continue
		}
		cfg.Servers = append(cfg.Servers, configstore.ServerEntry{
			Name:      name,
			Transport: configstore.FromServerConfig(client.Config()),
		})
	}
	if err := r.store.Save(cfg); err != nil {
		r.opts.Logger.Error("persist active queue failed", "err", err)
		return
	}
	r.config = cfg
}

// notifyToolListChanged pushes exactly one list-changed notification to the
// live session per committed active-set mutation.
func (r *Router) notifyToolListChanged() {
	r.sessionMu.Lock()
	s := r.session
	r.sessionMu.Unlock()
	if s == nil || s.closed() {
		return
	}
	s.notify(encodeNotification("notifications/tools/list_changed", nil))
}

func (r *Router) currentSession() *session {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	return r.session
}

func (r *Router) snapshotConfig() *configstore.Config {
	r.configMu.Lock()
	defer r.configMu.Unlock()
	cfg := *r.config
	return &cfg
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or the listener fails. On cancellation it stops accepting requests,
// closes the upstream session, and closes every backend in parallel.
func (r *Router) ListenAndServe(ctx context.Context) error {
	server := &http.Server{Addr: r.opts.Addr, Handler: r.Handler()}
	r.httpServerMu.Lock()
	r.httpServer = server
	r.httpServerMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	r.opts.Logger.Info("mcp-router listening", "addr", r.opts.Addr, "path", r.opts.Path)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the HTTP listener, closes the session, and tears down all
// backends in parallel.
func (r *Router) Shutdown(ctx context.Context) error {
	r.httpServerMu.Lock()
	server := r.httpServer
	r.httpServer = nil
	r.httpServerMu.Unlock()

	var errs []error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.sessionMu.Lock()
	if r.session != nil {
		r.session.close()
		r.session = nil
	}
	r.sessionMu.Unlock()
	if err := r.active.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// routeIndex maps upstream-visible names to backend servers. Rebuilt after
// every aggregated list; reads are lock-free apart from the RWMutex.
type routeIndex struct {
	mu        sync.RWMutex
	tools     map[string]string
	prompts   map[string]string
	resources map[string]string
	templates map[string]string
}

func (ri *routeIndex) setTools(m map[string]string) {
	ri.mu.Lock()
	ri.tools = m
	ri.mu.Unlock()
}

func (ri *routeIndex) setPrompts(m map[string]string) {
	ri.mu.Lock()
	ri.prompts = m
	ri.mu.Unlock()
}

func (ri *routeIndex) setResources(m map[string]string) {
	ri.mu.Lock()
	ri.resources = m
	ri.mu.Unlock()
}

func (ri *routeIndex) setTemplates(m map[string]string) {
	ri.mu.Lock()
	ri.templates = m
	ri.mu.Unlock()
}

func (ri *routeIndex) tool(name string) (string, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	s, ok := ri.tools[name]
	return s, ok
}

func (ri *routeIndex) prompt(name string) (string, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	s, ok := ri.prompts[name]
	return s, ok
}

func (ri *routeIndex) resource(uri string) (string, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	s, ok := ri.resources[uri]
	return s, ok
}

func (ri *routeIndex) clear() {
	ri.mu.Lock()
	ri.tools = nil
	ri.prompts = nil
	ri.resources = nil
	ri.templates = nil
	ri.mu.Unlock()
}

// activeClients resolves the current queue into live clients, hottest last.
func (r *Router) activeClients() []*backends.Client {
	names := r.active.Active()
	out := make([]*backends.Client, 0, len(names))
	for _, name := range names {
		if client, ok := r.active.Get(name); ok {
			out = append(out, client)
		}
	}
	return out
}
