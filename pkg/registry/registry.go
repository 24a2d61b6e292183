// Package registry serves the backend catalog and the enhanced search index
// used by search_mcps and the adder. Both files are cached with a short TTL
// and reloaded through a single-flight group so concurrent lookups share one
// disk read.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tailscale/hujson"
	"golang.org/x/sync/singleflight"

	"github.com/vikashloomba/mcp-router-go/pkg/backends"
)

const cacheTTL = 60 * time.Second

// ErrUnknownServer is returned when a catalog lookup misses.
var ErrUnknownServer = errors.New("registry: unknown server")

// AuthRequirement names an environment variable the backend needs.
type AuthRequirement struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ArgumentRequirement describes one positional launch argument supplied by
// the operator or the upstream agent.
type ArgumentRequirement struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Example     string `json:"example,omitempty"`
	Position    int    `json:"position"`
}

// ToolMeta is cached tool metadata from prior indexing. Informational only;
// live tools always come from the running backend.
type ToolMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CatalogEntry is one known backend.
type CatalogEntry struct {
	Name                 string
	DisplayName          string
	Description          string
	Command              string
	Args                 []string
	Env                  map[string]string
	Remote               string
	RemoteType           string
	Headers              map[string]string
	AuthRequirements     []AuthRequirement
	ArgumentRequirements []ArgumentRequirement
	StaticArgs           []string
	ToolsMeta            []ToolMeta
	UseCases             []string
}

// LaunchConfig resolves the entry into a dialable backend configuration,
// with args already spliced and env overrides applied.
func (e *CatalogEntry) LaunchConfig(args []string, env map[string]string) backends.ServerConfig {
	if e.Remote != "" {
		if e.RemoteType == "sse" {
			return &backends.SSEServerConfig{URL: e.Remote, Headers: e.Headers}
		}
		return &backends.HTTPServerConfig{URL: e.Remote, Headers: e.Headers}
	}
	merged := make(map[string]string, len(e.Env)+len(env))
	for k, v := range e.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return &backends.StdioServerConfig{Command: e.Command, Args: args, Env: merged}
}

type rawCatalogEntry struct {
	Name                 string                `json:"name,omitempty"`
	DisplayName          string                `json:"displayName,omitempty"`
	Description          string                `json:"description,omitempty"`
	Command              string                `json:"command,omitempty"`
	Args                 []string              `json:"args,omitempty"`
	Env                  map[string]string     `json:"env,omitempty"`
	Remote               string                `json:"remote,omitempty"`
	RemoteType           string                `json:"remoteType,omitempty"`
	Headers              map[string]string     `json:"headers,omitempty"`
	AuthRequirements     []AuthRequirement     `json:"authRequirements,omitempty"`
	ArgumentRequirements []ArgumentRequirement `json:"argumentRequirements,omitempty"`
	StaticArgs           []string              `json:"staticArgs,omitempty"`
	UseCases             []string              `json:"useCases,omitempty"`
}

// IndexedServer is one record of the enhanced index.
type IndexedServer struct {
	Name                string     `json:"name"`
	DisplayName         string     `json:"displayName"`
	OriginalDescription string     `json:"originalDescription"`
	AISummary           string     `json:"aiSummary"`
	AIUseCases          []string   `json:"aiUseCases"`
	ToolCount           int        `json:"toolCount"`
	ToolDescriptions    []ToolMeta `json:"toolDescriptions"`
	Embedding           []float32  `json:"embedding"`
	LastProcessed       string     `json:"lastProcessed"`
}

// EnhancedIndex is the embeddings index document produced offline.
type EnhancedIndex struct {
	LastUpdated  string          `json:"lastUpdated"`
	TotalServers int             `json:"totalServers"`
	Servers      []IndexedServer `json:"servers"`
}

// Options configure a Registry.
type Options struct {
	// CatalogPath is the mcp-registry.json location.
	CatalogPath string
	// IndexPath is the enhanced-index.json location.
	IndexPath string
	// AuthPath is the stored-credentials file location. Defaults to
	// mcp-auth.json next to the catalog.
	AuthPath string
	// Embedder powers semantic search. Nil forces the keyword fallback.
	Embedder EmbeddingBackend
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

type cached[T any] struct {
	value    T
	loadedAt time.Time
}

func (c *cached[T]) fresh(now time.Time) bool {
	return !c.loadedAt.IsZero() && now.Sub(c.loadedAt) < cacheTTL
}

// Registry reads the catalog and index files with TTL caching.
type Registry struct {
	opts Options
	auth *AuthStore
	sf   singleflight.Group

	mu      sync.Mutex
	catalog cached[map[string]*CatalogEntry]
	index   cached[*EnhancedIndex]
}

// NewRegistry builds a registry over the given files.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AuthPath == "" {
		opts.AuthPath = defaultAuthPath(opts.CatalogPath)
	}
	return &Registry{opts: opts, auth: NewAuthStore(opts.AuthPath)}
}

// Auth exposes the stored-credentials store.
func (r *Registry) Auth() *AuthStore { return r.auth }

// Invalidate drops both caches so the next read hits disk.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.catalog = cached[map[string]*CatalogEntry]{}
	r.index = cached[*EnhancedIndex]{}
	r.mu.Unlock()
}

// Catalog returns the full catalog keyed by name.
func (r *Registry) Catalog() (map[string]*CatalogEntry, error) {
	r.mu.Lock()
	if r.catalog.fresh(time.Now()) {
		v := r.catalog.value
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do("catalog", func() (any, error) {
		entries, err := loadCatalog(r.opts.CatalogPath)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.catalog = cached[map[string]*CatalogEntry]{value: entries, loadedAt: time.Now()}
		r.mu.Unlock()
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*CatalogEntry), nil
}

// Lookup fetches one catalog entry by name.
func (r *Registry) Lookup(name string) (*CatalogEntry, error) {
	catalog, err := r.Catalog()
	if err != nil {
		return nil, err
	}
	entry, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	return entry, nil
}

// KnownNames lists every catalog name, sorted.
func (r *Registry) KnownNames() ([]string, error) {
	catalog, err := r.Catalog()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Index returns the enhanced index. A missing index file yields an empty
// index rather than an error so keyword search can still answer.
func (r *Registry) Index() (*EnhancedIndex, error) {
	r.mu.Lock()
	if r.index.fresh(time.Now()) {
		v := r.index.value
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do("index", func() (any, error) {
		idx, err := loadIndex(r.opts.IndexPath)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.index = cached[*EnhancedIndex]{value: idx, loadedAt: time.Now()}
		r.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EnhancedIndex), nil
}

// UnsatisfiedAuth reports the auth requirements of entry with no non-empty
// value in either the stored credentials or the process environment.
func (r *Registry) UnsatisfiedAuth(entry *CatalogEntry) []AuthRequirement {
	stored, err := r.auth.Values(entry.Name)
	if err != nil {
		r.opts.Logger.Warn("auth store read failed", "server", entry.Name, "err", err)
	}
	var missing []AuthRequirement
	for _, req := range entry.AuthRequirements {
		if stored[req.Name] != "" {
			continue
		}
		if os.Getenv(req.Name) != "" {
			continue
		}
		missing = append(missing, req)
	}
	return missing
}

// ResolvedEnv merges catalog env defaults with stored credentials for the
// entry, stored values winning.
func (r *Registry) ResolvedEnv(entry *CatalogEntry) map[string]string {
	stored, err := r.auth.Values(entry.Name)
	if err != nil {
		r.opts.Logger.Warn("auth store read failed", "server", entry.Name, "err", err)
	}
	env := make(map[string]string, len(entry.Env)+len(stored))
	for k, v := range entry.Env {
		env[k] = v
	}
	for k, v := range stored {
		env[k] = v
	}
	return env
}

func loadCatalog(path string) (map[string]*CatalogEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*CatalogEntry{}, nil
		}
		return nil, fmt.Errorf("registry: read catalog: %w", err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: standardize catalog: %w", err)
	}

	entries := make(map[string]*CatalogEntry)
	var keyed map[string]rawCatalogEntry
	if err := json.Unmarshal(std, &keyed); err == nil {
		for name, re := range keyed {
			entries[name] = re.materialize(name)
		}
		return entries, nil
	}
	var listed []rawCatalogEntry
	if err := json.Unmarshal(std, &listed); err != nil {
		return nil, fmt.Errorf("registry: parse catalog: %w", err)
	}
	for _, re := range listed {
		if re.Name == "" {
			continue
		}
		entries[re.Name] = re.materialize(re.Name)
	}
	return entries, nil
}

func (re rawCatalogEntry) materialize(name string) *CatalogEntry {
	display := re.DisplayName
	if display == "" {
		display = name
	}
	return &CatalogEntry{
		Name:                 name,
		DisplayName:          display,
		Description:          re.Description,
		Command:              re.Command,
		Args:                 re.Args,
		Env:                  re.Env,
		Remote:               re.Remote,
		RemoteType:           re.RemoteType,
		Headers:              re.Headers,
		AuthRequirements:     re.AuthRequirements,
		ArgumentRequirements: re.ArgumentRequirements,
		StaticArgs:           re.StaticArgs,
		UseCases:             re.UseCases,
	}
}

func loadIndex(path string) (*EnhancedIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &EnhancedIndex{}, nil
		}
		return nil, fmt.Errorf("registry: read index: %w", err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: standardize index: %w", err)
	}
	var idx EnhancedIndex
	if err := json.Unmarshal(std, &idx); err != nil {
		return nil, fmt.Errorf("registry: parse index: %w", err)
	}
	return &idx, nil
}
