// Package configstore persists the router's server roster and active queue
// as a JSON document, and watches the file for external edits.
package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tailscale/hujson"
)

const watchDebounce = 250 * time.Millisecond

// Store reads and writes the config document at a fixed path.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last *Config
}

// NewStore builds a store for path. Nothing is read until Load.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// standardDialect is the widely-used mcpServers map shape. Entries carry
// either a command line or a URL.
type standardDialect struct {
	MCPServers map[string]standardServer `json:"mcpServers"`
}

type standardServer struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Load reads and normalizes the config document. A missing file yields an
// empty config. Hand-edited files may carry comments or trailing commas;
// both are standardized away before parsing.
func (s *Store) Load() (*Config, error) {
	cfg, err := s.read()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = cloneConfig(cfg)
	s.mu.Unlock()
	return cfg, nil
}

func (s *Store) read() (*Config, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("configstore: read %s: %w", s.path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("configstore: standardize %s: %w", s.path, err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(std, &probe); err != nil {
		return nil, fmt.Errorf("configstore: parse %s: %w", s.path, err)
	}
	if _, ok := probe["mcpServers"]; ok {
		var dialect standardDialect
		if err := json.Unmarshal(std, &dialect); err != nil {
			return nil, fmt.Errorf("configstore: parse %s: %w", s.path, err)
		}
		return normalizeStandard(&dialect), nil
	}
	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("configstore: parse %s: %w", s.path, err)
	}
	return &cfg, nil
}

func normalizeStandard(d *standardDialect) *Config {
	names := make([]string, 0, len(d.MCPServers))
	for name := range d.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	cfg := &Config{}
	for _, name := range names {
		srv := d.MCPServers[name]
		spec := TransportSpec{
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			URL:     srv.URL,
			Headers: srv.Headers,
		}
		switch {
		case srv.Command != "":
			spec.Type = TransportCommand
		case srv.Type == "sse":
			spec.Type = TransportSSE
		default:
			spec.Type = TransportHTTP
		}
		cfg.Servers = append(cfg.Servers, ServerEntry{Name: name, Transport: spec})
	}
	return cfg
}

// Save writes cfg atomically in the internal dialect. The write is staged
// to a temp file in the same directory and renamed into place.
func (s *Store) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("configstore: encode: %w", err)
	}
	data = append(data, '\n')
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("configstore: stage: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("configstore: stage write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("configstore: stage chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("configstore: stage close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("configstore: rename: %w", err)
	}
	s.mu.Lock()
	s.last = cloneConfig(cfg)
	s.mu.Unlock()
	return nil
}

// Watch monitors the config path until ctx is done. External edits that
// change the server roster invoke onReload with the freshly-loaded config.
// Events caused by the store's own Save are swallowed, as are edits whose
// normalized server set and launch specs are unchanged. Parse failures keep
// the last good config and log.
func (s *Store) Watch(ctx context.Context, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configstore: watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("configstore: watch %s: %w", dir, err)
	}
	go s.watchLoop(ctx, watcher, onReload)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onReload func(*Config)) {
	defer watcher.Close()
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watch error", "err", err)
		case <-timerC:
			timer = nil
			timerC = nil
			s.handleChange(onReload)
		}
	}
}

func (s *Store) handleChange(onReload func(*Config)) {
	cfg, err := s.read()
	if err != nil {
		s.logger.Warn("config reload failed, keeping last good config", "err", err)
		return
	}
	s.mu.Lock()
	same := s.last != nil && serversEqual(s.last.Servers, cfg.Servers)
	s.last = cloneConfig(cfg)
	s.mu.Unlock()
	if same {
		return
	}
	s.logger.Info("config changed on disk", "servers", len(cfg.Servers))
	onReload(cfg)
}

// serversEqual compares rosters by normalized name order and launch spec.
// The active queue is deliberately excluded so queue-only rewrites do not
// trigger reloads.
func serversEqual(a, b []ServerEntry) bool {
	if len(a) != len(b) {
		return false
	}
	an := slices.Clone(a)
	bn := slices.Clone(b)
	byName := func(x, y ServerEntry) int {
		if x.Name < y.Name {
			return -1
		}
		if x.Name > y.Name {
			return 1
		}
		return 0
	}
	slices.SortFunc(an, byName)
	slices.SortFunc(bn, byName)
	aj, err := json.Marshal(an)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(bn)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func cloneConfig(cfg *Config) *Config {
	out := &Config{
		Servers:     slices.Clone(cfg.Servers),
		ActiveQueue: slices.Clone(cfg.ActiveQueue),
	}
	return out
}
