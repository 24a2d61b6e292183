package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AuthStore persists per-server credential values as a flat JSON document
// next to the catalog. Values are env-var name to value maps consulted when
// resolving a server's auth requirements.
type AuthStore struct {
	path string
	mu   sync.Mutex
}

// NewAuthStore builds a store over path.
func NewAuthStore(path string) *AuthStore {
	return &AuthStore{path: path}
}

// Path returns the credential file location.
func (a *AuthStore) Path() string { return a.path }

func defaultAuthPath(catalogPath string) string {
	if catalogPath == "" {
		return "mcp-auth.json"
	}
	return filepath.Join(filepath.Dir(catalogPath), "mcp-auth.json")
}

func (a *AuthStore) load() (map[string]map[string]string, error) {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("registry: read auth store: %w", err)
	}
	var all map[string]map[string]string
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("registry: parse auth store: %w", err)
	}
	if all == nil {
		all = map[string]map[string]string{}
	}
	return all, nil
}

// Values returns the stored credential map for server, empty when absent.
func (a *AuthStore) Values(server string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	all, err := a.load()
	if err != nil {
		return nil, err
	}
	return all[server], nil
}

// Store merges values into the server's stored credentials, writing the
// file atomically with owner-only permissions.
func (a *AuthStore) Store(server string, values map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	all, err := a.load()
	if err != nil {
		return err
	}
	existing := all[server]
	if existing == nil {
		existing = map[string]string{}
	}
	for k, v := range values {
		existing[k] = v
	}
	all[server] = existing

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode auth store: %w", err)
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".auth-*.json")
	if err != nil {
		return fmt.Errorf("registry: stage auth store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: write auth store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: chmod auth store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: close auth store: %w", err)
	}
	if err := os.Rename(tmpName, a.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: rename auth store: %w", err)
	}
	return nil
}
