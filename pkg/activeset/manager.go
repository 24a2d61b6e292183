// Package activeset maintains the bounded LRU set of live downstream
// backends. Admissions dial and handshake a backend, evictions close the
// coldest entry, and touches reorder without any disk or network I/O.
package activeset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-router-go/pkg/backends"
)

// DefaultMaxActive is the active-set ceiling when Options.MaxActive is zero.
const DefaultMaxActive = 3

// ErrNotActive is returned by Evict when the named server is not in the set.
var ErrNotActive = errors.New("activeset: server not active")

// DialFunc dials and handshakes a backend. The default implementation
// constructs a backends.Client and connects it.
type DialFunc func(ctx context.Context, name string, cfg backends.ServerConfig) (*backends.Client, error)

// Options configure a Manager.
type Options struct {
	// MaxActive is the ceiling K. Defaults to DefaultMaxActive.
	MaxActive int
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Dial overrides how backends are constructed and connected.
	Dial DialFunc
	// Persist receives the committed queue (coldest first) after every
	// admit and evict. Touches never persist.
	Persist func(active []string)
	// OnChange fires exactly once per committed mutation of the set.
	OnChange func()
}

type entryState int

const (
	stateStarting entryState = iota
	stateReady
)

func (s entryState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateReady:
		return "ready"
	}
	return "unknown"
}

type entry struct {
	name   string
	cfg    backends.ServerConfig
	client *backends.Client
	state  entryState
	done   chan struct{}
	err    error
}

// Status describes one entry of a Snapshot.
type Status struct {
	Name      string
	State     string
	Connected bool
}

// Manager is the LRU active-set coordinator. All bookkeeping is serialized
// on one mutex; the mutex is never held across dial, handshake, or close
// I/O. Admissions reserve a starting placeholder, release the lock for the
// handshake, and reacquire it to commit or roll back.
type Manager struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

// NewManager builds an empty active set.
func NewManager(opts Options) *Manager {
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, name string, cfg backends.ServerConfig) (*backends.Client, error) {
			client := backends.NewClient(name, cfg, opts.Logger)
			if err := client.Connect(ctx); err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	return &Manager{
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// Touch marks name as most recently used. It reports whether the server was
// active; callers admit on a false return. Touch never persists and never
// fires the change hook.
func (m *Manager) Touch(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok || e.state != stateReady {
		return false
	}
	m.moveHotLocked(name)
	return true
}

// Get returns the live client for name without reordering the set.
func (m *Manager) Get(name string) (*backends.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok || e.state != stateReady {
		return nil, false
	}
	return e.client, true
}

// Active returns the committed queue, coldest first.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// Snapshot reports every entry, including in-flight admissions.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		e := m.entries[name]
		s := Status{Name: name, State: e.state.String()}
		if e.client != nil {
			s.Connected = e.client.Connected()
		}
		out = append(out, s)
	}
	return out
}

// Admit brings name into the active set, dialing with cfg. If the server is
// already active it is touched and its client returned. When the committed
// set would exceed the ceiling, the coldest ready entry is evicted as part
// of the same mutation, so admit-with-eviction persists once and fires the
// change hook once.
func (m *Manager) Admit(ctx context.Context, name string, cfg backends.ServerConfig) (*backends.Client, error) {
	for {
		m.mu.Lock()
		if e, ok := m.entries[name]; ok {
			if e.state == stateReady {
				m.moveHotLocked(name)
				client := e.client
				m.mu.Unlock()
				return client, nil
			}
			done := e.done
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-done:
				continue
			}
		}
		e := &entry{name: name, cfg: cfg, state: stateStarting, done: make(chan struct{})}
		m.entries[name] = e
		m.order = append(m.order, name)
		m.mu.Unlock()

		client, err := m.opts.Dial(ctx, name, cfg)

		m.mu.Lock()
		if err != nil {
			delete(m.entries, name)
			m.removeOrderLocked(name)
			e.err = err
			close(e.done)
			m.mu.Unlock()
			return nil, fmt.Errorf("activeset: admit %q: %w", name, err)
		}
		e.client = client
		e.state = stateReady
		victims := m.victimsLocked(name)
		queue := m.activeLocked()
		close(e.done)
		m.mu.Unlock()

		for _, v := range victims {
			m.closeEntry(v)
		}
		m.commit(queue)
		m.opts.Logger.Info("backend admitted", "server", name, "evicted", len(victims))
		return client, nil
	}
}

// Evict removes name from the set and closes its client.
func (m *Manager) Evict(ctx context.Context, name string) error {
	for {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return ErrNotActive
		}
		if e.state == stateStarting {
			done := e.done
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
				continue
			}
		}
		delete(m.entries, name)
		m.removeOrderLocked(name)
		queue := m.activeLocked()
		m.mu.Unlock()

		m.closeEntry(e)
		m.commit(queue)
		m.opts.Logger.Info("backend evicted", "server", name)
		return nil
	}
}

// Server pairs a name with its launch configuration for Reload.
type Server struct {
	Name   string
	Config backends.ServerConfig
}

// Reload replaces the whole set with the given roster, closing every current
// client first. It fires the change hook once but never persists, because
// the roster already came from disk. Servers beyond the ceiling are skipped;
// dial failures are logged and skipped.
func (m *Manager) Reload(ctx context.Context, servers []Server) {
	m.mu.Lock()
	old := make([]*entry, 0, len(m.order))
	for _, name := range m.order {
		if e := m.entries[name]; e.state == stateReady {
			old = append(old, e)
		}
	}
	m.entries = make(map[string]*entry)
	m.order = nil
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range old {
		g.Go(func() error {
			m.closeEntry(e)
			return nil
		})
	}
	_ = g.Wait()

	admitted := 0
	for _, srv := range servers {
		if admitted >= m.opts.MaxActive {
			break
		}
		client, err := m.opts.Dial(ctx, srv.Name, srv.Config)
		if err != nil {
			m.opts.Logger.Warn("reload dial failed", "server", srv.Name, "err", err)
			continue
		}
		m.mu.Lock()
		m.entries[srv.Name] = &entry{
			name:   srv.Name,
			cfg:    srv.Config,
			client: client,
			state:  stateReady,
			done:   closedChan(),
		}
		m.order = append(m.order, srv.Name)
		m.mu.Unlock()
		admitted++
	}
	if m.opts.OnChange != nil {
		m.opts.OnChange()
	}
}

// CloseAll tears down every client in parallel. Used at shutdown; no
// persistence and no change notification.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	closing := make([]*entry, 0, len(m.order))
	for _, name := range m.order {
		if e := m.entries[name]; e.state == stateReady {
			closing = append(closing, e)
		}
	}
	m.entries = make(map[string]*entry)
	m.order = nil
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range closing {
		g.Go(func() error {
			if err := e.client.Close(ctx); err != nil {
				return fmt.Errorf("close %q: %w", e.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) activeLocked() []string {
	out := make([]string, 0, len(m.order))
	for _, name := range m.order {
		if e := m.entries[name]; e != nil && e.state == stateReady {
			out = append(out, name)
		}
	}
	return out
}

// victimsLocked removes the coldest ready entries beyond the ceiling,
// keeping name itself regardless of position.
func (m *Manager) victimsLocked(keep string) []*entry {
	ready := 0
	for _, n := range m.order {
		if m.entries[n] != nil && m.entries[n].state == stateReady {
			ready++
		}
	}
	var victims []*entry
	for _, n := range slices.Clone(m.order) {
		if ready <= m.opts.MaxActive {
			break
		}
		e := m.entries[n]
		if e == nil || e.state != stateReady || n == keep {
			continue
		}
		delete(m.entries, n)
		m.removeOrderLocked(n)
		victims = append(victims, e)
		ready--
	}
	return victims
}

func (m *Manager) moveHotLocked(name string) {
	m.removeOrderLocked(name)
	m.order = append(m.order, name)
}

func (m *Manager) removeOrderLocked(name string) {
	if i := slices.Index(m.order, name); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
}

func (m *Manager) closeEntry(e *entry) {
	if e.client == nil {
		return
	}
	if err := e.client.Close(context.Background()); err != nil {
		m.opts.Logger.Warn("backend close failed", "server", e.name, "err", err)
	}
}

func (m *Manager) commit(queue []string) {
	if m.opts.Persist != nil {
		m.opts.Persist(queue)
	}
	if m.opts.OnChange != nil {
		m.opts.OnChange()
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
