// Package manager is a thin façade session manager: it owns a set of
// sessions keyed by a stable identity, starts and ends them, and wires each
// one to the optional discovery and persistence collaborators — but it
// contains no protocol logic of its own (spec.md §1 names it an external
// collaborator, "a thin façade over (1)-(4)").
//
// Grounded on the teacher's pkg/dialog.Stack: a config struct with
// documented defaults, a mutex-guarded map keyed by a stable id, and
// add/remove/find helpers around that map — reduced to the much smaller
// scope a session manager needs here.
package manager

import (
	"fmt"
	"sync"

	"github.com/arzzra/applemidi/pkg/discovery"
	"github.com/arzzra/applemidi/pkg/persist"
	"github.com/arzzra/applemidi/pkg/session"
	"github.com/google/uuid"
)

// Config configures a Manager. Both collaborators are optional; a nil
// Discovery means sessions are created with Published left as the caller
// set it but never actually advertised, and a nil Store means Save/Load
// are no-ops.
type Config struct {
	Discovery discovery.Service
	Store     persist.Store
}

// Managed pairs a running session.Session with the stable identity
// (independent of its SSRC, which can regenerate across restarts) used to
// key it in this Manager and, via a Save snapshot function, in
// pkg/persist. pkg/metrics labels are the session's LocalName, not this ID.
type Managed struct {
	ID      string
	Session *session.Session
}

// Manager owns a set of sessions and wires each to this process's
// discovery/persistence collaborators.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Managed
}

// New creates a Manager. A zero Config is valid: no discovery, no
// persistence, sessions only.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, sessions: make(map[string]*Managed)}
}

// Create builds a new session.Session from sessionCfg and registers it
// under a fresh stable ID. It does not start the session — call Start for
// that.
func (m *Manager) Create(sessionCfg session.Config) (*Managed, error) {
	s, err := session.New(sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("manager: create session: %w", err)
	}
	managed := &Managed{ID: uuid.New().String(), Session: s}

	m.mu.Lock()
	m.sessions[managed.ID] = managed
	m.mu.Unlock()

	return managed, nil
}

// Start binds managed's sockets and, if published is true and a
// discovery.Service is configured, publishes bonjourName on port via mDNS
// once bound.
func (m *Manager) Start(managed *Managed, published bool, bonjourName string, port uint16) error {
	if err := managed.Session.Start(); err != nil {
		return err
	}
	if published && m.cfg.Discovery != nil {
		if err := m.cfg.Discovery.Publish(discovery.Record{Name: bonjourName, Port: port}); err != nil {
			return fmt.Errorf("manager: publish %s: %w", bonjourName, err)
		}
	}
	return nil
}

// End withdraws managed's mDNS advertisement (if any), ends the session,
// and removes it from the manager once cb fires.
func (m *Manager) End(managed *Managed, published bool, bonjourName string, port uint16, cb func()) {
	if published && m.cfg.Discovery != nil {
		_ = m.cfg.Discovery.Unpublish(discovery.Record{Name: bonjourName, Port: port})
	}
	managed.Session.End(func() {
		m.mu.Lock()
		delete(m.sessions, managed.ID)
		m.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// Get returns the managed session registered under id, if any.
func (m *Manager) Get(id string) (*Managed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	managed, ok := m.sessions[id]
	return managed, ok
}

// List returns every session currently registered, in no particular order.
func (m *Manager) List() []*Managed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Managed, 0, len(m.sessions))
	for _, managed := range m.sessions {
		out = append(out, managed)
	}
	return out
}

// Save snapshots every registered session into the configured Store. A nil
// Store makes this a no-op that returns nil.
func (m *Manager) Save(snapshot func(*Managed) persist.SessionConfig) error {
	if m.cfg.Store == nil {
		return nil
	}
	m.mu.RLock()
	configs := make([]persist.SessionConfig, 0, len(m.sessions))
	for _, managed := range m.sessions {
		configs = append(configs, snapshot(managed))
	}
	m.mu.RUnlock()
	return m.cfg.Store.Write(configs)
}

// Load reads every persisted session config from the configured Store. A
// nil Store returns an empty slice and no error.
func (m *Manager) Load() ([]persist.SessionConfig, error) {
	if m.cfg.Store == nil {
		return nil, nil
	}
	return m.cfg.Store.Read()
}
