package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/log"
	"github.com/hearthkit/hearthd/pkg/pairing"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store *pairing.Store
	Code  commissioning.SetupCode

	// Guard admits Pair-Setup attempts. Nil admits everything.
	Guard commissioning.Guard

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Manager is the registry of live sessions.
type Manager struct {
	store  *pairing.Store
	code   commissioning.SetupCode
	guard  commissioning.Guard
	logger *slog.Logger
	proto  log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    cfg.Store,
		code:     cfg.Code,
		guard:    cfg.Guard,
		logger:   logger,
		proto:    log.OrNoop(cfg.ProtocolLogger),
		sessions: make(map[string]*Session),
	}
}

// Open registers a session for a new connection.
func (m *Manager) Open(conn Conn) *Session {
	s := newSession(conn, m)
	m.mu.Lock()
	m.sessions[conn.ID()] = s
	m.mu.Unlock()
	s.OnClose(func(s *Session) { m.remove(s.ID()) })
	return s
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get looks up a session by connection id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots ordered by open time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].OpenedAt.Equal(infos[j].OpenedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].OpenedAt.Before(infos[j].OpenedAt)
	})
	return infos
}

// Verified returns the live sessions that completed Pair-Verify.
func (m *Manager) Verified() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Verified() {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseController closes every session verified as controllerID and
// returns how many were closed.
func (m *Manager) CloseController(controllerID, reason string) int {
	var victims []*Session
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.ControllerID() == controllerID {
			victims = append(victims, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range victims {
		s.Close(reason)
	}
	if len(victims) > 0 {
		m.logger.Info("closed sessions of removed controller", "controller", controllerID, "count", len(victims))
	}
	return len(victims)
}

// CloseAll closes every session.
func (m *Manager) CloseAll(reason string) int {
	m.mu.RLock()
	victims := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		victims = append(victims, s)
	}
	m.mu.RUnlock()

	for _, s := range victims {
		s.Close(reason)
	}
	return len(victims)
}
