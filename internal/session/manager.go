package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	state    *State
	lastSeen time.Time
}

// Manager is the in-memory registry of live sessions keyed by session id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// Create registers a fresh session and returns its id.
func (m *Manager) Create() (string, *State) {
	id := uuid.NewString()
	st := NewState()

	m.mu.Lock()
	m.sessions[id] = &entry{state: st, lastSeen: m.now()}
	m.mu.Unlock()

	slog.Debug("Session created", "session_id", id)
	return id, st
}

// Get returns the session for id and marks it as seen.
func (m *Manager) Get(id string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = m.now()
	return e.state, true
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than ttl, signs them out so that
// requests still holding their state cannot store results, and returns
// their ids.
func (m *Manager) Sweep(ttl time.Duration) []string {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	var expired []string
	var states []*State
	for id, e := range m.sessions {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, id)
			states = append(states, e.state)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, st := range states {
		st.SignOut()
	}
	return expired
}
