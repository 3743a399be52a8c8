// Package chat serves the follow-up chat over WebSocket.
package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks open chat sockets per browser session. Several tabs may
// share one session.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]map[*websocket.Conn]struct{})}
}

// Register adds conn under sessionID.
func (r *Registry) Register(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.active[sessionID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		r.active[sessionID] = conns
	}
	conns[conn] = struct{}{}
	slog.Debug("Chat socket registered", "session_id", sessionID, "open", len(conns))
}

// Unregister removes conn. Unknown connections are ignored.
func (r *Registry) Unregister(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conns, ok := r.active[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.active, sessionID)
		}
	}
}

// Count returns the number of open sockets for sessionID.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active[sessionID])
}

// CloseSession closes every socket of sessionID, e.g. on sign-out or expiry.
// It does not wait for the close handshakes to finish.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	conns := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()

	// Close waits for the peer's close frame, so do not hold up the caller.
	for conn := range conns {
		go func() { _ = conn.Close(websocket.StatusNormalClosure, "session closed") }()
	}
	if len(conns) > 0 {
		slog.Info("Chat sockets closed", "session_id", sessionID, "count", len(conns))
	}
}
