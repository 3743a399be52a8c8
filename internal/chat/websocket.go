package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/medivio/internal/api"
	"github.com/ashureev/medivio/internal/identity"
	"github.com/ashureev/medivio/internal/middleware"
	"github.com/ashureev/medivio/internal/pipeline"
	"github.com/ashureev/medivio/internal/session"
	"github.com/coder/websocket"
)

// Message types.
const (
	TypeQuestion = "question"
	TypeReply    = "reply"
	TypeError    = "error"
	TypePing     = "ping"
	TypePong     = "pong"
)

const (
	writeTimeout = 10 * time.Second
	// MaxSocketsPerSession bounds the chat tabs one browser session may open.
	MaxSocketsPerSession = 5
)

// Message is the JSON frame exchanged with the browser.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Handler upgrades /ws/chat and answers questions about the session's
// current analysis.
type Handler struct {
	pipeline *pipeline.Pipeline
	registry *Registry
	limiter  middleware.Limiter
}

// NewHandler creates a chat WebSocket handler. limiter may be nil.
func NewHandler(p *pipeline.Pipeline, registry *Registry, limiter middleware.Limiter) *Handler {
	return &Handler{pipeline: p, registry: registry, limiter: limiter}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	st := identity.StateFromContext(r.Context())
	if st == nil {
		api.Error(w, http.StatusUnauthorized, "no session")
		return
	}
	if h.registry.Count(sessionID) >= MaxSocketsPerSession {
		slog.Warn("Too many chat sockets", "session_id", sessionID)
		api.Error(w, http.StatusTooManyRequests, "too many open chat connections")
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.registry.Register(sessionID, ws)
	defer h.registry.Unregister(sessionID, ws)

	h.readLoop(r.Context(), ws, st, sessionID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, st *session.State, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Debug("WebSocket read ended", "error", err, "session_id", sessionID)
			}
			return
		}

		email, ok := st.User()
		if !ok {
			_ = h.write(ctx, ws, Message{Type: TypeError, Content: "unauthorized"})
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.write(ctx, ws, Message{Type: TypeError, Content: "invalid message"})
			continue
		}

		switch msg.Type {
		case TypePing:
			_ = h.write(ctx, ws, Message{Type: TypePong})
		case TypeQuestion:
			if h.limiter != nil && !h.limiter.Allow(ctx, email) {
				_ = h.write(ctx, ws, Message{Type: TypeError, Content: middleware.RateLimitMessage})
				continue
			}
			reply, err := h.pipeline.Ask(ctx, st, sessionID, pipeline.ChannelWebSocket, msg.Content)
			if err != nil {
				if errors.Is(err, pipeline.ErrNotLoggedIn) {
					_ = h.write(ctx, ws, Message{Type: TypeError, Content: "unauthorized"})
					return
				}
				_ = h.write(ctx, ws, Message{Type: TypeError, Content: err.Error()})
				continue
			}
			if err := h.write(ctx, ws, Message{Type: TypeReply, Content: reply}); err != nil {
				slog.Debug("Failed to send chat reply", "error", err, "session_id", sessionID)
				return
			}
		default:
			_ = h.write(ctx, ws, Message{Type: TypeError, Content: "unknown message type"})
		}
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
