package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/safeops/internal/api"
	"github.com/ashureev/safeops/internal/assessment"
	"github.com/ashureev/safeops/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// StateSource looks up the current state of a session.
type StateSource interface {
	State(id string) (assessment.SessionState, error)
}

// Handler upgrades GET /ws/assessments/{id} and streams the session's events.
type Handler struct {
	hub           *Hub
	sessions      StateSource
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket handler backed by hub.
func NewHandler(hub *Hub, sessions StateSource, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		hub:           hub,
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is the envelope of every frame sent or received.
type wsMessage struct {
	Type  string                   `json:"type"`
	Event *assessment.Event        `json:"event,omitempty"`
	State *assessment.SessionState `json:"state,omitempty"`
	Error string                   `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	op := identity.OperatorFromContext(r.Context())
	slog.Info("WebSocket connection request", "session_id", sessionID, "operator_id", op.ID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		api.Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	// Subscribe before reading the state so no event falls between them.
	sub := h.hub.Subscribe(sessionID)
	defer sub.Close()

	state, err := h.sessions.State(sessionID)
	if err != nil {
		if errors.Is(err, assessment.ErrSessionNotFound) {
			api.Error(w, http.StatusNotFound, "session not found")
			return
		}
		api.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx := r.Context()
	if err := h.writeJSON(ctx, ws, wsMessage{Type: "snapshot", State: &state}); err != nil {
		slog.Debug("Failed to send snapshot", "error", err, "session_id", sessionID)
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.inputLoop(ctx, ws, sessionID)
	}()

	h.outputLoop(ctx, ws, sub, readDone, sessionID)
	slog.Info("Assessment stream ended", "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		case "snapshot":
			state, err := h.sessions.State(sessionID)
			if err != nil {
				_ = h.writeJSON(ctx, ws, wsMessage{Type: "error", Error: "session not found"})
				return
			}
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "snapshot", State: &state}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *Subscription, readDone <-chan struct{}, sessionID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "event", Event: &e}); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "session_id", sessionID)
				}
				return
			}
			if e.Type == assessment.EventClosed {
				return
			}
		}
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
