package collaboration

import (
	"context"
	"net/http"

	"contract-collab/internal/logging"
	"contract-collab/internal/middleware"
	"contract-collab/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

The join happens before the upgrade, so capacity and permission failures
are still plain HTTP errors the client can read. Once upgraded, the first
frame is always the welcome with the bootstrap state.
*/

// Authenticator resolves the caller of an HTTP request.
type Authenticator func(r *http.Request) (models.Author, models.Role, error)

// ErrorWriter renders an error as an HTTP response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// WebSocketHandler connects editors to sessions.
type WebSocketHandler struct {
	manager  *Manager
	hub      *Hub
	auth     Authenticator
	writeErr ErrorWriter
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler. allowOrigin decides which
// browser origins may connect; nil allows all.
func NewWebSocketHandler(manager *Manager, hub *Hub, auth Authenticator, writeErr ErrorWriter, allowOrigin func(origin string) bool) *WebSocketHandler {
	return &WebSocketHandler{
		manager:  manager,
		hub:      hub,
		auth:     auth,
		writeErr: writeErr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowOrigin == nil {
					return true
				}
				return allowOrigin(r.Header.Get("Origin"))
			},
		},
	}
}

// HandleSessionConnection joins the caller to the session in the path
// and serves the connection until it closes.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	author, role, err := h.auth(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("session.id", sessionID),
		attribute.String("author", author.Key()),
	)
	defer span.End()

	handle, boot, err := h.manager.Join(ctx, sessionID, Identity{
		Author:   author,
		Role:     role,
		ClientID: r.URL.Query().Get("client_id"),
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.writeErr(w, r, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to upgrade websocket")
		_ = h.manager.Leave(context.WithoutCancel(ctx), handle.ID)
		return
	}

	c := newConn(ws, h.hub, h.manager, handle)
	c.send(ServerMessage{Type: MsgWelcome, HandleID: handle.ID, ClientID: handle.ClientID, Bootstrap: boot, Seq: boot.Seq})
	select {
	case h.hub.register <- c:
	case <-h.hub.done:
		_ = ws.Close()
		_ = h.manager.Leave(context.WithoutCancel(ctx), handle.ID)
		return
	}

	logging.Ctx(ctx).Info().
		Str("session", sessionID).
		Str("client", handle.ClientID).
		Str("role", string(handle.Role)).
		Msg("websocket connection established")

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go c.WritePump()
	c.ReadPump(ctx)

	if err := h.manager.Leave(context.WithoutCancel(ctx), handle.ID); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("handle", handle.ID).Msg("leave after disconnect")
	}
}
