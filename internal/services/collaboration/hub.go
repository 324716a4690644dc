package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"contract-collab/internal/logging"
	"contract-collab/internal/middleware"
	"contract-collab/internal/models"
	"contract-collab/internal/services/presence"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET HUB

The hub fans messages out to the connections of a session room.

Key Concepts:
1. **sync.RWMutex**: Read-write lock for concurrent safe map access
2. **Rooms**: One set of connections per session
3. **Broadcast Pattern**: Send message to all connections in a room
4. **Slow clients**: A broadcast that finds the send buffer full closes
   the connection; the client reconnects and catches up from its last
   acked seq. Replies to the client's own requests (sync pages included)
   wait for buffer space instead, until the connection goes away.
5. **Send is never closed**: quit signals the end of a connection, so a
   sender blocked on a full buffer can always be released

The hub never touches the document. It implements Broadcaster for the
manager and presence.Broadcaster for the tracker, so merged operations and
cursor moves reach every editor without the core knowing about sockets.
*/

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Hub manages the websocket connections of every session on this node.
type Hub struct {
	rooms      map[string]map[*Conn]bool // sessionID -> set of connections
	register   chan *Conn
	unregister chan *Conn
	broadcast  chan *broadcastMessage
	mu         sync.RWMutex

	log  zerolog.Logger
	done chan struct{}
	once sync.Once
}

// Conn is one editor connection.
type Conn struct {
	ws      *websocket.Conn
	Send    chan []byte // buffered outbound frames
	hub     *Hub
	manager *Manager
	handle  *CursorHandle

	quit     chan struct{}
	stopOnce sync.Once
}

// errConnClosed is returned to a sender whose connection went away.
var errConnClosed = errors.New("connection closed")

func newConn(ws *websocket.Conn, hub *Hub, manager *Manager, handle *CursorHandle) *Conn {
	return &Conn{
		ws:      ws,
		Send:    make(chan []byte, sendBuffer),
		hub:     hub,
		manager: manager,
		handle:  handle,
		quit:    make(chan struct{}),
	}
}

// stop ends the connection's write side. Safe to call more than once.
func (c *Conn) stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

type broadcastMessage struct {
	sessionID string
	message   []byte
	skip      string // client id that already has the message
}

// NewHub creates a hub. Start must be called before use.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan *broadcastMessage, sendBuffer),
		log:        logging.Component("hub"),
		done:       make(chan struct{}),
	}
}

// Start begins the hub event loop.
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case c := <-h.register:
				h.handleRegister(c)
			case c := <-h.unregister:
				h.handleUnregister(c)
			case msg := <-h.broadcast:
				h.handleBroadcast(msg)
			}
		}
	}()
	h.log.Info().Msg("websocket hub started")
}

func (h *Hub) handleRegister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[c.handle.SessionID]
	if room == nil {
		room = make(map[*Conn]bool)
		h.rooms[c.handle.SessionID] = room
	}
	room[c] = true
	h.log.Debug().Str("session", c.handle.SessionID).Str("client", c.handle.ClientID).Int("connections", len(room)).Msg("connection registered")
}

func (h *Hub) handleUnregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked drops c from its room and stops it. Callers hold h.mu.
func (h *Hub) removeLocked(c *Conn) {
	room, ok := h.rooms[c.handle.SessionID]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	c.stop()
	if len(room) == 0 {
		delete(h.rooms, c.handle.SessionID)
	}
	h.log.Debug().Str("session", c.handle.SessionID).Str("client", c.handle.ClientID).Int("remaining", len(room)).Msg("connection removed")
}

func (h *Hub) handleBroadcast(msg *broadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[msg.sessionID] {
		if msg.skip != "" && c.handle.ClientID == msg.skip {
			continue
		}
		select {
		case c.Send <- msg.message:
		default:
			h.log.Warn().Str("session", msg.sessionID).Str("client", c.handle.ClientID).Msg("send buffer full, closing connection")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) enqueue(sessionID string, v any, skip string) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode broadcast")
		return
	}
	select {
	case h.broadcast <- &broadcastMessage{sessionID: sessionID, message: data, skip: skip}:
	case <-h.done:
	default:
		h.log.Warn().Str("session", sessionID).Msg("broadcast queue full, dropping message")
	}
}

// OperationsApplied sends merged operations to every connection except
// the one that authored them.
func (h *Hub) OperationsApplied(sessionID string, ops []models.Operation) {
	start := 0
	for i := 1; i <= len(ops); i++ {
		if i < len(ops) && ops[i].ClientID == ops[start].ClientID {
			continue
		}
		run := ops[start:i]
		h.enqueue(sessionID, ServerMessage{Type: MsgOps, Ops: run, Seq: run[len(run)-1].Seq}, run[0].ClientID)
		start = i
	}
}

// SessionChanged tells every connection about a status change.
func (h *Hub) SessionChanged(s models.CollabSession) {
	h.enqueue(s.ID, ServerMessage{Type: MsgSession, Session: &s}, "")
}

// BroadcastPresence relays a cursor change.
func (h *Hub) BroadcastPresence(sessionID string, u presence.Update) {
	h.enqueue(sessionID, ServerMessage{Type: MsgPresence, Presence: &u}, u.Cursor.ClientID)
}

// Connections returns the number of open connections in a session.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, room := range h.rooms {
			for c := range room {
				c.stop()
				_ = c.ws.Close()
			}
		}
		h.rooms = make(map[string]map[*Conn]bool)
		h.log.Info().Msg("websocket hub stopped")
	})
}

// send queues a direct reply to c.
func (c *Conn) send(msg ServerMessage) {
	_ = c.deliver(context.Background(), msg)
}

// deliver queues msg, waiting for buffer space while the connection is
// open. It fails once the connection stops, the hub shuts down or ctx
// ends; nothing is dropped silently.
func (c *Conn) deliver(ctx context.Context, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.Send <- data:
		return nil
	case <-c.quit:
		return errConnClosed
	case <-c.hub.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadPump reads client frames until the connection closes.
// Learning: Each connection has its own goroutine reading from the socket
func (c *Conn) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.manager.Presence().Touch(c.handle.ID)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("client", c.handle.ClientID).Msg("websocket read error")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(ServerMessage{Type: MsgError, Code: CodeInvalid, Error: "malformed message"})
			continue
		}
		if msg.Type == MsgLeave {
			return
		}
		c.process(ctx, msg)
	}
}

func (c *Conn) process(ctx context.Context, msg ClientMessage) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", c.handle.SessionID),
		attribute.String("client.id", c.handle.ClientID),
		attribute.String("message.type", msg.Type),
	)
	defer span.End()

	switch msg.Type {
	case MsgAppend:
		if msg.Op == nil {
			c.send(ServerMessage{Type: MsgError, Ref: msg.Ref, Code: CodeInvalid, Error: "append without op"})
			return
		}
		req := *msg.Op
		req.SessionID = c.handle.SessionID
		req.ClientID = c.handle.ClientID
		res, err := c.manager.Append(ctx, req)
		if err != nil {
			c.send(nack(msg.Ref, err))
			return
		}
		if res.Buffered {
			c.send(ServerMessage{Type: MsgBuffered, Ref: msg.Ref})
			return
		}
		c.send(ServerMessage{Type: MsgApplied, Ref: msg.Ref, Ops: res.Applied, Seq: res.Applied[len(res.Applied)-1].Seq})

	case MsgAck:
		if err := c.manager.Ack(ctx, c.handle.ID, msg.Seq); err != nil {
			c.send(nack(msg.Ref, err))
		}

	case MsgCursor:
		if msg.Cursor == nil {
			return
		}
		if _, err := c.manager.UpdateCursor(c.handle.ID, *msg.Cursor); err != nil {
			c.send(nack(msg.Ref, err))
		}

	case MsgSync:
		c.sync(ctx, msg)
		// A long catch-up holds up reads, pongs included.
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

	default:
		c.send(ServerMessage{Type: MsgError, Ref: msg.Ref, Code: CodeInvalid, Error: "unknown message type " + msg.Type})
	}
}

// syncPage is the number of operations per ops frame during a sync.
const syncPage = 64

// sync streams the operations after msg.Seq in pages. Each page waits for
// room in the send buffer, so a long catch-up is paced by the client
// instead of overflowing it. It returns the last seq delivered.
func (c *Conn) sync(ctx context.Context, msg ClientMessage) uint64 {
	delivered := msg.Seq
	page := make([]models.Operation, 0, syncPage)
	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		last := page[len(page)-1].Seq
		if err := c.deliver(ctx, ServerMessage{Type: MsgOps, Ref: msg.Ref, Ops: page, Seq: last}); err != nil {
			return err
		}
		delivered = last
		page = make([]models.Operation, 0, syncPage)
		return nil
	}
	for op, err := range c.manager.OperationsSince(ctx, c.handle.SessionID, msg.Seq) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				_ = c.deliver(ctx, nack(msg.Ref, err))
			}
			return delivered
		}
		page = append(page, op)
		if len(page) == syncPage {
			if err := flush(); err != nil {
				c.hub.log.Debug().Err(err).Str("client", c.handle.ClientID).Uint64("delivered", delivered).Msg("sync interrupted")
				return delivered
			}
		}
	}
	if err := flush(); err != nil {
		c.hub.log.Debug().Err(err).Str("client", c.handle.ClientID).Uint64("delivered", delivered).Msg("sync interrupted")
	}
	return delivered
}

// WritePump writes queued frames and keeps the connection alive.
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.quit:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
