package collaboration

import (
	"errors"

	"contract-collab/internal/codec"
	"contract-collab/internal/models"
	"contract-collab/internal/services/presence"
)

// Client → server message types.
const (
	MsgAppend = "append"
	MsgAck    = "ack"
	MsgCursor = "cursor"
	MsgSync   = "sync"
	MsgLeave  = "leave"
)

// Server → client message types.
const (
	MsgWelcome  = "welcome"
	MsgApplied  = "applied"
	MsgBuffered = "buffered"
	MsgNack     = "nack"
	MsgOps      = "ops"
	MsgPresence = "presence"
	MsgSession  = "session"
	MsgError    = "error"
)

// ClientMessage is one frame sent by an editor. Ref is echoed in the
// reply so clients can match answers to requests.
type ClientMessage struct {
	Type   string                 `json:"type"`
	Ref    string                 `json:"ref,omitempty"`
	Op     *AppendRequest         `json:"op,omitempty"`
	Seq    uint64                 `json:"seq,omitempty"`
	Cursor *presence.CursorUpdate `json:"cursor,omitempty"`
}

// ServerMessage is one frame sent to an editor.
type ServerMessage struct {
	Type      string                `json:"type"`
	Ref       string                `json:"ref,omitempty"`
	HandleID  string                `json:"handle_id,omitempty"`
	ClientID  string                `json:"client_id,omitempty"`
	Bootstrap *Bootstrap            `json:"bootstrap,omitempty"`
	Ops       []models.Operation    `json:"ops,omitempty"`
	Seq       uint64                `json:"seq,omitempty"`
	Presence  *presence.Update      `json:"presence,omitempty"`
	Session   *models.CollabSession `json:"session,omitempty"`
	Code      string                `json:"code,omitempty"`
	Error     string                `json:"error,omitempty"`
	Resync    bool                  `json:"resync,omitempty"`
	LastSeen  uint64                `json:"last_seen,omitempty"`
}

// Error codes shared by the websocket protocol and the HTTP API.
const (
	CodeOutOfOrder       = "out_of_order"
	CodeSessionLocked    = "session_locked"
	CodeSessionCompleted = "session_completed"
	CodeSessionInactive  = "session_not_active"
	CodeNotFound         = "not_found"
	CodeDecode           = "decode_error"
	CodeCapacity         = "capacity_exceeded"
	CodeExternal         = "external_not_allowed"
	CodePermission       = "permission_denied"
	CodeInvalid          = "invalid"
	CodeTransition       = "invalid_transition"
	CodeCompacted        = "cursor_compacted"
	CodeNotOwner         = "not_owner"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	var de *codec.DecodeError
	switch {
	case errors.Is(err, ErrOutOfOrderOperation):
		return CodeOutOfOrder
	case errors.Is(err, ErrSessionLocked):
		return CodeSessionLocked
	case errors.Is(err, ErrSessionCompleted):
		return CodeSessionCompleted
	case errors.Is(err, ErrSessionNotActive):
		return CodeSessionInactive
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrUnknownHandle),
		errors.Is(err, ErrBatchNotFound):
		return CodeNotFound
	case errors.As(err, &de):
		return CodeDecode
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacity
	case errors.Is(err, ErrExternalNotAllowed):
		return CodeExternal
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUnknownClient):
		return CodePermission
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNothingToUndo):
		return CodeInvalid
	case errors.Is(err, ErrInvalidTransition):
		return CodeTransition
	case errors.Is(err, ErrCursorCompacted):
		return CodeCompacted
	case errors.Is(err, ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, ErrShuttingDown):
		return CodeUnavailable
	}
	return CodeInternal
}

// nack builds the reply for a rejected request.
func nack(ref string, err error) ServerMessage {
	msg := ServerMessage{Type: MsgNack, Ref: ref, Code: ErrorCode(err), Error: err.Error()}
	var ooo *OutOfOrderError
	if errors.As(err, &ooo) {
		msg.Resync = ooo.Resync
		msg.LastSeen = ooo.LastSeen
	}
	if errors.Is(err, ErrCursorCompacted) {
		msg.Resync = true
	}
	return msg
}
