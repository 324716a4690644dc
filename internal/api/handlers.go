package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"contract-collab/internal/crdt"
	"contract-collab/internal/models"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/collaboration"
	"contract-collab/internal/services/presence"
	"contract-collab/internal/services/redline"

	"github.com/gorilla/mux"
)

const (
	defaultOpsLimit = 500
	maxOpsLimit     = 5000
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	manager   *collaboration.Manager
	redlines  RedlineService
	assistant AssistantService // nil when no LLM is configured
	tokens    TokenStore
	auth      *Auth
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(
	manager *collaboration.Manager,
	redlines RedlineService,
	assistant AssistantService,
	tokens TokenStore,
	hub *collaboration.Hub,
	allowOrigin func(origin string) bool,
) *Handler {
	auth := NewAuth(tokens)
	return &Handler{
		manager:   manager,
		redlines:  redlines,
		assistant: assistant,
		tokens:    tokens,
		auth:      auth,
		wsHandler: collaboration.NewWebSocketHandler(manager, hub, auth.Identify, writeError, allowOrigin),
	}
}

// caller resolves the request's author or writes a 401.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (models.Author, models.Role, bool) {
	author, role, err := h.auth.Identify(r)
	if err != nil {
		writeError(w, r, err)
		return models.Author{}, "", false
	}
	return author, role, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// Session handlers

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	var in models.SessionCreate
	if !decode(w, r, &in) {
		return
	}
	in.Owner = author

	s, err := h.manager.CreateSession(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	s, err := h.manager.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) ActivateSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	s, err := h.manager.Activate(r.Context(), mux.Vars(r)["id"], author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type lockRequest struct {
	Reason       string `json:"reason"`
	HolderClient string `json:"holder_client,omitempty"`
}

func (h *Handler) LockSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.manager.Lock(r.Context(), mux.Vars(r)["id"], author, req.Reason, req.HolderClient)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) UnlockSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	s, err := h.manager.Unlock(r.Context(), mux.Vars(r)["id"], author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type completeRequest struct {
	MaterializeVersion bool `json:"materialize_version"`
}

// CompleteSession freezes the session regardless of open suggestions.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	c, err := h.manager.Complete(r.Context(), mux.Vars(r)["id"], author, collaboration.CompleteOptions{MaterializeVersion: req.MaterializeVersion})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// FinalizeSession completes the session once every suggestion is resolved.
func (h *Handler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	f, err := h.redlines.Finalize(r.Context(), mux.Vars(r)["id"], author, collaboration.CompleteOptions{MaterializeVersion: req.MaterializeVersion})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type documentResponse struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Text      string `json:"text"`
	HTML      string `json:"html,omitempty"`
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	id := mux.Vars(r)["id"]
	resp := documentResponse{SessionID: id}
	withHTML := r.URL.Query().Get("format") == "html"
	err := h.manager.View(r.Context(), id, func(doc *crdt.Document, _ models.CollabSession) error {
		resp.Text = doc.Text()
		if withHTML {
			resp.HTML = collaboration.RenderHTML(doc)
		}
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, resp.Seq, err = h.manager.Document(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Participant handlers

type joinRequest struct {
	ClientID string      `json:"client_id"`
	Role     models.Role `json:"role,omitempty"`
}

type joinResponse struct {
	Handle    *collaboration.CursorHandle `json:"handle"`
	Bootstrap *collaboration.Bootstrap    `json:"bootstrap"`
}

func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	author, tokenRole, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	role := req.Role
	if tokenRole != "" {
		role = tokenRole
	}
	handle, boot, err := h.manager.Join(r.Context(), mux.Vars(r)["id"], collaboration.Identity{
		Author:   author,
		Role:     role,
		ClientID: req.ClientID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{Handle: handle, Bootstrap: boot})
}

// ownHandle loads the handle in the path and checks that the caller owns it.
func (h *Handler) ownHandle(w http.ResponseWriter, r *http.Request) (*collaboration.CursorHandle, bool) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return nil, false
	}
	handle, err := h.manager.Handle(mux.Vars(r)["handle"])
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if handle.Author.Key() != author.Key() {
		writeError(w, r, fmt.Errorf("%w: handle belongs to another participant", collaboration.ErrPermissionDenied))
		return nil, false
	}
	return handle, true
}

func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.ownHandle(w, r)
	if !ok {
		return
	}
	if err := h.manager.Leave(r.Context(), handle.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdateCursor(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.ownHandle(w, r)
	if !ok {
		return
	}
	var u presence.CursorUpdate
	if !decode(w, r, &u) {
		return
	}
	c, err := h.manager.UpdateCursor(handle.ID, u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type ackRequest struct {
	Seq uint64 `json:"seq"`
}

func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.ownHandle(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.manager.Ack(r.Context(), handle.ID, req.Seq); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	ps, err := h.manager.Participants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": ps})
}

func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cursors": h.manager.Presence().List(mux.Vars(r)["id"])})
}

// Operation log handlers

type appendResponse struct {
	Applied  []models.Operation `json:"applied"`
	Buffered bool               `json:"buffered"`
}

// AppendOperation is the HTTP fallback for clients that cannot hold a
// websocket. The client must have joined first.
func (h *Handler) AppendOperation(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	var req collaboration.AppendRequest
	if !decode(w, r, &req) {
		return
	}
	req.SessionID = mux.Vars(r)["id"]
	res, err := h.manager.Append(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Buffered {
		status = http.StatusAccepted
	}
	writeJSON(w, status, appendResponse{Applied: res.Applied, Buffered: res.Buffered})
}

func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	since, err := queryUint(r, "since", 0)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultOpsLimit)
	if err != nil || limit < 1 {
		badRequest(w, r, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxOpsLimit)

	ops := make([]models.Operation, 0)
	more := false
	for op, err := range h.manager.OperationsSince(r.Context(), mux.Vars(r)["id"], since) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		if len(ops) == limit {
			more = true
			break
		}
		ops = append(ops, op)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"since":      since,
		"more":       more,
	})
}

func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	changes, err := h.manager.ChangeSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (h *Handler) UndoChange(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	ops, err := h.manager.Undo(r.Context(), vars["id"], author, vars["batch"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// Snapshot handlers

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	snaps, err := h.manager.ListSnapshots(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

type snapshotTextResponse struct {
	Snapshot *models.Snapshot `json:"snapshot"`
	Text     string           `json:"text"`
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	version, err := strconv.ParseInt(vars["version"], 10, 64)
	if err != nil {
		badRequest(w, r, "version must be an integer")
		return
	}
	snap, doc, err := h.manager.SnapshotDocument(r.Context(), vars["id"], version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotTextResponse{Snapshot: snap, Text: doc.Text()})
}

// requireResolver rejects callers who cannot manage the session.
func (h *Handler) requireResolver(w http.ResponseWriter, r *http.Request, author models.Author) bool {
	role, err := h.manager.ParticipantRole(r.Context(), mux.Vars(r)["id"], author)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !role.CanResolve() {
		writeError(w, r, fmt.Errorf("%w: %s cannot manage snapshots", collaboration.ErrPermissionDenied, author))
		return false
	}
	return true
}

func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok || !h.requireResolver(w, r, author) {
		return
	}
	snap, err := h.manager.Snapshot(r.Context(), mux.Vars(r)["id"], models.TriggerManual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) CompactSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok || !h.requireResolver(w, r, author) {
		return
	}
	n, err := h.manager.Compact(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

type revertRequest struct {
	Version int64 `json:"version"`
}

func (h *Handler) RevertSession(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok || !h.requireResolver(w, r, author) {
		return
	}
	var req revertRequest
	if !decode(w, r, &req) {
		return
	}
	ops, err := h.manager.RevertTo(r.Context(), mux.Vars(r)["id"], author, req.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// External token handlers

type tokenRequest struct {
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Role      models.Role `json:"role"`
	ExpiresIn string      `json:"expires_in,omitempty"`
}

type tokenResponse struct {
	Token  string                      `json:"token"`
	Record *models.ExternalAccessToken `json:"record"`
}

// CreateToken issues a capability token for a counterparty. The raw
// token is returned once and never stored.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	sessionID := mux.Vars(r)["id"]
	role, err := h.manager.ParticipantRole(r.Context(), sessionID, author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if role != models.RoleOwner {
		writeError(w, r, fmt.Errorf("%w: only the owner invites external reviewers", collaboration.ErrPermissionDenied))
		return
	}

	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		badRequest(w, r, "email is required")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleExternalReviewer
	}
	if req.Role != models.RoleExternalReviewer && req.Role != models.RoleCommenter {
		badRequest(w, r, "role must be external_reviewer or commenter")
		return
	}

	raw, hash, err := NewToken()
	if err != nil {
		writeError(w, r, err)
		return
	}
	t := &models.ExternalAccessToken{
		SessionID: sessionID,
		TokenHash: hash,
		Email:     req.Email,
		Name:      req.Name,
		Role:      req.Role,
		CreatedBy: author.Key(),
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			badRequest(w, r, "expires_in must be a positive duration")
			return
		}
		at := time.Now().UTC().Add(d)
		t.ExpiresAt = &at
	}
	if err := h.tokens.CreateToken(r.Context(), t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: raw, Record: t})
}

func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	sid := mux.Vars(r)["id"]
	role, err := h.manager.ParticipantRole(r.Context(), sid, author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if role != models.RoleOwner {
		writeError(w, r, fmt.Errorf("%w: only the owner revokes tokens", collaboration.ErrPermissionDenied))
		return
	}
	if err := h.tokens.RevokeToken(r.Context(), sid, mux.Vars(r)["token"], time.Now().UTC()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Redline handlers

func (h *Handler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	q := r.URL.Query()
	f := repository.SuggestionFilter{
		Status: models.SuggestionStatus(q.Get("status")),
		Kind:   models.SuggestionKind(q.Get("kind")),
	}
	list, err := h.redlines.List(r.Context(), mux.Vars(r)["id"], f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": list})
}

type proposeRequest struct {
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
	Content string `json:"content"`
	Note    string `json:"note,omitempty"`
}

func (h *Handler) ProposeSuggestion(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if !decode(w, r, &req) {
		return
	}
	sg, err := h.redlines.Propose(r.Context(), redline.Proposal{
		SessionID: mux.Vars(r)["id"],
		Offset:    req.Offset,
		Length:    req.Length,
		Content:   req.Content,
		Note:      req.Note,
		Author:    author,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sg)
}

type diffRequest struct {
	Ranges []redline.DiffRange `json:"ranges"`
}

func (h *Handler) ImportDiff(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req diffRequest
	if !decode(w, r, &req) {
		return
	}
	list, err := h.redlines.ProposeFromExternalDiff(r.Context(), mux.Vars(r)["id"], author, req.Ranges)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"suggestions": list})
}

type commentRequest struct {
	ParentID string `json:"parent_id,omitempty"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	Body     string `json:"body"`
}

func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req commentRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.redlines.Comment(r.Context(), redline.CommentInput{
		SessionID: mux.Vars(r)["id"],
		ParentID:  req.ParentID,
		Offset:    req.Offset,
		Length:    req.Length,
		Body:      req.Body,
		Author:    author,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) RemapSuggestions(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	mappings, err := h.redlines.Remap(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	audits, err := h.redlines.Audits(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) readReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req reasonRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return "", false
	}
	return req.Reason, true
}

func (h *Handler) resolve(decision redline.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		author, _, ok := h.caller(w, r)
		if !ok {
			return
		}
		reason, ok := h.readReason(w, r)
		if !ok {
			return
		}
		res, err := h.redlines.Resolve(r.Context(), mux.Vars(r)["suggestion"], decision, author, reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) WithdrawSuggestion(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	reason, ok := h.readReason(w, r)
	if !ok {
		return
	}
	sg, err := h.redlines.Withdraw(r.Context(), mux.Vars(r)["suggestion"], author, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (h *Handler) EscalateSuggestion(w http.ResponseWriter, r *http.Request) {
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	reason, ok := h.readReason(w, r)
	if !ok {
		return
	}
	sg, err := h.redlines.Escalate(r.Context(), mux.Vars(r)["suggestion"], author, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// Assistant handlers

func (h *Handler) requireAssistant(w http.ResponseWriter, r *http.Request) bool {
	if h.assistant == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "assistant is not configured", Code: collaboration.CodeUnavailable})
		return false
	}
	return true
}

type assistRequest struct {
	Instruction string `json:"instruction"`
}

func (h *Handler) AssistantSuggest(w http.ResponseWriter, r *http.Request) {
	if !h.requireAssistant(w, r) {
		return
	}
	author, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	sessionID := mux.Vars(r)["id"]
	role, err := h.manager.ParticipantRole(r.Context(), sessionID, author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !role.CanEdit() {
		writeError(w, r, fmt.Errorf("%w: %s cannot request suggestions", collaboration.ErrPermissionDenied, author))
		return
	}
	var req assistRequest
	if !decode(w, r, &req) {
		return
	}
	list, err := h.assistant.Suggest(r.Context(), sessionID, req.Instruction, author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"suggestions": list})
}

func (h *Handler) AssistantSummary(w http.ResponseWriter, r *http.Request) {
	if !h.requireAssistant(w, r) {
		return
	}
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	maxWords, err := queryInt(r, "max_words", 150)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	summary, err := h.assistant.Summarize(r.Context(), mux.Vars(r)["id"], maxWords)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (h *Handler) AssistantKeyTerms(w http.ResponseWriter, r *http.Request) {
	if !h.requireAssistant(w, r) {
		return
	}
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	count, err := queryInt(r, "count", 10)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	terms, err := h.assistant.KeyTerms(r.Context(), mux.Vars(r)["id"], count)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terms": terms})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
