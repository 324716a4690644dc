package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"contract-collab/internal/codec"
	"contract-collab/internal/crdt"
	"contract-collab/internal/events"
	"contract-collab/internal/middleware"
	"contract-collab/internal/models"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/presence"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
)

// ErrInvalidInput is returned for malformed requests.
var ErrInvalidInput = errors.New("invalid input")

// Identity is who is joining and with which client.
type Identity struct {
	Author models.Author
	// Role is the role asked for. Externals receive the role their
	// token grants and the owner is always owner.
	Role     models.Role
	ClientID string
}

// CursorHandle is one connected client.
type CursorHandle struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	ClientID  string        `json:"client_id"`
	Author    models.Author `json:"author"`
	Role      models.Role   `json:"role"`
	JoinedAt  time.Time     `json:"joined_at"`

	acked atomic.Uint64
}

// Acked returns the highest seq the client has acknowledged.
func (h *CursorHandle) Acked() uint64 {
	return h.acked.Load()
}

// Bootstrap is everything a joining client needs to build its replica:
// the latest snapshot, the operations after it and its own clock.
type Bootstrap struct {
	Session     models.CollabSession `json:"session"`
	Snapshot    *models.Snapshot     `json:"snapshot,omitempty"`
	Operations  []models.Operation   `json:"operations"`
	Seq         uint64               `json:"seq"`
	ClientClock uint64               `json:"client_clock"`
	Text        string               `json:"text"`
	Cursors     []presence.Cursor    `json:"cursors"`
}

// CreateSession opens a draft session over a base version. The base text
// becomes the first snapshot.
func (m *Manager) CreateSession(ctx context.Context, in models.SessionCreate) (*models.CollabSession, error) {
	ctx, span := middleware.StartSpan(ctx, "Sessions.Create", attribute.String("document.id", in.DocumentID))
	defer span.End()

	if in.Owner.Kind != models.AuthorInternal || in.Owner.UserID == "" {
		return nil, fmt.Errorf("%w: sessions are opened by internal users", ErrPermissionDenied)
	}
	if in.DocumentID == "" || in.BaseVersionID == "" {
		return nil, fmt.Errorf("%w: document_id and base_version_id are required", ErrInvalidInput)
	}
	if in.MaxParticipants < 0 {
		return nil, fmt.Errorf("%w: max_participants cannot be negative", ErrInvalidInput)
	}
	max := in.MaxParticipants
	if max == 0 {
		max = m.policy.DefaultMaxParticipants
	}

	s := &models.CollabSession{
		DocumentID:       in.DocumentID,
		BaseVersionID:    in.BaseVersionID,
		WorkingVersionID: in.WorkingVersionID,
		Title:            in.Title,
		Status:           models.StatusDraft,
		CreatedBy:        in.Owner.UserID,
		MaxParticipants:  max,
		Settings:         in.Settings,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	doc := crdt.New()
	if in.BaseText != "" {
		f, err := doc.InsertAt(BaseClient, 0, in.BaseText)
		if err != nil {
			return nil, err
		}
		if err := doc.Apply(f); err != nil {
			return nil, err
		}
	}
	snap, err := newSnapshot(doc, s.ID, 1, models.TriggerMilestone)
	if err != nil {
		return nil, err
	}
	snap.CreatedAt = m.now().UTC()
	if err := m.snaps.CreateSnapshot(ctx, snap); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to store base snapshot: %w", err)
	}

	owner := &models.Participant{
		SessionID: s.ID,
		AuthorKey: in.Owner.Key(),
		Author:    in.Owner,
		Role:      models.RoleOwner,
		JoinedAt:  m.now().UTC(),
	}
	if err := m.sessions.UpsertParticipant(ctx, owner); err != nil {
		return nil, err
	}

	m.log.Info().Str("session", s.ID).Str("document", s.DocumentID).Str("owner", in.Owner.Key()).Msg("session created")
	return s, nil
}

// GetSession returns the session, from memory when it is loaded here.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.CollabSession, error) {
	if sh := m.lookup(id); sh != nil {
		sh.mu.Lock()
		c := *sh.session
		sh.mu.Unlock()
		return &c, nil
	}
	s, err := m.sessions.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// Activate opens a draft session for editing.
func (m *Manager) Activate(ctx context.Context, id string, actor models.Author) (*models.CollabSession, error) {
	return m.transition(ctx, id, actor, models.StatusActive, func(s *models.CollabSession) error {
		if s.Status != models.StatusDraft {
			return fmt.Errorf("%w: %s is not a draft", ErrInvalidTransition, s.ID)
		}
		return nil
	})
}

// Lock stops edits. holderClient, when set, may keep writing.
func (m *Manager) Lock(ctx context.Context, id string, actor models.Author, reason, holderClient string) (*models.CollabSession, error) {
	return m.transition(ctx, id, actor, models.StatusLocked, func(s *models.CollabSession) error {
		now := m.now().UTC()
		s.LockReason = reason
		s.LockHolder = holderClient
		s.LockedBy = actor.Key()
		s.LockedAt = &now
		return nil
	})
}

// Unlock reopens a locked session.
func (m *Manager) Unlock(ctx context.Context, id string, actor models.Author) (*models.CollabSession, error) {
	return m.transition(ctx, id, actor, models.StatusActive, func(s *models.CollabSession) error {
		if s.Status != models.StatusLocked {
			return fmt.Errorf("%w: %s is not locked", ErrInvalidTransition, s.ID)
		}
		s.LockReason, s.LockHolder, s.LockedBy, s.LockedAt = "", "", "", nil
		return nil
	})
}

func (m *Manager) transition(ctx context.Context, id string, actor models.Author, to models.SessionStatus, mutate func(*models.CollabSession) error) (*models.CollabSession, error) {
	ctx, span := middleware.StartSpan(ctx, "Sessions.Transition",
		attribute.String("session.id", id),
		attribute.String("status.to", string(to)),
	)
	defer span.End()

	sh, err := m.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.roleOf(sh, actor).CanResolve() {
		sh.mu.Unlock()
		return nil, fmt.Errorf("%w: %s cannot change session status", ErrPermissionDenied, actor)
	}
	from := sh.session.Status
	if from == models.StatusCompleted {
		sh.mu.Unlock()
		return nil, ErrSessionCompleted
	}
	if !from.CanTransition(to) {
		sh.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	if err := mutate(sh.session); err != nil {
		sh.mu.Unlock()
		return nil, err
	}
	sh.session.Status = to
	sh.sessionDirty = true
	c := *sh.session
	sh.mu.Unlock()

	if err := m.saveSession(ctx, sh); err != nil {
		m.log.Error().Err(err).Str("session", id).Msg("failed to save session, will retry")
		m.pipeline.Schedule(id)
	}
	m.log.Info().Str("session", id).Str("from", string(from)).Str("to", string(to)).Str("actor", actor.Key()).Msg("session status changed")
	m.broadcastSession(c)
	return &c, nil
}

// CompleteOptions tunes Complete.
type CompleteOptions struct {
	// MaterializeVersion creates the next document version from the
	// final state.
	MaterializeVersion bool
}

// Completion is the outcome of completing a session.
type Completion struct {
	Session  models.CollabSession    `json:"session"`
	Snapshot *models.Snapshot        `json:"snapshot"`
	Version  *models.DocumentVersion `json:"version,omitempty"`
}

// Complete freezes the session, takes the final milestone snapshot and
// announces the finalized version. If the snapshot cannot be stored the
// session returns to its previous status.
func (m *Manager) Complete(ctx context.Context, id string, actor models.Author, opts CompleteOptions) (*Completion, error) {
	ctx, span := middleware.StartSpan(ctx, "Sessions.Complete", attribute.String("session.id", id))
	defer span.End()

	sh, err := m.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.roleOf(sh, actor).CanResolve() {
		sh.mu.Unlock()
		return nil, fmt.Errorf("%w: %s cannot complete the session", ErrPermissionDenied, actor)
	}
	prev := sh.session.Status
	if prev == models.StatusCompleted {
		sh.mu.Unlock()
		return nil, ErrSessionCompleted
	}
	if !prev.CanTransition(models.StatusCompleted) {
		sh.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, prev, models.StatusCompleted)
	}
	sh.session.Status = models.StatusCompleted
	sh.pending = make(map[string]map[uint64]*pendingOp)
	sh.mu.Unlock()

	snap, err := m.takeSnapshot(ctx, sh, models.TriggerMilestone)
	if err != nil {
		sh.mu.Lock()
		sh.session.Status = prev
		sh.mu.Unlock()
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("final snapshot failed: %w", err)
	}

	sh.mu.Lock()
	docID, title := sh.session.DocumentID, sh.session.Title
	sh.mu.Unlock()

	var version *models.DocumentVersion
	if opts.MaterializeVersion && m.versions != nil {
		sid := id
		version, err = m.versions.CreateVersion(ctx, &models.DocumentVersionCreate{
			DocumentID:      docID,
			Title:           title,
			Content:         snap.PlainText,
			HTML:            snap.HTML,
			State:           snap.State,
			SourceSessionID: &sid,
		})
		if err != nil {
			m.log.Error().Err(err).Str("session", id).Msg("failed to materialize document version")
			version = nil
		}
	}

	now := m.now().UTC()
	sh.mu.Lock()
	sh.session.CompletedAt = &now
	if version != nil {
		vid := version.ID
		sh.session.FinalVersionID = &vid
	}
	sh.sessionDirty = true
	c := *sh.session
	sh.mu.Unlock()

	if err := m.saveSession(ctx, sh); err != nil {
		m.log.Error().Err(err).Str("session", id).Msg("failed to save completed session, will retry")
		m.pipeline.Schedule(id)
	}

	payload := events.VersionFinalized{
		SessionID:       id,
		FinalStateBytes: snap.State,
		FinalHTML:       snap.HTML,
		VersionNumber:   snap.Version,
		SnapshotVersion: snap.Version,
	}
	if version != nil {
		payload.VersionNumber = int64(version.VersionNumber)
		payload.DocumentVersion = &version.ID
	}
	m.publish(ctx, events.TypeVersionFinalized, id, payload)

	m.log.Info().Str("session", id).Int64("snapshot", snap.Version).Str("actor", actor.Key()).Msg("session completed")
	m.broadcastSession(c)
	return &Completion{Session: c, Snapshot: snap, Version: version}, nil
}

// Join admits a client. An author who is already connected does not
// count against capacity again.
func (m *Manager) Join(ctx context.Context, sessionID string, id Identity) (*CursorHandle, *Bootstrap, error) {
	ctx, span := middleware.StartSpan(ctx, "Sessions.Join",
		attribute.String("session.id", sessionID),
		attribute.String("author", id.Author.Key()),
	)
	defer span.End()

	if err := id.Author.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if id.ClientID == ServerClient || id.ClientID == BaseClient {
		return nil, nil, fmt.Errorf("%w: client id %q is reserved", ErrInvalidInput, id.ClientID)
	}

	sh, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	h, replaced, boot, err := m.joinLocked(sh, id)
	sh.mu.Unlock()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, nil, err
	}

	p := models.Participant{
		SessionID: sessionID,
		AuthorKey: h.Author.Key(),
		Author:    h.Author,
		Role:      h.Role,
		JoinedAt:  h.JoinedAt,
	}
	if err := m.sessions.UpsertParticipant(ctx, &p); err != nil {
		sh.mu.Lock()
		m.detachLocked(sh, h)
		sh.mu.Unlock()
		return nil, nil, err
	}

	m.mu.Lock()
	if replaced != nil {
		delete(m.handles, replaced.ID)
	}
	m.handles[h.ID] = h
	m.mu.Unlock()

	if replaced != nil {
		m.presence.Remove(replaced.ID)
	}
	m.presence.Register(sessionID, h.ID, h.ClientID, h.Author)
	boot.Cursors = m.presence.List(sessionID)

	m.log.Info().Str("session", sessionID).Str("client", h.ClientID).Str("author", h.Author.Key()).Str("role", string(h.Role)).Msg("client joined")
	return h, boot, nil
}

func (m *Manager) joinLocked(sh *shard, id Identity) (h, replaced *CursorHandle, boot *Bootstrap, err error) {
	if sh.session.Status == models.StatusCompleted {
		return nil, nil, nil, ErrSessionCompleted
	}
	if id.Author.Kind == models.AuthorExternal && !sh.session.Settings.AllowExternalEdits {
		return nil, nil, nil, ErrExternalNotAllowed
	}

	key := id.Author.Key()
	entry := sh.roster[key]
	if !entry.active() && sh.session.MaxParticipants > 0 && sh.activeParticipants() >= sh.session.MaxParticipants {
		return nil, nil, nil, fmt.Errorf("%w: %d of %d", ErrCapacityExceeded, sh.activeParticipants(), sh.session.MaxParticipants)
	}

	clientID := id.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if old, ok := sh.clients[clientID]; ok {
		if old.Author.Key() != key {
			return nil, nil, nil, fmt.Errorf("%w: client id %s is in use", ErrPermissionDenied, clientID)
		}
		replaced = old
		m.detachLocked(sh, old)
		entry = sh.roster[key]
	}

	h = &CursorHandle{
		ID:        xid.New().String(),
		SessionID: sh.id,
		ClientID:  clientID,
		Author:    id.Author,
		Role:      m.admitRole(sh, id, entry),
		JoinedAt:  m.now().UTC(),
	}
	if entry == nil {
		entry = &rosterEntry{clients: make(map[string]*CursorHandle)}
		sh.roster[key] = entry
	}
	entry.participant.SessionID = sh.id
	entry.participant.AuthorKey = key
	entry.participant.Author = id.Author
	entry.participant.Role = h.Role
	entry.participant.JoinedAt = h.JoinedAt
	entry.participant.LeftAt = nil
	entry.clients[clientID] = h
	sh.clients[clientID] = h
	sh.lastActive = m.now()

	boot = &Bootstrap{
		Session:     *sh.session,
		Snapshot:    sh.latest,
		Seq:         sh.seq,
		ClientClock: sh.doc.Clock(clientID),
		Text:        sh.doc.Text(),
	}
	var after uint64
	if sh.latest != nil {
		after = sh.latest.LastOperationSeq
	}
	boot.Operations = sh.tailAfter(after)
	return h, replaced, boot, nil
}

// admitRole decides the role a joining author receives.
func (m *Manager) admitRole(sh *shard, id Identity, entry *rosterEntry) models.Role {
	switch id.Author.Kind {
	case models.AuthorInternal:
		if id.Author.UserID == sh.session.CreatedBy {
			return models.RoleOwner
		}
		switch id.Role {
		case models.RoleEditor, models.RoleCommenter:
			return id.Role
		}
		if entry != nil && entry.participant.Role.Valid() && entry.participant.Role != models.RoleOwner {
			return entry.participant.Role
		}
		return models.RoleEditor
	case models.AuthorExternal:
		if id.Role == models.RoleCommenter {
			return models.RoleCommenter
		}
		return models.RoleExternalReviewer
	}
	return models.RoleEditor
}

// detachLocked removes a client from the shard and reports whether its
// author has no clients left.
func (m *Manager) detachLocked(sh *shard, h *CursorHandle) bool {
	if sh.clients[h.ClientID] == h {
		delete(sh.clients, h.ClientID)
		delete(sh.pending, h.ClientID)
	}
	entry := sh.roster[h.Author.Key()]
	if entry == nil {
		return true
	}
	if entry.clients[h.ClientID] == h {
		delete(entry.clients, h.ClientID)
	}
	return len(entry.clients) == 0
}

// Handle returns a connected client.
func (m *Manager) Handle(handleID string) (*CursorHandle, error) {
	m.mu.Lock()
	h, ok := m.handles[handleID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}
	return h, nil
}

// Leave disconnects a client. The participant is marked as left once
// its last client is gone.
func (m *Manager) Leave(ctx context.Context, handleID string) error {
	m.mu.Lock()
	h, ok := m.handles[handleID]
	delete(m.handles, handleID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}
	m.presence.Remove(handleID)

	sh := m.lookup(h.SessionID)
	if sh == nil {
		return nil
	}
	sh.mu.Lock()
	last := m.detachLocked(sh, h)
	if last {
		now := m.now().UTC()
		if e := sh.roster[h.Author.Key()]; e != nil {
			e.participant.LeftAt = &now
		}
	}
	sh.lastActive = m.now()
	sh.mu.Unlock()

	if last {
		if err := m.sessions.MarkParticipantLeft(ctx, h.SessionID, h.Author.Key(), m.now().UTC()); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	m.log.Info().Str("session", h.SessionID).Str("client", h.ClientID).Bool("last", last).Msg("client left")
	return nil
}

// UpdateCursor records a client's selection.
func (m *Manager) UpdateCursor(handleID string, u presence.CursorUpdate) (presence.Cursor, error) {
	if _, err := m.Handle(handleID); err != nil {
		return presence.Cursor{}, err
	}
	return m.presence.UpdateCursor(handleID, u)
}

// Participants lists the session roster with live connection counts.
func (m *Manager) Participants(ctx context.Context, sessionID string) ([]ParticipantInfo, error) {
	sh, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer sh.mu.Unlock()
	out := make([]ParticipantInfo, 0, len(sh.roster))
	for _, e := range sh.roster {
		out = append(out, ParticipantInfo{Participant: e.participant, Clients: len(e.clients)})
	}
	sortParticipants(out)
	return out, nil
}

// ParticipantInfo is a roster entry plus its connected client count.
type ParticipantInfo struct {
	models.Participant
	Clients int `json:"clients"`
}

func sortParticipants(ps []ParticipantInfo) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].AuthorKey < ps[j].AuthorKey
	})
}

// newSnapshot materializes doc into an unsaved snapshot row.
func newSnapshot(doc *crdt.Document, sessionID string, version int64, trigger models.SnapshotTrigger) (*models.Snapshot, error) {
	state, err := codec.EncodeState(doc)
	if err != nil {
		return nil, err
	}
	vv, err := codec.VersionVector(doc)
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{
		SessionID:     sessionID,
		Version:       version,
		State:         state,
		VersionVector: vv,
		Trigger:       trigger,
		ByteSize:      len(state),
		PlainText:     doc.Text(),
		HTML:          RenderHTML(doc),
	}, nil
}
