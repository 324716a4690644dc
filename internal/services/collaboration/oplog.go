package collaboration

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"unicode/utf8"

	"contract-collab/internal/codec"
	"contract-collab/internal/crdt"
	"contract-collab/internal/middleware"
	"contract-collab/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

// AppendRequest is one client operation as it arrives off the wire.
type AppendRequest struct {
	SessionID string              `json:"session_id"`
	ClientID  string              `json:"client_id"`
	Clock     uint64              `json:"clock"`
	Kind      crdt.Kind           `json:"kind"`
	Fragment  codec.OpaquePayload `json:"fragment"`
	BatchID   string              `json:"batch_id,omitempty"`
	BatchSeq  int                 `json:"batch_seq,omitempty"`
	BatchEnd  bool                `json:"batch_end,omitempty"`
	Range     *Range              `json:"range,omitempty"`
}

// AppendResult reports what an append did. Applied holds the operation
// itself followed by any buffered operations it released. Buffered is set
// when the operation is waiting for an earlier clock.
type AppendResult struct {
	Applied  []models.Operation
	Buffered bool
}

// Append validates and merges one client operation.
func (m *Manager) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	ctx, span := middleware.StartSpan(ctx, "OperationLog.Append",
		attribute.String("session.id", req.SessionID),
		attribute.String("client.id", req.ClientID),
		attribute.Int64("clock", int64(req.Clock)),
	)
	defer span.End()

	sh, err := m.acquire(ctx, req.SessionID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	res, err := m.appendLocked(sh, req)
	sh.mu.Unlock()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	m.afterCommit(sh, res.Applied)
	return res, nil
}

func (m *Manager) appendLocked(sh *shard, req AppendRequest) (*AppendResult, error) {
	h, ok := sh.clients[req.ClientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, req.ClientID)
	}
	if err := m.checkWritable(sh, req.ClientID); err != nil {
		return nil, err
	}
	if !h.Role.CanEdit() {
		return nil, fmt.Errorf("%w: %s cannot edit", ErrPermissionDenied, h.Role)
	}

	frag, err := codec.DecodeFragment(req.Fragment)
	if err != nil {
		return nil, err
	}
	if err := frag.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if req.Kind != "" && req.Kind != frag.Kind {
		return nil, fmt.Errorf("%w: declared %s, fragment is %s", ErrInvalidOperation, req.Kind, frag.Kind)
	}
	if a := frag.Author(); a != "" && a != req.ClientID {
		return nil, fmt.Errorf("%w: fragment ids belong to %s", ErrInvalidOperation, a)
	}

	// A resend of an applied operation is reported by clock, not by id.
	last := sh.doc.Clock(req.ClientID)
	if req.Clock <= last {
		return nil, &OutOfOrderError{ClientID: req.ClientID, Clock: req.Clock, LastSeen: last}
	}
	if frag.Kind == crdt.KindInsert && sh.doc.Contains(frag.Insert.Start) {
		return nil, fmt.Errorf("%w: id %s already exists", ErrInvalidOperation, frag.Insert.Start)
	}

	in := opInput{
		clientID: req.ClientID,
		clock:    req.Clock,
		frag:     frag,
		payload:  req.Fragment,
		batchID:  req.BatchID,
		batchSeq: req.BatchSeq,
		batchEnd: req.BatchEnd,
		rng:      req.Range,
		author:   h.Author,
	}

	if req.Clock > last+1 {
		return m.buffer(sh, in, last)
	}

	op, err := m.commit(sh, in)
	if err != nil {
		return nil, err
	}
	applied := append([]models.Operation{op}, m.drainPending(sh, req.ClientID)...)
	return &AppendResult{Applied: applied}, nil
}

// buffer holds an operation that arrived ahead of its client's clock.
func (m *Manager) buffer(sh *shard, in opInput, last uint64) (*AppendResult, error) {
	queue := sh.pending[in.clientID]
	if _, dup := queue[in.clock]; dup {
		return &AppendResult{Buffered: true}, nil
	}
	if len(queue) >= m.policy.MaxBufferedPerClient {
		delete(sh.pending, in.clientID)
		return nil, &OutOfOrderError{ClientID: in.clientID, Clock: in.clock, LastSeen: last, Resync: true}
	}
	if queue == nil {
		queue = make(map[uint64]*pendingOp)
		sh.pending[in.clientID] = queue
	}
	queue[in.clock] = &pendingOp{in: in}
	return &AppendResult{Buffered: true}, nil
}

// drainPending commits buffered operations that are now in order.
func (m *Manager) drainPending(sh *shard, clientID string) []models.Operation {
	queue := sh.pending[clientID]
	var out []models.Operation
	for len(queue) > 0 {
		next := sh.doc.Clock(clientID) + 1
		p, ok := queue[next]
		if !ok {
			break
		}
		delete(queue, next)
		op, err := m.commit(sh, p.in)
		if err != nil {
			m.log.Warn().Err(err).Str("session", sh.id).Str("client", clientID).Uint64("clock", next).Msg("dropping buffered operation")
			continue
		}
		out = append(out, op)
	}
	if len(queue) == 0 {
		delete(sh.pending, clientID)
	}
	return out
}

// commit merges a validated operation and appends it to the log.
// Callers hold sh.mu.
func (m *Manager) commit(sh *shard, in opInput) (models.Operation, error) {
	if err := sh.doc.Apply(in.frag); err != nil {
		return models.Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	sh.doc.Observe(in.clientID, in.clock)
	sh.seq++

	op := models.Operation{
		ID:        ksuid.New().String(),
		SessionID: sh.id,
		Seq:       sh.seq,
		ClientID:  in.clientID,
		Clock:     in.clock,
		Kind:      in.frag.Kind,
		Fragment:  in.payload.Bytes(),
		ByteSize:  in.payload.Len(),
		BatchSeq:  in.batchSeq,
		BatchEnd:  in.batchEnd,
		Author:    in.author,
		CreatedAt: m.now().UTC(),
	}
	if in.batchID != "" {
		b := in.batchID
		op.BatchID = &b
	}
	if in.rng != nil {
		start, end := in.rng.Start, in.rng.End
		op.RangeStart, op.RangeEnd = &start, &end
	}

	sh.lastOpID = op.ID
	sh.tail = append(sh.tail, op)
	sh.noteBatch(op)
	saved := op
	sh.unsaved = append(sh.unsaved, &saved)

	sh.session.OperationCount++
	if !op.InBatch() || op.BatchEnd {
		sh.session.ChangeCount++
	}
	sh.sessionDirty = true
	sh.opsSinceSnap++
	sh.bytesSinceSnap += op.ByteSize
	sh.lastActive = m.now()
	return op, nil
}

// afterCommit runs once the shard is unlocked: schedule persistence,
// broadcast, and start a periodic snapshot when a threshold is crossed.
func (m *Manager) afterCommit(sh *shard, ops []models.Operation) {
	if len(ops) == 0 {
		return
	}
	m.pipeline.Schedule(sh.id)
	m.broadcastOps(sh.id, ops)
	m.maybeSnapshot(sh)
}

func (m *Manager) maybeSnapshot(sh *shard) {
	sh.mu.Lock()
	due := (m.policy.SnapshotEveryOps > 0 && sh.opsSinceSnap >= m.policy.SnapshotEveryOps) ||
		(m.policy.SnapshotEveryBytes > 0 && sh.bytesSinceSnap >= m.policy.SnapshotEveryBytes)
	sh.mu.Unlock()
	if !due || m.closed.Load() || !sh.snapshotting.CompareAndSwap(false, true) {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer sh.snapshotting.Store(false)
		if _, err := m.takeSnapshot(context.Background(), sh, models.TriggerPeriodic); err != nil {
			m.log.Warn().Err(err).Str("session", sh.id).Msg("periodic snapshot failed, log remains authoritative")
		}
	}()
}

// checkWritable rejects writes the session status forbids.
func (m *Manager) checkWritable(sh *shard, clientID string) error {
	switch sh.session.Status {
	case models.StatusCompleted:
		return ErrSessionCompleted
	case models.StatusDraft:
		return ErrSessionNotActive
	case models.StatusLocked:
		if sh.session.LockHolder == "" || sh.session.LockHolder != clientID {
			return ErrSessionLocked
		}
	}
	return nil
}

// roleOf resolves an author's role in the session. Internal users who
// never joined act as editors; externals need a roster entry.
func (m *Manager) roleOf(sh *shard, a models.Author) models.Role {
	switch a.Kind {
	case models.AuthorSystem:
		return models.RoleEditor
	case models.AuthorInternal:
		if a.UserID == sh.session.CreatedBy {
			return models.RoleOwner
		}
	}
	if e, ok := sh.roster[a.Key()]; ok {
		return e.participant.Role
	}
	if a.Kind == models.AuthorInternal {
		return models.RoleEditor
	}
	return ""
}

// ParticipantRole returns the role author holds in the session, or ""
// when it has none.
func (m *Manager) ParticipantRole(ctx context.Context, sessionID string, author models.Author) (models.Role, error) {
	sh, err := m.acquire(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer sh.mu.Unlock()
	return m.roleOf(sh, author), nil
}

// OperationsSince yields every operation with seq > since in order: first
// from the store, then from the in-memory tail. A cursor older than the
// compacted prefix yields ErrCursorCompacted.
func (m *Manager) OperationsSince(ctx context.Context, sessionID string, since uint64) iter.Seq2[models.Operation, error] {
	return func(yield func(models.Operation, error) bool) {
		sh, err := m.shard(ctx, sessionID)
		if err != nil {
			yield(models.Operation{}, err)
			return
		}
		m.scan(ctx, sh, since, true)(yield)
	}
}

// scan walks the log after since. Non-strict scans skip over gaps left by
// compaction instead of failing.
func (m *Manager) scan(ctx context.Context, sh *shard, since uint64, strict bool) iter.Seq2[models.Operation, error] {
	return func(yield func(models.Operation, error) bool) {
		sh.mu.Lock()
		base := sh.tailBase
		tail := sh.tailAfter(since)
		sh.mu.Unlock()

		next := since + 1
		cursor := since
	pages:
		for cursor < base {
			page, err := m.ops.OperationsAfter(ctx, sh.id, cursor, m.policy.TailPageSize)
			if err != nil {
				yield(models.Operation{}, err)
				return
			}
			if len(page) == 0 {
				break
			}
			for _, op := range page {
				if op.Seq > base {
					break pages
				}
				if strict && op.Seq != next {
					yield(models.Operation{}, fmt.Errorf("%w: cursor %d, oldest retained %d", ErrCursorCompacted, since, op.Seq))
					return
				}
				if !yield(op, nil) {
					return
				}
				next = op.Seq + 1
				cursor = op.Seq
			}
			if len(page) < m.policy.TailPageSize {
				break
			}
		}
		if strict && next <= base {
			yield(models.Operation{}, fmt.Errorf("%w: cursor %d, log retained from %d", ErrCursorCompacted, since, base+1))
			return
		}
		for _, op := range tail {
			if op.Seq < next {
				continue
			}
			if !yield(op, nil) {
				return
			}
		}
	}
}

// Ack records the highest seq a client has applied.
func (m *Manager) Ack(ctx context.Context, handleID string, seq uint64) error {
	h, err := m.Handle(handleID)
	if err != nil {
		return err
	}
	for {
		cur := h.acked.Load()
		if seq <= cur || h.acked.CompareAndSwap(cur, seq) {
			break
		}
	}
	m.presence.Touch(handleID)
	return nil
}

// EditFunc builds fragments against the live document. client is the id
// the fragments must mint their identifiers under.
type EditFunc func(doc *crdt.Document, client string) ([]crdt.Fragment, error)

// Edit applies server-built fragments as one batch authored by author.
// The builder runs under the session lock, so the document it sees is
// exactly the one its fragments are merged into.
func (m *Manager) Edit(ctx context.Context, sessionID string, author models.Author, build EditFunc) ([]models.Operation, error) {
	return m.edit(ctx, sessionID, author, uuid.NewString(), nil, build)
}

// EditBatch is Edit under a caller-chosen batch id, so the caller can
// later find out whether the edit landed with BatchOperations.
func (m *Manager) EditBatch(ctx context.Context, sessionID string, author models.Author, batchID string, build EditFunc) ([]models.Operation, error) {
	if batchID == "" {
		return nil, fmt.Errorf("%w: empty batch id", ErrInvalidOperation)
	}
	return m.edit(ctx, sessionID, author, batchID, nil, build)
}

// BatchOperations returns the retained operations of a batch in log order.
func (m *Manager) BatchOperations(ctx context.Context, sessionID, batchID string) ([]models.Operation, error) {
	sh, err := m.shard(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []models.Operation
	for op, err := range m.scan(ctx, sh, 0, false) {
		if err != nil {
			return nil, err
		}
		if op.BatchID != nil && *op.BatchID == batchID {
			out = append(out, op)
		}
	}
	return out, nil
}

// edit runs check, when set, under the session lock before build.
func (m *Manager) edit(ctx context.Context, sessionID string, author models.Author, batchID string, check func(*shard) error, build EditFunc) ([]models.Operation, error) {
	ctx, span := middleware.StartSpan(ctx, "OperationLog.Edit",
		attribute.String("session.id", sessionID),
		attribute.String("author", author.Key()),
	)
	defer span.End()

	sh, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ops, err := m.editLocked(sh, author, batchID, check, build)
	sh.mu.Unlock()
	m.afterCommit(sh, ops)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return ops, nil
}

func (m *Manager) editLocked(sh *shard, author models.Author, batchID string, check func(*shard) error, build EditFunc) ([]models.Operation, error) {
	if err := m.checkWritable(sh, ServerClient); err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(sh); err != nil {
			return nil, err
		}
	}
	if !m.roleOf(sh, author).CanEdit() {
		return nil, fmt.Errorf("%w: %s cannot edit", ErrPermissionDenied, author)
	}

	frags, err := build(sh.doc, ServerClient)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, nil
	}
	payloads := make([]codec.OpaquePayload, len(frags))
	for i, f := range frags {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if payloads[i], err = codec.EncodeFragment(f); err != nil {
			return nil, err
		}
	}

	ops := make([]models.Operation, 0, len(frags))
	for i, f := range frags {
		op, err := m.commit(sh, opInput{
			clientID: ServerClient,
			clock:    sh.doc.Clock(ServerClient) + 1,
			frag:     f,
			payload:  payloads[i],
			batchID:  batchID,
			batchSeq: i,
			batchEnd: i == len(frags)-1,
			author:   author,
		})
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// UndoBatchID is the batch id an undo of batchID is written under. Undoing
// the undo batch redoes the original change.
func UndoBatchID(batchID string) string {
	return undoPrefix + batchID
}

const undoPrefix = "undo-"

// Undo reverts a batch: text it inserted is deleted and text it deleted
// is retyped. Only the batch's author or the session owner may undo it,
// and only once.
func (m *Manager) Undo(ctx context.Context, sessionID string, actor models.Author, batchID string) ([]models.Operation, error) {
	sh, err := m.shard(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	undoID := UndoBatchID(batchID)
	var batch []models.Operation
	for op, err := range m.scan(ctx, sh, 0, false) {
		if err != nil {
			return nil, err
		}
		if op.BatchID == nil {
			continue
		}
		switch *op.BatchID {
		case batchID:
			batch = append(batch, op)
		case undoID:
			return nil, fmt.Errorf("%w: %s was already undone", ErrNothingToUndo, batchID)
		}
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}

	role, err := m.ParticipantRole(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if role != models.RoleOwner {
		for _, op := range batch {
			if op.Author.Key() != actor.Key() {
				return nil, fmt.Errorf("%w: batch belongs to %s", ErrPermissionDenied, op.Author)
			}
		}
	}

	var inserted, deleted []crdt.ID
	insertedSet := make(map[crdt.ID]bool)
	for _, op := range batch {
		frag, err := codec.DecodeFragment(op.Fragment)
		if err != nil {
			return nil, err
		}
		switch frag.Kind {
		case crdt.KindInsert:
			for _, id := range frag.Insert.IDs() {
				inserted = append(inserted, id)
				insertedSet[id] = true
			}
		case crdt.KindDelete:
			deleted = append(deleted, frag.Delete.Targets...)
		}
	}
	var restore []crdt.ID
	for _, id := range deleted {
		if !insertedSet[id] {
			restore = append(restore, id)
		}
	}

	// The scan above ran unlocked; a concurrent undo may have committed since.
	alreadyUndone := func(sh *shard) error {
		if sh.undone[batchID] {
			return fmt.Errorf("%w: %s was already undone", ErrNothingToUndo, batchID)
		}
		return nil
	}
	return m.edit(ctx, sessionID, actor, undoID, alreadyUndone, func(doc *crdt.Document, client string) ([]crdt.Fragment, error) {
		var frags []crdt.Fragment
		if del, ok := doc.DeleteIDs(inserted); ok {
			frags = append(frags, del)
		}
		frags = append(frags, doc.Restore(client, restore)...)
		if len(frags) == 0 {
			return nil, ErrNothingToUndo
		}
		return frags, nil
	})
}

// Change statuses reported by ChangeSummary.
const (
	ChangeComplete   = "complete"
	ChangeInProgress = "in_progress"
)

// Change summarizes one batch, or one unbatched operation.
type Change struct {
	BatchID    string        `json:"batch_id,omitempty"`
	Author     models.Author `json:"author"`
	ClientID   string        `json:"client_id"`
	Status     string        `json:"status"`
	Operations int           `json:"operations"`
	Inserted   int           `json:"inserted"`
	Deleted    int           `json:"deleted"`
	Formatted  int           `json:"formatted"`
	FirstSeq   uint64        `json:"first_seq"`
	LastSeq    uint64        `json:"last_seq"`
}

// ChangeSummary groups the retained log into user-level changes. A batch
// whose final operation never arrived is reported as in progress.
func (m *Manager) ChangeSummary(ctx context.Context, sessionID string) ([]Change, error) {
	sh, err := m.shard(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*Change)
	var order []string
	for op, err := range m.scan(ctx, sh, 0, false) {
		if err != nil {
			return nil, err
		}
		key := op.ID
		if op.InBatch() {
			key = *op.BatchID
		}
		c, ok := byKey[key]
		if !ok {
			c = &Change{Author: op.Author, ClientID: op.ClientID, Status: ChangeComplete, FirstSeq: op.Seq}
			if op.InBatch() {
				c.BatchID = key
				c.Status = ChangeInProgress
			}
			byKey[key] = c
			order = append(order, key)
		}
		c.Operations++
		c.LastSeq = op.Seq
		if op.BatchEnd {
			c.Status = ChangeComplete
		}

		frag, err := codec.DecodeFragment(op.Fragment)
		if err != nil {
			var de *codec.DecodeError
			if errors.As(err, &de) {
				continue
			}
			return nil, err
		}
		switch frag.Kind {
		case crdt.KindInsert:
			c.Inserted += utf8.RuneCountInString(frag.Insert.Text)
		case crdt.KindDelete:
			c.Deleted += len(frag.Delete.Targets)
		default:
			c.Formatted++
		}
	}

	out := make([]Change, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeq < out[j].FirstSeq })
	return out, nil
}
