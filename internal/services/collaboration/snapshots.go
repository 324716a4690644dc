package collaboration

import (
	"context"
	"errors"
	"fmt"

	"contract-collab/internal/codec"
	"contract-collab/internal/crdt"
	"contract-collab/internal/middleware"
	"contract-collab/internal/models"
	"contract-collab/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: SNAPSHOT THEN COMPACT

A snapshot is the document state after every operation with
seq <= LastOperationSeq. Loading a session is

  newest decodable snapshot + operations after its seq

so once a snapshot is stored the operations it covers can be deleted
without changing what any replica converges to. The log is flushed
before a snapshot is encoded, which keeps "covered" and "durable" the
same thing.
*/

// Snapshot takes a snapshot now.
func (m *Manager) Snapshot(ctx context.Context, sessionID string, trigger models.SnapshotTrigger) (*models.Snapshot, error) {
	ctx, span := middleware.StartSpan(ctx, "Snapshots.Take",
		attribute.String("session.id", sessionID),
		attribute.String("trigger", string(trigger)),
	)
	defer span.End()

	if !trigger.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidInput, trigger)
	}
	sh, err := m.shard(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap, err := m.takeSnapshot(ctx, sh, trigger)
	if err != nil {
		middleware.AddSpanError(ctx, err)
	}
	return snap, err
}

func (m *Manager) takeSnapshot(ctx context.Context, sh *shard, trigger models.SnapshotTrigger) (*models.Snapshot, error) {
	if err := m.flushShard(ctx, sh); err != nil {
		return nil, fmt.Errorf("failed to flush log before snapshot: %w", err)
	}

	sh.mu.Lock()
	sh.snapVersion++
	snap, err := newSnapshot(sh.doc, sh.id, sh.snapVersion, trigger)
	if err != nil {
		sh.mu.Unlock()
		return nil, err
	}
	snap.OperationCount = int64(sh.seq)
	snap.LastOperationSeq = sh.seq
	snap.LastOperationID = sh.lastOpID
	snap.CreatedAt = m.now().UTC()
	folded, foldedBytes := sh.opsSinceSnap, sh.bytesSinceSnap
	sh.mu.Unlock()

	if err := m.snaps.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	sh.mu.Lock()
	if sh.latest == nil || snap.LastOperationSeq >= sh.snapSeq {
		sh.latest = snap
		sh.snapSeq = snap.LastOperationSeq
	}
	sh.opsSinceSnap = max(sh.opsSinceSnap-folded, 0)
	sh.bytesSinceSnap = max(sh.bytesSinceSnap-foldedBytes, 0)
	sh.trimTail()
	sh.mu.Unlock()

	m.log.Info().
		Str("session", sh.id).
		Int64("version", snap.Version).
		Uint64("seq", snap.LastOperationSeq).
		Int("bytes", snap.ByteSize).
		Str("trigger", string(trigger)).
		Msg("snapshot stored")

	if m.policy.CompactAfterSnapshot {
		if _, err := m.compactShard(ctx, sh); err != nil {
			m.log.Warn().Err(err).Str("session", sh.id).Msg("compaction failed")
		}
	}
	return snap, nil
}

// Compact deletes stored operations covered by the latest snapshot.
func (m *Manager) Compact(ctx context.Context, sessionID string) (int64, error) {
	sh, err := m.shard(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return m.compactShard(ctx, sh)
}

func (m *Manager) compactShard(ctx context.Context, sh *shard) (int64, error) {
	sh.mu.Lock()
	through := min(sh.snapSeq, sh.durable)
	sh.mu.Unlock()
	if through == 0 {
		return 0, nil
	}
	n, err := m.ops.DeleteOperationsThrough(ctx, sh.id, through)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Debug().Str("session", sh.id).Uint64("through", through).Int64("deleted", n).Msg("compacted operation log")
	}
	return n, nil
}

// ListSnapshots returns the session's snapshots, newest first.
func (m *Manager) ListSnapshots(ctx context.Context, sessionID string) ([]models.Snapshot, error) {
	return m.snaps.ListSnapshots(ctx, sessionID)
}

// SnapshotDocument decodes one snapshot into a document.
func (m *Manager) SnapshotDocument(ctx context.Context, sessionID string, version int64) (*models.Snapshot, *crdt.Document, error) {
	snap, err := m.snaps.GetSnapshot(ctx, sessionID, version)
	if err != nil {
		return nil, nil, err
	}
	doc, err := codec.DecodeState(snap.State)
	if err != nil {
		return snap, nil, err
	}
	return snap, doc, nil
}

// RevertTo replaces the live text with the text of an earlier snapshot.
// The revert is an ordinary batch, so it can itself be undone.
func (m *Manager) RevertTo(ctx context.Context, sessionID string, actor models.Author, version int64) ([]models.Operation, error) {
	_, old, err := m.SnapshotDocument(ctx, sessionID, version)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: snapshot %d", repository.ErrNotFound, version)
	}
	if err != nil {
		return nil, err
	}
	text := old.Text()
	return m.Edit(ctx, sessionID, actor, func(doc *crdt.Document, client string) ([]crdt.Fragment, error) {
		if doc.Text() == text {
			return nil, nil
		}
		return doc.ReplaceAll(client, text), nil
	})
}

// Document returns the live text and seq of a session.
func (m *Manager) Document(ctx context.Context, sessionID string) (string, uint64, error) {
	sh, err := m.acquire(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	defer sh.mu.Unlock()
	return sh.doc.Text(), sh.seq, nil
}

// View runs fn against the live document under the session lock. fn
// must not retain doc.
func (m *Manager) View(ctx context.Context, sessionID string, fn func(doc *crdt.Document, s models.CollabSession) error) error {
	sh, err := m.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sh.mu.Unlock()
	return fn(sh.doc, *sh.session)
}
