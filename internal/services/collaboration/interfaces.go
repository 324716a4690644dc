package collaboration

import (
	"context"
	"time"

	"contract-collab/internal/events"
	"contract-collab/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The collaboration core declares only the storage methods it calls. The
gorm repositories satisfy them without knowing these interfaces exist,
and tests can swap any of them out.
*/

// SessionStore persists sessions and their roster.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.CollabSession) error
	GetSession(ctx context.Context, id string) (*models.CollabSession, error)
	SaveSession(ctx context.Context, s *models.CollabSession) error
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	MarkParticipantLeft(ctx context.Context, sessionID, authorKey string, at time.Time) error
	ListParticipants(ctx context.Context, sessionID string) ([]models.Participant, error)
}

// OperationStore is the durable operation log.
type OperationStore interface {
	StoreOperations(ctx context.Context, ops []*models.Operation) error
	OperationsAfter(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]models.Operation, error)
	DeleteOperationsThrough(ctx context.Context, sessionID string, seq uint64) (int64, error)
}

// SnapshotStore persists materialized states.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s *models.Snapshot) error
	ListSnapshots(ctx context.Context, sessionID string) ([]models.Snapshot, error)
	GetSnapshot(ctx context.Context, sessionID string, version int64) (*models.Snapshot, error)
	LatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error)
}

// VersionStore materializes a completed session as a document version.
type VersionStore interface {
	CreateVersion(ctx context.Context, in *models.DocumentVersionCreate) (*models.DocumentVersion, error)
}

// Leaser grants this node exclusive coordination of a session.
type Leaser interface {
	Acquire(ctx context.Context, sessionID string) error
	Renew(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
}

// Broadcaster fans merged operations and session changes out to
// connected clients. Implementations must not block.
type Broadcaster interface {
	OperationsApplied(sessionID string, ops []models.Operation)
	SessionChanged(s models.CollabSession)
}

// EventSink receives domain events.
type EventSink = events.Sink
