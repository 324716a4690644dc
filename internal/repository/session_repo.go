package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contract-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepositoryImpl stores sessions and their participant roster.
type SessionRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db}
}

// CreateSession inserts a session. The KSUID is generated in BeforeCreate.
func (r *SessionRepositoryImpl) CreateSession(ctx context.Context, s *models.CollabSession) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id
func (r *SessionRepositoryImpl) GetSession(ctx context.Context, id string) (*models.CollabSession, error) {
	var s models.CollabSession
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// SaveSession writes every column of the session back.
func (r *SessionRepositoryImpl) SaveSession(ctx context.Context, s *models.CollabSession) error {
	if err := r.db.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// UpsertParticipant records a join. Rejoining clears LeftAt and refreshes
// the role.
func (r *SessionRepositoryImpl) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	p.AuthorKey = p.Author.Key()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "author_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"role": p.Role, "joined_at": p.JoinedAt, "left_at": nil}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// MarkParticipantLeft stamps LeftAt on the roster entry.
func (r *SessionRepositoryImpl) MarkParticipantLeft(ctx context.Context, sessionID, authorKey string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("session_id = ? AND author_key = ?", sessionID, authorKey).
		Update("left_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}
	return nil
}

// GetParticipant looks up one roster entry.
func (r *SessionRepositoryImpl) GetParticipant(ctx context.Context, sessionID, authorKey string) (*models.Participant, error) {
	var p models.Participant
	err := r.db.WithContext(ctx).
		First(&p, "session_id = ? AND author_key = ?", sessionID, authorKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("participant %s: %w", authorKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &p, nil
}

// ListParticipants returns the roster in join order.
func (r *SessionRepositoryImpl) ListParticipants(ctx context.Context, sessionID string) ([]models.Participant, error) {
	var out []models.Participant
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return out, nil
}
