package repository

import (
	"context"
	"errors"
	"fmt"

	"contract-collab/internal/models"

	"gorm.io/gorm"
)

// SuggestionFilter narrows ListSuggestions. Zero fields match everything.
type SuggestionFilter struct {
	Status models.SuggestionStatus
	Kind   models.SuggestionKind
}

// SuggestionRepositoryImpl stores redline suggestions, comments and the
// resolution audit trail.
type SuggestionRepositoryImpl struct {
	db *gorm.DB
}

// NewSuggestionRepository creates a new suggestion repository
func NewSuggestionRepository(db *gorm.DB) *SuggestionRepositoryImpl {
	return &SuggestionRepositoryImpl{db: db}
}

// CreateSuggestion inserts a suggestion or comment
func (r *SuggestionRepositoryImpl) CreateSuggestion(ctx context.Context, s *models.Suggestion) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create suggestion: %w", err)
	}
	return nil
}

// GetSuggestion retrieves a suggestion by id
func (r *SuggestionRepositoryImpl) GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error) {
	var s models.Suggestion
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suggestion: %w", err)
	}
	return &s, nil
}

// ListSuggestions returns a session's suggestions in creation order.
func (r *SuggestionRepositoryImpl) ListSuggestions(ctx context.Context, sessionID string, f SuggestionFilter) ([]models.Suggestion, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	var out []models.Suggestion
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	return out, nil
}

// RecordResolution saves the suggestion and its audit row in one
// transaction, so a decision is never visible without its audit record.
func (r *SuggestionRepositoryImpl) RecordResolution(ctx context.Context, s *models.Suggestion, audit *models.ResolutionAudit) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(s).Error; err != nil {
			return err
		}
		return tx.Create(audit).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// ListAudits returns the audit trail of a session, oldest first.
func (r *SuggestionRepositoryImpl) ListAudits(ctx context.Context, sessionID string) ([]models.ResolutionAudit, error) {
	var out []models.ResolutionAudit
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	return out, nil
}

// CreateSuggestions inserts several suggestions in one transaction.
func (r *SuggestionRepositoryImpl) CreateSuggestions(ctx context.Context, ss []*models.Suggestion) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range ss {
			if err := tx.Create(s).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create suggestions: %w", err)
	}
	return nil
}
