package repository

import (
	"context"
	"fmt"
	"time"

	"contract-collab/internal/models"

	"gorm.io/gorm"
)

// OutboxRepositoryImpl stores domain events until they are relayed.
type OutboxRepositoryImpl struct {
	db *gorm.DB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *gorm.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

// AppendEvent inserts an unpublished event
func (r *OutboxRepositoryImpl) AppendEvent(ctx context.Context, e *models.OutboxEvent) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// PendingEvents returns unpublished events, oldest first.
func (r *OutboxRepositoryImpl) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var out []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	return out, nil
}

// MarkPublished stamps the given events as relayed.
func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		Update("published_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark events published: %w", err)
	}
	return nil
}
