package repository

import (
	"context"
	"errors"
	"fmt"

	"contract-collab/internal/models"

	"gorm.io/gorm"
)

// SnapshotRepositoryImpl stores materialized session states.
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// CreateSnapshot inserts a snapshot. (session_id, version) is unique.
func (r *SnapshotRepositoryImpl) CreateSnapshot(ctx context.Context, s *models.Snapshot) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the session's snapshots, newest first.
func (r *SnapshotRepositoryImpl) ListSnapshots(ctx context.Context, sessionID string) ([]models.Snapshot, error) {
	var out []models.Snapshot
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return out, nil
}

// GetSnapshot returns one snapshot by version.
func (r *SnapshotRepositoryImpl) GetSnapshot(ctx context.Context, sessionID string, version int64) (*models.Snapshot, error) {
	var s models.Snapshot
	err := r.db.WithContext(ctx).
		First(&s, "session_id = ? AND version = ?", sessionID, version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("snapshot %s@%d: %w", sessionID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &s, nil
}

// LatestSnapshot returns the highest version.
func (r *SnapshotRepositoryImpl) LatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	var s models.Snapshot
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("snapshot for %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &s, nil
}
