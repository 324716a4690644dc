package repository

import (
	"context"
	"fmt"

	"contract-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: OPERATION LOG PERSISTENCE

Query patterns:
- StoreOperations: append, idempotent on (session, client, clock) so a
  retried or replayed write never duplicates a row
- OperationsAfter: catch-up paging by seq cursor
- DeleteOperationsThrough: compaction once a snapshot covers the prefix
*/

// OperationRepositoryImpl handles operation log storage
type OperationRepositoryImpl struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *gorm.DB) *OperationRepositoryImpl {
	return &OperationRepositoryImpl{db: db}
}

// StoreOperations appends operations. Rows already present are skipped.
func (r *OperationRepositoryImpl) StoreOperations(ctx context.Context, ops []*models.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(ops, 100).Error
	if err != nil {
		return fmt.Errorf("failed to store operations: %w", err)
	}
	return nil
}

// OperationsAfter returns up to limit operations with seq > afterSeq,
// in seq order.
func (r *OperationRepositoryImpl) OperationsAfter(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]models.Operation, error) {
	var ops []models.Operation
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get operations: %w", err)
	}
	return ops, nil
}

// DeleteOperationsThrough removes operations with seq <= seq.
// Call only once a committed snapshot covers them.
func (r *OperationRepositoryImpl) DeleteOperationsThrough(ctx context.Context, sessionID string, seq uint64) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("session_id = ? AND seq <= ?", sessionID, seq).
		Delete(&models.Operation{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete operations: %w", result.Error)
	}
	return result.RowsAffected, nil
}
