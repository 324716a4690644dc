package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contract-collab/internal/models"

	"gorm.io/gorm"
)

// TokenRepositoryImpl stores hashed external access tokens.
type TokenRepositoryImpl struct {
	db *gorm.DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *gorm.DB) *TokenRepositoryImpl {
	return &TokenRepositoryImpl{db: db}
}

// CreateToken inserts a token record
func (r *TokenRepositoryImpl) CreateToken(ctx context.Context, t *models.ExternalAccessToken) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// FindTokenByHash looks a token up by its SHA-256 hex digest.
func (r *TokenRepositoryImpl) FindTokenByHash(ctx context.Context, hash string) (*models.ExternalAccessToken, error) {
	var t models.ExternalAccessToken
	err := r.db.WithContext(ctx).First(&t, "token_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find token: %w", err)
	}
	return &t, nil
}

// RevokeToken stamps RevokedAt on a live token issued for sessionID. A
// token of another session is reported as not found.
func (r *TokenRepositoryImpl) RevokeToken(ctx context.Context, sessionID, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.ExternalAccessToken{}).
		Where("id = ? AND session_id = ? AND revoked_at IS NULL", id, sessionID).
		Update("revoked_at", at)
	if result.Error != nil {
		return fmt.Errorf("failed to revoke token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	return nil
}
