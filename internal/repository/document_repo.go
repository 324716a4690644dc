package repository

import (
	"context"
	"errors"
	"fmt"

	"contract-collab/internal/models"

	"gorm.io/gorm"
)

// DocumentVersionRepositoryImpl stores immutable document versions.
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The services package declares the interface it needs.
type DocumentVersionRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentVersionRepository creates a new document version repository
// Returns concrete type - "Accept interfaces, return structs"
func NewDocumentVersionRepository(db *gorm.DB) *DocumentVersionRepositoryImpl {
	return &DocumentVersionRepositoryImpl{db: db}
}

// CreateVersion inserts the next version of a document.
// The version number is assigned inside the transaction as max+1.
func (r *DocumentVersionRepositoryImpl) CreateVersion(ctx context.Context, in *models.DocumentVersionCreate) (*models.DocumentVersion, error) {
	v := &models.DocumentVersion{
		DocumentID:      in.DocumentID,
		Title:           in.Title,
		Content:         in.Content,
		HTML:            in.HTML,
		State:           in.State,
		SourceSessionID: in.SourceSessionID,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int
		if err := tx.Model(&models.DocumentVersion{}).
			Where("document_id = ?", in.DocumentID).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&current).Error; err != nil {
			return err
		}
		v.VersionNumber = current + 1
		return tx.Create(v).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document version: %w", err)
	}
	return v, nil
}

// GetVersion retrieves a version by its KSUID
func (r *DocumentVersionRepositoryImpl) GetVersion(ctx context.Context, id string) (*models.DocumentVersion, error) {
	var v models.DocumentVersion
	err := r.db.WithContext(ctx).First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document version: %w", err)
	}
	return &v, nil
}

// ListVersions returns a document's versions, newest first, with pagination
func (r *DocumentVersionRepositoryImpl) ListVersions(ctx context.Context, documentID string, limit, offset int) ([]models.DocumentVersion, error) {
	var out []models.DocumentVersion
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list document versions: %w", err)
	}
	return out, nil
}
