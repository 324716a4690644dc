package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// DocumentVersion is an immutable version of a contract document.
// Sessions start from one and, on completion, materialize the next.
// Learning: Using KSUID instead of UUID provides time-based sorting, so
// ordering by id is ordering by creation time.
type DocumentVersion struct {
	ID              string    `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID      string    `json:"document_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_document_version"`
	VersionNumber   int       `json:"version_number" gorm:"not null;uniqueIndex:idx_document_version"`
	Title           string    `json:"title" gorm:"type:text"`
	Content         string    `json:"content" gorm:"type:text;not null"`
	HTML            string    `json:"html,omitempty" gorm:"type:text"`
	State           []byte    `json:"-"`
	SourceSessionID *string   `json:"source_session_id,omitempty" gorm:"type:char(27)"`
	CreatedAt       time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (d *DocumentVersion) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

func (DocumentVersion) TableName() string {
	return "document_versions"
}

type DocumentVersionCreate struct {
	DocumentID      string  `json:"document_id"`
	Title           string  `json:"title"`
	Content         string  `json:"content"`
	HTML            string  `json:"html,omitempty"`
	State           []byte  `json:"-"`
	SourceSessionID *string `json:"source_session_id,omitempty"`
}
