package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// OutboxEvent is a domain event waiting to be picked up by the
// surrounding platform.
type OutboxEvent struct {
	ID          string     `json:"id" gorm:"type:char(27);primaryKey"`
	Type        string     `json:"type" gorm:"type:varchar(64);not null;index"`
	SessionID   string     `json:"session_id" gorm:"type:char(27);not null;index"`
	Payload     []byte     `json:"payload" gorm:"not null"`
	PublishedAt *time.Time `json:"published_at,omitempty" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at"`
}

// BeforeCreate generates KSUID
func (e *OutboxEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = ksuid.New().String()
	}
	return nil
}

func (OutboxEvent) TableName() string {
	return "collab_outbox_events"
}

// ExternalAccessToken admits a counterparty to one session. Only the
// SHA-256 of the token is stored.
type ExternalAccessToken struct {
	ID        string     `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID string     `json:"session_id" gorm:"type:char(27);not null;index"`
	TokenHash string     `json:"-" gorm:"type:char(64);not null;uniqueIndex"`
	Email     string     `json:"email" gorm:"type:varchar(255);not null"`
	Name      string     `json:"name" gorm:"type:varchar(255)"`
	Role      Role       `json:"role" gorm:"type:varchar(32);not null"`
	CreatedBy string     `json:"created_by" gorm:"type:varchar(64)"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// BeforeCreate generates KSUID
func (t *ExternalAccessToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = ksuid.New().String()
	}
	return nil
}

func (ExternalAccessToken) TableName() string {
	return "external_access_tokens"
}

// Usable reports whether the token can still admit its holder.
func (t *ExternalAccessToken) Usable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}
