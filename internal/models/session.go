package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of a collaborative session.
type SessionStatus string

const (
	StatusDraft     SessionStatus = "draft"
	StatusActive    SessionStatus = "active"
	StatusLocked    SessionStatus = "locked"
	StatusCompleted SessionStatus = "completed"
)

// CanTransition reports whether s → to is allowed.
// draft → active → {locked ⇄ active} → completed, completed is terminal.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	switch s {
	case StatusDraft:
		return to == StatusActive
	case StatusActive:
		return to == StatusLocked || to == StatusCompleted
	case StatusLocked:
		return to == StatusActive || to == StatusCompleted
	}
	return false
}

// SessionSettings are the per-session policy switches.
type SessionSettings struct {
	AutoAcceptMinorChanges    bool `json:"auto_accept_minor_changes" gorm:"not null;default:false"`
	RequireApprovalForChanges bool `json:"require_approval_for_changes" gorm:"not null;default:false"`
	AllowExternalEdits        bool `json:"allow_external_edits" gorm:"not null;default:false"`
}

// CollabSession is one editing session over one document version.
// Learning: the counters are denormalized for dashboards and only ever
// written by the session's coordinating shard.
type CollabSession struct {
	ID               string        `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID       string        `json:"document_id" gorm:"type:varchar(64);not null;index"`
	BaseVersionID    string        `json:"base_version_id" gorm:"type:varchar(64);not null"`
	WorkingVersionID *string       `json:"working_version_id,omitempty" gorm:"type:varchar(64)"`
	Title            string        `json:"title" gorm:"type:text"`
	Status           SessionStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	CreatedBy        string        `json:"created_by" gorm:"type:varchar(64);not null"`
	MaxParticipants  int           `json:"max_participants" gorm:"not null;default:0"`

	LockReason string     `json:"lock_reason,omitempty" gorm:"type:text"`
	LockHolder string     `json:"lock_holder,omitempty" gorm:"type:varchar(64)"` // client allowed to write while locked
	LockedBy   string     `json:"locked_by,omitempty" gorm:"type:varchar(64)"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`

	Settings SessionSettings `json:"settings" gorm:"embedded;embeddedPrefix:setting_"`

	OperationCount int64 `json:"operation_count" gorm:"not null;default:0"`
	ChangeCount    int64 `json:"change_count" gorm:"not null;default:0"`
	RequiresReview bool  `json:"requires_review" gorm:"not null;default:false"`

	FinalVersionID *string    `json:"final_version_id,omitempty" gorm:"type:varchar(64)"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate generates KSUID
func (s *CollabSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (CollabSession) TableName() string {
	return "collab_sessions"
}

// Participant is one roster entry. A user who opens several clients is
// still one participant.
type Participant struct {
	ID        string     `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID string     `json:"session_id" gorm:"type:char(27);not null;uniqueIndex:idx_participant_author"`
	AuthorKey string     `json:"author_key" gorm:"type:varchar(128);not null;uniqueIndex:idx_participant_author"`
	Author    Author     `json:"author" gorm:"embedded;embeddedPrefix:author_"`
	Role      Role       `json:"role" gorm:"type:varchar(32);not null"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
}

// BeforeCreate generates KSUID
func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

func (Participant) TableName() string {
	return "collab_participants"
}

// SessionCreate is the input for opening a session.
type SessionCreate struct {
	DocumentID       string          `json:"document_id"`
	BaseVersionID    string          `json:"base_version_id"`
	WorkingVersionID *string         `json:"working_version_id,omitempty"`
	Title            string          `json:"title"`
	BaseText         string          `json:"base_text"`
	MaxParticipants  int             `json:"max_participants"`
	Settings         SessionSettings `json:"settings"`
	Owner            Author          `json:"-"`
}
