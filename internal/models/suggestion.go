package models

import (
	"time"

	"contract-collab/internal/crdt"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

type SuggestionKind string

const (
	KindSuggestion SuggestionKind = "suggestion"
	KindComment    SuggestionKind = "comment"
)

type SuggestionStatus string

const (
	SuggestionPending   SuggestionStatus = "pending"
	SuggestionAccepted  SuggestionStatus = "accepted"
	SuggestionRejected  SuggestionStatus = "rejected"
	SuggestionWithdrawn SuggestionStatus = "withdrawn"
)

// SuggestionSource records how a suggestion entered the redline layer.
type SuggestionSource string

const (
	SourceLive         SuggestionSource = "live"
	SourceExternalDiff SuggestionSource = "external_diff"
	SourceAssistant    SuggestionSource = "assistant"
)

// Suggestion is a proposed change or an inline comment. It is anchored to
// stable element ids, never to the operation log.
type Suggestion struct {
	ID        string           `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID string           `json:"session_id" gorm:"type:char(27);not null;index:idx_suggestion_status,priority:1"`
	Kind      SuggestionKind   `json:"kind" gorm:"type:varchar(16);not null"`
	ParentID  *string          `json:"parent_id,omitempty" gorm:"type:char(27);index"`
	Status    SuggestionStatus `json:"status" gorm:"type:varchar(16);not null;index:idx_suggestion_status,priority:2"`
	Source    SuggestionSource `json:"source" gorm:"type:varchar(16);not null;default:'live'"`

	Anchor         crdt.Anchor `json:"anchor" gorm:"type:text;serializer:json"`
	OriginalOffset int         `json:"original_offset"`
	OriginalLength int         `json:"original_length"`
	Content        string      `json:"content" gorm:"type:text"`
	Note           string      `json:"note,omitempty" gorm:"type:text"`

	Author           Author `json:"author" gorm:"embedded;embeddedPrefix:author_"`
	Escalated        bool   `json:"escalated" gorm:"not null;default:false"`
	EscalationReason string `json:"escalation_reason,omitempty" gorm:"type:text"`

	Resolver      Author     `json:"resolver,omitempty" gorm:"embedded;embeddedPrefix:resolver_"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	AppliedSeqs   []uint64   `json:"applied_seqs,omitempty" gorm:"type:text;serializer:json"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// BeforeCreate generates KSUID
func (s *Suggestion) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (Suggestion) TableName() string {
	return "redline_suggestions"
}

// ResolutionAction is what happened to a suggestion.
type ResolutionAction string

const (
	ActionAccept   ResolutionAction = "accept"
	ActionReject   ResolutionAction = "reject"
	ActionWithdraw ResolutionAction = "withdraw"
	ActionEscalate ResolutionAction = "escalate"
)

// ResolutionAudit has the same shape for human and automatic decisions;
// only Resolver (and the Automatic flag derived from it) differs.
type ResolutionAudit struct {
	ID            string           `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID     string           `json:"session_id" gorm:"type:char(27);not null;index"`
	SuggestionID  string           `json:"suggestion_id" gorm:"type:char(27);not null;index"`
	Action        ResolutionAction `json:"action" gorm:"type:varchar(16);not null"`
	Resolver      Author           `json:"resolver" gorm:"embedded;embeddedPrefix:resolver_"`
	Automatic     bool             `json:"automatic"`
	Reason        string           `json:"reason,omitempty" gorm:"type:text"`
	OperationSeqs []uint64         `json:"operation_seqs,omitempty" gorm:"type:text;serializer:json"`
	CreatedAt     time.Time        `json:"created_at"`
}

// BeforeCreate generates KSUID
func (a *ResolutionAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ksuid.New().String()
	}
	return nil
}

func (ResolutionAudit) TableName() string {
	return "redline_resolution_audits"
}
