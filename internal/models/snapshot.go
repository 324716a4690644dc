package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SnapshotTrigger records why a snapshot was taken.
type SnapshotTrigger string

const (
	TriggerPeriodic  SnapshotTrigger = "periodic"
	TriggerManual    SnapshotTrigger = "manual"
	TriggerMilestone SnapshotTrigger = "milestone"
)

// Valid reports whether t is a known trigger.
func (t SnapshotTrigger) Valid() bool {
	return t == TriggerPeriodic || t == TriggerManual || t == TriggerMilestone
}

// Snapshot is a materialized document state. It supersedes every
// operation with Seq <= LastOperationSeq.
type Snapshot struct {
	ID               string          `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID        string          `json:"session_id" gorm:"type:char(27);not null;uniqueIndex:idx_snapshot_version"`
	Version          int64           `json:"version" gorm:"not null;uniqueIndex:idx_snapshot_version"`
	State            []byte          `json:"-" gorm:"not null"`
	VersionVector    []byte          `json:"-"`
	OperationCount   int64           `json:"operation_count"`
	LastOperationSeq uint64          `json:"last_operation_seq"`
	LastOperationID  string          `json:"last_operation_id,omitempty" gorm:"type:varchar(27)"`
	Trigger          SnapshotTrigger `json:"trigger" gorm:"type:varchar(16);not null"`
	ByteSize         int             `json:"byte_size"`
	PlainText        string          `json:"plain_text,omitempty" gorm:"type:text"`
	HTML             string          `json:"html,omitempty" gorm:"type:text"`
	CreatedAt        time.Time       `json:"created_at"`
}

// BeforeCreate generates KSUID
func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (Snapshot) TableName() string {
	return "collab_snapshots"
}
