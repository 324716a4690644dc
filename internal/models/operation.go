package models

import (
	"time"

	"contract-collab/internal/crdt"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: THE OPERATION LOG

Every accepted edit is one immutable row. Two orderings live side by side:

  (client_id, clock) - strictly increasing per client, unique, so a
                        retried write after failover is a no-op
  seq                 - the order the coordinator accepted operations,
                        used as the catch-up cursor

Flow:
  Client edit → clock check → merge into live document → seq assigned
  → queued for persistence → broadcast to other clients
*/

// Operation is one client-authored, atomically applied mutation.
type Operation struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:char(27);not null;uniqueIndex:idx_op_client_clock;index:idx_op_seq,priority:1"`
	Seq       uint64    `json:"seq" gorm:"not null;index:idx_op_seq,priority:2"`
	ClientID  string    `json:"client_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_op_client_clock"`
	Clock     uint64    `json:"clock" gorm:"not null;uniqueIndex:idx_op_client_clock"`
	Kind      crdt.Kind `json:"kind" gorm:"type:varchar(16);not null"`
	Fragment  []byte    `json:"fragment" gorm:"not null"`
	ByteSize  int       `json:"byte_size" gorm:"not null"`

	BatchID  *string `json:"batch_id,omitempty" gorm:"type:varchar(64);index"`
	BatchSeq int     `json:"batch_seq,omitempty"`
	BatchEnd bool    `json:"batch_end,omitempty"`

	RangeStart *int `json:"range_start,omitempty"`
	RangeEnd   *int `json:"range_end,omitempty"`

	Author    Author    `json:"author" gorm:"embedded;embeddedPrefix:author_"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (o *Operation) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = ksuid.New().String()
	}
	return nil
}

func (Operation) TableName() string {
	return "collab_operations"
}

// InBatch reports whether the operation belongs to a batch.
func (o *Operation) InBatch() bool {
	return o.BatchID != nil && *o.BatchID != ""
}
