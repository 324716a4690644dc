package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"contract-collab/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

/*
LEARNING: DOMAIN EVENTS

The editing core tells the rest of the platform about two milestones:

  document.version_finalized  - a session completed; the payload carries the
                                final state so a version store can persist it
  redline.completed           - every suggestion of a session is resolved

Producers only see the Sink interface. Which transport carries the event
(an outbox table, Redis pub/sub, Postgres NOTIFY) is decided at startup.
*/

// Event types.
const (
	TypeVersionFinalized = "document.version_finalized"
	TypeRedlineCompleted = "redline.completed"
)

// Event is one domain event.
type Event struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event, marshalling payload as JSON.
func New(typ, sessionID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Event{Type: typ, SessionID: sessionID, OccurredAt: time.Now().UTC(), Payload: raw}, nil
}

// VersionFinalized is the payload of TypeVersionFinalized.
type VersionFinalized struct {
	SessionID       string  `json:"sessionId"`
	FinalStateBytes []byte  `json:"finalStateBytes"`
	FinalHTML       string  `json:"finalHtml,omitempty"`
	VersionNumber   int64   `json:"versionNumber"`
	SnapshotVersion int64   `json:"snapshotVersion"`
	DocumentVersion *string `json:"documentVersionId,omitempty"`
}

// RedlineCompleted is the payload of TypeRedlineCompleted.
type RedlineCompleted struct {
	SessionID string `json:"sessionId"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	Withdrawn int    `json:"withdrawn"`
}

// Sink delivers events somewhere.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// OutboxStore is the persistence the outbox needs.
type OutboxStore interface {
	AppendEvent(ctx context.Context, e *models.OutboxEvent) error
	PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}

// OutboxSink writes events to the outbox table.
type OutboxSink struct {
	store OutboxStore
}

func NewOutboxSink(store OutboxStore) *OutboxSink {
	return &OutboxSink{store: store}
}

func (s *OutboxSink) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.store.AppendEvent(ctx, &models.OutboxEvent{
		Type:      e.Type,
		SessionID: e.SessionID,
		Payload:   body,
		CreatedAt: e.OccurredAt,
	})
}

// RedisSink publishes each event on "<prefix><type>".
type RedisSink struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSink(rdb *redis.Client, prefix string) *RedisSink {
	return &RedisSink{rdb: rdb, prefix: prefix}
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.prefix+e.Type, body).Err(); err != nil {
		return fmt.Errorf("failed to publish event to redis: %w", err)
	}
	return nil
}

// NotifyPayloadLimit is the largest payload Postgres NOTIFY accepts.
const NotifyPayloadLimit = 8000

// PGNotifySink signals events with pg_notify. Events too large for a
// notification are sent without their payload and flagged truncated, so
// listeners fetch the full event from the outbox.
type PGNotifySink struct {
	pool    *pgxpool.Pool
	channel string
}

func NewPGNotifySink(pool *pgxpool.Pool, channel string) *PGNotifySink {
	return &PGNotifySink{pool: pool, channel: channel}
}

func (s *PGNotifySink) Publish(ctx context.Context, e Event) error {
	body, err := NotifyBody(e)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, string(body)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// NotifyBody renders e for a NOTIFY payload, dropping the event payload
// when it would not fit.
func NotifyBody(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(body) < NotifyPayloadLimit {
		return body, nil
	}
	return json.Marshal(struct {
		Type       string    `json:"type"`
		SessionID  string    `json:"session_id"`
		OccurredAt time.Time `json:"occurred_at"`
		Truncated  bool      `json:"truncated"`
	}{e.Type, e.SessionID, e.OccurredAt, true})
}

// Multi publishes to every sink and joins the errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// Events returns the events published so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns the published events of one type.
func (s *MemorySink) OfType(typ string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
