package events

import (
	"context"
	"encoding/json"
	"time"

	"contract-collab/internal/logging"
)

// Relay forwards outbox rows to another sink and marks them published.
// Delivery is at least once: a crash between Publish and MarkPublished
// resends the batch.
type Relay struct {
	store    OutboxStore
	target   Sink
	interval time.Duration
	batch    int
}

// NewRelay creates a relay polling every interval.
func NewRelay(store OutboxStore, target Sink, interval time.Duration) *Relay {
	return &Relay{store: store, target: target, interval: interval, batch: 100}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	l := logging.Component("outbox")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Drain(ctx)
			if err != nil {
				l.Error().Err(err).Msg("outbox relay failed")
				continue
			}
			if n > 0 {
				l.Debug().Int("count", n).Msg("relayed events")
			}
		}
	}
}

// Drain relays one batch of pending events and returns how many were sent.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	pending, err := r.store.PendingEvents(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	var sent []string
	for _, row := range pending {
		var e Event
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			// unreadable rows would block the queue forever
			sent = append(sent, row.ID)
			continue
		}
		if err := r.target.Publish(ctx, e); err != nil {
			break
		}
		sent = append(sent, row.ID)
	}
	if err := r.store.MarkPublished(ctx, sent, time.Now()); err != nil {
		return 0, err
	}
	return len(sent), nil
}
