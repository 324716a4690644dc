package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"contract-collab/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	rows      []models.OutboxEvent
	published map[string]bool
}

func (f *fakeOutbox) AppendEvent(_ context.Context, e *models.OutboxEvent) error {
	e.ID = string(rune('a' + len(f.rows)))
	f.rows = append(f.rows, *e)
	return nil
}

func (f *fakeOutbox) PendingEvents(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	var out []models.OutboxEvent
	for _, r := range f.rows {
		if !f.published[r.ID] && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeOutbox) MarkPublished(_ context.Context, ids []string, _ time.Time) error {
	if f.published == nil {
		f.published = map[string]bool{}
	}
	for _, id := range ids {
		f.published[id] = true
	}
	return nil
}

type failingSink struct{}

func (failingSink) Publish(context.Context, Event) error { return errors.New("down") }

func TestOutboxRelay(t *testing.T) {
	ctx := context.Background()
	store := &fakeOutbox{}
	outbox := NewOutboxSink(store)

	e1, err := New(TypeRedlineCompleted, "s1", RedlineCompleted{SessionID: "s1", Accepted: 2})
	require.NoError(t, err)
	e2, err := New(TypeVersionFinalized, "s1", VersionFinalized{SessionID: "s1", VersionNumber: 3})
	require.NoError(t, err)
	require.NoError(t, outbox.Publish(ctx, e1))
	require.NoError(t, outbox.Publish(ctx, e2))

	_, err = NewRelay(store, failingSink{}, time.Second).Drain(ctx)
	require.NoError(t, err)
	pending, _ := store.PendingEvents(ctx, 10)
	assert.Len(t, pending, 2, "nothing is marked when the target is down")

	mem := NewMemorySink()
	n, err := NewRelay(store, mem, time.Second).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, mem.OfType(TypeVersionFinalized), 1)

	var payload VersionFinalized
	require.NoError(t, json.Unmarshal(mem.OfType(TypeVersionFinalized)[0].Payload, &payload))
	assert.Equal(t, int64(3), payload.VersionNumber)
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "collab.events."+TypeRedlineCompleted)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	e, err := New(TypeRedlineCompleted, "s9", RedlineCompleted{SessionID: "s9"})
	require.NoError(t, err)
	require.NoError(t, Multi{NewMemorySink(), NewRedisSink(rdb, "collab.events.")}.Publish(ctx, e))

	select {
	case msg := <-sub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "s9", got.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNotifyBodyTruncatesLargePayloads(t *testing.T) {
	small, err := New(TypeRedlineCompleted, "s1", RedlineCompleted{SessionID: "s1"})
	require.NoError(t, err)
	body, err := NotifyBody(small)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"payload"`)

	big, err := New(TypeVersionFinalized, "s1", VersionFinalized{FinalHTML: strings.Repeat("x", NotifyPayloadLimit)})
	require.NoError(t, err)
	body, err = NotifyBody(big)
	require.NoError(t, err)
	assert.Less(t, len(body), NotifyPayloadLimit)
	assert.Contains(t, string(body), `"truncated":true`)
}
