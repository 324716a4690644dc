package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"contract-collab/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) BroadcastPresence(_ string, u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Type
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestTrackerLifecycle(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec)
	clk := &clock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	tr.now = clk.now

	alice := models.Internal("u1", "Alice")
	c := tr.Register("s1", "cur-a", "client-a", alice)
	assert.Equal(t, ActivityActive, c.Activity)
	assert.NotEmpty(t, c.Color)

	tr.Register("s1", "cur-b", "client-b", models.External("tok", "cp@example.com", "CP"))

	clk.t = clk.t.Add(10 * time.Second)
	got, err := tr.UpdateCursor("cur-a", CursorUpdate{Anchor: 4, Head: 9})
	require.NoError(t, err)
	assert.Equal(t, SelectionRange, got.SelectionType)
	assert.Equal(t, clk.t, got.LastActivity)

	_, err = tr.UpdateCursor("nope", CursorUpdate{})
	require.ErrorIs(t, err, ErrUnknownCursor)

	// b has been silent for 70s, a for 60s: only b crosses the idle threshold
	clk.t = clk.t.Add(60 * time.Second)
	removed := tr.ExpireStale("s1", time.Minute)
	assert.Empty(t, removed)
	byID := map[string]Activity{}
	for _, c := range tr.List("s1") {
		byID[c.ID] = c.Activity
	}
	assert.Equal(t, ActivityActive, byID["cur-a"])
	assert.Equal(t, ActivityIdle, byID["cur-b"])

	clk.t = clk.t.Add(60 * time.Second)
	removed = tr.ExpireStale("s1", time.Minute)
	require.Len(t, removed, 1)
	assert.Equal(t, "cur-b", removed[0].ID)
	assert.Equal(t, ActivityDisconnected, removed[0].Activity)

	tr.Remove("cur-a")
	assert.Empty(t, tr.List("s1"))
	assert.Empty(t, tr.Sessions())

	assert.Equal(t, []string{
		UpdateCursor, UpdateCursor, UpdateCursor, // two joins, one move
		UpdateStatus, // b idle
		UpdateStatus, // a idle on the second sweep
		UpdateLeft,   // b expired
		UpdateLeft,   // a removed
	}, rec.types())
}

func TestColorIsStablePerAuthor(t *testing.T) {
	tr := NewTracker()
	a := models.Internal("u1", "")
	c1 := tr.Register("s1", "x", "c1", a)
	c2 := tr.Register("s2", "y", "c2", a)
	assert.Equal(t, c1.Color, c2.Color)
}

func TestRedisRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	nodeA := NewRedisRelay(rdb, "node-a")
	nodeB := NewRedisRelay(rdb, "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recvB := &recorder{}
	go func() { _ = nodeB.Run(ctx, recvB) }()
	recvA := &recorder{}
	go func() { _ = nodeA.Run(ctx, recvA) }()

	// publish until the subscriber on node b is listening
	require.Eventually(t, func() bool {
		nodeA.BroadcastPresence("s1", Update{Type: UpdateCursor, Cursor: Cursor{ID: "cur-a", SessionID: "s1"}})
		return len(recvB.types()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	recvB.mu.Lock()
	assert.Equal(t, "cur-a", recvB.updates[0].Cursor.ID)
	recvB.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recvA.types(), "a node ignores its own messages")
}
