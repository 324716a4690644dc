package collaboration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"contract-collab/internal/config"
	"contract-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opsFrame struct {
	Type string `json:"type"`
	Ops  []struct {
		Seq uint64 `json:"seq"`
	} `json:"ops"`
}

func TestSyncDeliversLongCatchUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(p *config.CollabPolicy) { p.CompactAfterSnapshot = false })
	s := f.createSession("")
	a := f.join(s.ID, models.Internal("alice", ""), "client-a")

	// More pages than the send buffer holds.
	const total = sendBuffer*syncPage + 100
	for i := range total {
		a.send(a.insert(i, "x"))
	}

	c := newConn(nil, NewHub(), f.m, a.handle)
	received := make(chan uint64, 1)
	go func() {
		var last uint64
		for last < total {
			var frame opsFrame
			if !assert.NoError(t, json.Unmarshal(<-c.Send, &frame)) || !assert.Equal(t, MsgOps, frame.Type) {
				break
			}
			for _, op := range frame.Ops {
				assert.Equal(t, last+1, op.Seq)
				last = op.Seq
			}
		}
		received <- last
	}()

	delivered := c.sync(ctx, ClientMessage{Type: MsgSync, Seq: 0})
	assert.EqualValues(t, total, delivered)
	select {
	case last := <-received:
		assert.EqualValues(t, total, last)
	case <-time.After(10 * time.Second):
		t.Fatal("reader did not receive the whole log")
	}
}

func TestSyncStopsWhenConnectionCloses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.createSession("")
	a := f.join(s.ID, models.Internal("alice", ""), "client-a")
	for i := range 3 {
		a.send(a.insert(i, "x"))
	}

	c := newConn(nil, NewHub(), f.m, a.handle)
	for range sendBuffer {
		c.Send <- []byte(`{}`)
	}

	done := make(chan uint64, 1)
	go func() { done <- c.sync(ctx, ClientMessage{Type: MsgSync, Seq: 0}) }()

	select {
	case <-done:
		t.Fatal("sync returned while the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}
	c.stop()

	select {
	case delivered := <-done:
		assert.Zero(t, delivered, "nothing reached the client")
	case <-time.After(5 * time.Second):
		require.FailNow(t, "sync did not notice the closed connection")
	}
}
