package crdt

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomEdit builds one local edit against d, or ok=false when the drawn
// edit does not fit the current text.
func randomEdit(rng *rand.Rand, d *Document, client string) (Fragment, bool) {
	const letters = "abcdefxyz "
	n := d.Len()
	kind := rng.IntN(10)
	if n == 0 {
		kind = 0
	}
	var (
		f   Fragment
		err error
	)
	switch {
	case kind < 5:
		text := make([]byte, 1+rng.IntN(3))
		for i := range text {
			text[i] = letters[rng.IntN(len(letters))]
		}
		f, err = d.InsertAt(client, rng.IntN(n+1), string(text))
	case kind < 8:
		off := rng.IntN(n)
		f, err = d.DeleteRange(off, 1+rng.IntN(min(3, n-off)))
	case kind < 9:
		off := rng.IntN(n)
		key := []string{"bold", "italic"}[rng.IntN(2)]
		f, err = d.FormatRange(client, off, 1+rng.IntN(min(4, n-off)), key, "true")
	default:
		block := []string{"paragraph", "heading", "quote"}[rng.IntN(3)]
		f, err = d.SetBlock(client, rng.IntN(n), block, nil)
	}
	return f, err == nil
}

// deliver applies k fragments from inbox, chosen at random, and keeps the
// rest queued.
func deliver(t *testing.T, rng *rand.Rand, d *Document, inbox *[]Fragment, k int) {
	t.Helper()
	q := *inbox
	rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
	mustApply(t, d, q[:k]...)
	*inbox = append([]Fragment(nil), q[k:]...)
}

func TestRandomizedConvergence(t *testing.T) {
	clients := []string{"alice", "bob", "carol", "dave"}

	for s := uint64(1); s <= 25; s++ {
		t.Run(fmt.Sprintf("seed=%d", s), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(s, s*0x9e3779b97f4a7c15))
			_, seedFrag := seed(t, "Payment is due within 30 days.")

			replicas := make([]*Document, len(clients))
			inboxes := make([][]Fragment, len(clients))
			history := []Fragment{seedFrag}
			for i := range replicas {
				replicas[i] = New()
				mustApply(t, replicas[i], seedFrag)
			}

			for range 80 {
				i := rng.IntN(len(replicas))
				if f, ok := randomEdit(rng, replicas[i], clients[i]); ok {
					mustApply(t, replicas[i], f)
					history = append(history, f)
					for j := range inboxes {
						if j != i {
							inboxes[j] = append(inboxes[j], f)
						}
					}
				}
				// Partial delivery in shuffled order, so replicas keep
				// editing on top of diverged states.
				j := rng.IntN(len(replicas))
				deliver(t, rng, replicas[j], &inboxes[j], rng.IntN(len(inboxes[j])+1))
			}
			for j := range replicas {
				deliver(t, rng, replicas[j], &inboxes[j], len(inboxes[j]))
			}

			want := replicas[0].Export()
			for j, d := range replicas {
				assert.Zero(t, d.Waiting(), "replica %s has buffered fragments", clients[j])
				require.Equal(t, want, d.Export(), "replica %s diverged", clients[j])
			}

			// A late joiner receiving the whole history in any order,
			// duplicates included, lands on the same state.
			late := New()
			replay := append(append([]Fragment(nil), history...), history[:len(history)/2]...)
			rng.Shuffle(len(replay), func(i, j int) { replay[i], replay[j] = replay[j], replay[i] })
			mustApply(t, late, replay...)
			assert.Zero(t, late.Waiting())
			assert.Equal(t, want, late.Export())
			assert.Equal(t, replicas[0].Text(), late.Text())
		})
	}
}
