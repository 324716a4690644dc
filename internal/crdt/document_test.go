package crdt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, text string) (*Document, Fragment) {
	t.Helper()
	d := New()
	f, err := d.InsertAt("base", 0, text)
	require.NoError(t, err)
	require.NoError(t, d.Apply(f))
	return d, f
}

func mustApply(t *testing.T, d *Document, frags ...Fragment) {
	t.Helper()
	for _, f := range frags {
		require.NoError(t, d.Apply(f))
	}
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestInsertAndDelete(t *testing.T) {
	d, _ := seed(t, "hello world")
	assert.Equal(t, "hello world", d.Text())
	assert.Equal(t, 11, d.Len())

	ins, err := d.InsertAt("a", 5, ",")
	require.NoError(t, err)
	mustApply(t, d, ins)
	assert.Equal(t, "hello, world", d.Text())

	del, err := d.DeleteRange(0, 7)
	require.NoError(t, err)
	mustApply(t, d, del)
	assert.Equal(t, "world", d.Text())

	_, err = d.DeleteRange(3, 10)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	base, seedFrag := seed(t, "ab")

	a, err := base.InsertAt("alice", 1, "X")
	require.NoError(t, err)
	b, err := base.InsertAt("bob", 1, "Y")
	require.NoError(t, err)

	left, _ := seed(t, "ab")
	right := New()
	mustApply(t, right, seedFrag)

	mustApply(t, left, a, b)
	mustApply(t, right, b, a)

	assert.Equal(t, left.Text(), right.Text())
	assert.Equal(t, "aYXb", left.Text(), "same counter, higher client sorts first")
}

func TestConvergenceAcrossPermutations(t *testing.T) {
	base, seedFrag := seed(t, "The supplier shall deliver goods.")

	// Three clients edit the same base concurrently, and one client
	// builds on top of another client's insert.
	replace, err := base.DeleteRange(4, 8)
	require.NoError(t, err)
	vendor, err := base.InsertAt("alice", 4, "vendor")
	require.NoError(t, err)
	promptly, err := base.InsertAt("bob", 32, " promptly")
	require.NoError(t, err)
	bold, err := base.FormatRange("carol", 0, 3, "bold", "true")
	require.NoError(t, err)
	heading, err := base.SetBlock("erin", 0, "heading", map[string]string{"level": "1"})
	require.NoError(t, err)

	after := New()
	mustApply(t, after, seedFrag, vendor)
	exclaim := NewInsert(vendor.Insert.Last(), ID{Counter: after.Lamport() + 1, Client: "dave"}, "!")

	ops := []Fragment{replace, vendor, promptly, bold, heading, exclaim}

	var want State
	var wantText string
	for i, perm := range permutations(len(ops)) {
		d := New()
		mustApply(t, d, seedFrag)
		for _, idx := range perm {
			mustApply(t, d, ops[idx])
		}
		assert.Zero(t, d.Waiting())
		if i == 0 {
			want, wantText = d.Export(), d.Text()
			continue
		}
		require.Equal(t, want, d.Export(), "permutation %v diverged", perm)
	}
	assert.Equal(t, "The vendor! shall deliver goods promptly.", wantText)
}

func TestIdempotentApply(t *testing.T) {
	d, seedFrag := seed(t, "contract")
	ins, err := d.InsertAt("a", 8, "s")
	require.NoError(t, err)
	del, err := d.DeleteRange(0, 1)
	require.NoError(t, err)

	mustApply(t, d, ins, del)
	once := d.Export()

	mustApply(t, d, seedFrag, ins, del, ins)
	assert.Equal(t, once, d.Export())
	assert.Equal(t, "ontracts", d.Text())
}

func TestOutOfOrderDependenciesAreBuffered(t *testing.T) {
	src, seedFrag := seed(t, "ab")
	first, err := src.InsertAt("a", 2, "cd")
	require.NoError(t, err)
	mustApply(t, src, first)
	second, err := src.InsertAt("a", 4, "ef")
	require.NoError(t, err)
	mustApply(t, src, second)
	del, err := src.DeleteRange(4, 1)
	require.NoError(t, err)

	d := New()
	mustApply(t, d, del, second)
	assert.Equal(t, "", d.Text())
	assert.Equal(t, 2, d.Waiting())

	mustApply(t, d, seedFrag, first)
	assert.Zero(t, d.Waiting())
	assert.Equal(t, "abcdf", d.Text())
}

func TestNet30Scenario(t *testing.T) {
	text := strings.Repeat("x", 100) + "0123456789" + strings.Repeat("y", 10) + strings.Repeat("z", 30)
	base, seedFrag := seed(t, text)

	insert, err := base.InsertAt("client-a", 120, "Net 30")
	require.NoError(t, err)
	remove, err := base.DeleteRange(100, 10)
	require.NoError(t, err)

	replicaA := New()
	mustApply(t, replicaA, seedFrag, insert, remove)
	replicaB := New()
	mustApply(t, replicaB, seedFrag, remove, insert)

	want := strings.Repeat("x", 100) + strings.Repeat("y", 10) + "Net 30" + strings.Repeat("z", 30)
	assert.Equal(t, want, replicaA.Text())
	assert.Equal(t, want, replicaB.Text())
	assert.Equal(t, replicaA.Export(), replicaB.Export())
}

func TestStructuralLastWriterWins(t *testing.T) {
	d, _ := seed(t, "Clause")
	h1, err := d.SetBlock("a", 0, "heading", nil)
	require.NoError(t, err)
	h2, err := d.SetBlock("b", 0, "paragraph", nil)
	require.NoError(t, err)

	x := New()
	mustApply(t, x, h1, h2)
	y := New()
	mustApply(t, y, h2, h1)

	require.Len(t, x.Blocks(), 1)
	assert.Equal(t, "paragraph", x.Blocks()[0].Block)
	assert.Equal(t, x.Blocks(), y.Blocks())
}

func TestRestoreAndReplaceAll(t *testing.T) {
	d, _ := seed(t, "pay within 30 days")
	del, err := d.DeleteRange(11, 3)
	require.NoError(t, err)
	mustApply(t, d, del)
	require.Equal(t, "pay within days", d.Text())

	mustApply(t, d, d.Restore("srv", del.Delete.Targets)...)
	assert.Equal(t, "pay within 30 days", d.Text())

	mustApply(t, d, d.ReplaceAll("srv", "void")...)
	assert.Equal(t, "void", d.Text())
}

func TestExportImportRoundTrip(t *testing.T) {
	d, _ := seed(t, "Net 60")
	del, err := d.DeleteRange(4, 1)
	require.NoError(t, err)
	mustApply(t, d, del)
	ins, err := d.InsertAt("a", 4, "3")
	require.NoError(t, err)
	mustApply(t, d, ins)
	d.Observe("a", 2)

	back, err := Import(d.Export())
	require.NoError(t, err)
	assert.Equal(t, d.Export(), back.Export())
	assert.Equal(t, "Net 30", back.Text())
	assert.Equal(t, uint64(2), back.Clock("a"))
}

func TestImportRejectsOrphans(t *testing.T) {
	_, err := Import(State{Elements: []ElementState{{ID: ID{Counter: 2, Client: "a"}, Parent: ID{Counter: 1, Client: "a"}, Value: "x"}}})
	require.Error(t, err)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("42@alice")
	require.NoError(t, err)
	assert.Equal(t, ID{Counter: 42, Client: "alice"}, id)
	assert.Equal(t, "42@alice", id.String())

	head, err := ParseID("head")
	require.NoError(t, err)
	assert.True(t, head.IsHead())

	_, err = ParseID("alice")
	require.Error(t, err)
}
