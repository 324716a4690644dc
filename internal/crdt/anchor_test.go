package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorFollowsUpstreamEdits(t *testing.T) {
	d, _ := seed(t, "Payment due in 60 days.")
	a, err := d.AnchorRange(15, 2)
	require.NoError(t, err)
	assert.Equal(t, "60", a.Text)

	prefix, err := d.InsertAt("other", 0, "Invoice terms: ")
	require.NoError(t, err)
	mustApply(t, d, prefix)

	p := d.Locate(a)
	assert.False(t, p.Drifted)
	assert.Equal(t, 30, p.Offset)
	assert.Equal(t, 2, p.Length)

	frags, err := d.Replace(a, "redline", "30")
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, KindDelete, frags[0].Kind)
	assert.Equal(t, KindInsert, frags[1].Kind)
	mustApply(t, d, frags...)
	assert.Equal(t, "Invoice terms: Payment due in 30 days.", d.Text())
}

func TestAnchorDriftsWhenRangeIsEdited(t *testing.T) {
	tests := []struct {
		name   string
		edit   func(d *Document) Fragment
		reason string
	}{
		{
			name: "inner insert",
			edit: func(d *Document) Fragment {
				f, _ := d.InsertAt("x", 16, "5")
				return f
			},
			reason: "anchored text was edited",
		},
		{
			name: "full delete",
			edit: func(d *Document) Fragment {
				f, _ := d.DeleteRange(15, 2)
				return f
			},
			reason: "anchored text was deleted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := seed(t, "Payment due in 60 days.")
			a, err := d.AnchorRange(15, 2)
			require.NoError(t, err)
			mustApply(t, d, tt.edit(d))

			p := d.Locate(a)
			assert.True(t, p.Drifted)
			assert.Equal(t, tt.reason, p.Reason)

			_, err = d.Replace(a, "redline", "30")
			require.ErrorIs(t, err, ErrDrift)
		})
	}
}

func TestEmptyAnchorIsInsertionPoint(t *testing.T) {
	d, _ := seed(t, "Net days")
	a, err := d.AnchorRange(4, 0)
	require.NoError(t, err)
	assert.True(t, a.Empty())

	frags, err := d.Replace(a, "redline", "30 ")
	require.NoError(t, err)
	require.Len(t, frags, 1)
	mustApply(t, d, frags...)
	assert.Equal(t, "Net 30 days", d.Text())
	assert.Equal(t, 4, d.Locate(a).Offset)
}
