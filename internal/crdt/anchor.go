package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrDrift is returned when an anchor no longer maps onto the text it
// was created against.
var ErrDrift = errors.New("anchor drifted")

// Anchor pins a range of the document to element IDs instead of offsets.
// An empty range (Start is the head) is a pure insertion point after After.
type Anchor struct {
	After ID     `json:"after"`
	Start ID     `json:"start"`
	End   ID     `json:"end"`
	Text  string `json:"text"`
}

// Empty reports whether the anchor covers no characters.
func (a Anchor) Empty() bool {
	return a.Start.IsHead()
}

// Placement is where an anchor currently sits in the visible text.
type Placement struct {
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
	Text    string `json:"text"`
	Drifted bool   `json:"drifted"`
	Reason  string `json:"reason,omitempty"`
}

// AnchorRange pins the visible range [offset, offset+length).
func (d *Document) AnchorRange(offset, length int) (Anchor, error) {
	visible := d.VisibleIDs()
	if offset < 0 || length < 0 || offset+length > len(visible) {
		return Anchor{}, fmt.Errorf("%w: range [%d,%d) of %d", ErrOutOfRange, offset, offset+length, len(visible))
	}
	a := Anchor{After: Head}
	if offset > 0 {
		a.After = visible[offset-1]
	}
	if length == 0 {
		return a, nil
	}
	a.Start = visible[offset]
	a.End = visible[offset+length-1]
	runes := make([]rune, length)
	for i, id := range visible[offset : offset+length] {
		runes[i] = d.elems[id].value
	}
	a.Text = string(runes)
	return a, nil
}

// Locate remaps an anchor onto the current text. Any change to the
// characters inside a non-empty range marks the placement as drifted.
func (d *Document) Locate(a Anchor) Placement {
	if a.Empty() {
		if !d.Contains(a.After) {
			return Placement{Drifted: true, Reason: "insertion point is unknown"}
		}
		off, _ := d.Offset(a.After)
		if e := d.elems[a.After]; !a.After.IsHead() && !e.deleted {
			off++
		}
		return Placement{Offset: off}
	}

	span, ok := d.Span(a.Start, a.End)
	if !ok {
		return Placement{Drifted: true, Reason: "anchored characters are unknown"}
	}
	off, _ := d.Offset(a.Start)
	runes := make([]rune, 0, len(span))
	for _, id := range span {
		if e := d.elems[id]; !e.deleted {
			runes = append(runes, e.value)
		}
	}
	p := Placement{Offset: off, Length: len(runes), Text: string(runes)}
	switch {
	case len(runes) == 0:
		p.Drifted, p.Reason = true, "anchored text was deleted"
	case p.Text != a.Text:
		p.Drifted, p.Reason = true, "anchored text was edited"
	}
	return p
}

// Replace builds the fragments that swap the anchored range for content:
// at most one delete followed by at most one insert.
func (d *Document) Replace(a Anchor, client, content string) ([]Fragment, error) {
	p := d.Locate(a)
	if p.Drifted {
		return nil, fmt.Errorf("%w: %s", ErrDrift, p.Reason)
	}

	var frags []Fragment
	parent := a.After
	if !a.Empty() {
		span, _ := d.Span(a.Start, a.End)
		if del, ok := d.DeleteIDs(span); ok {
			frags = append(frags, del)
		}
		parent = a.End
	}
	if content != "" {
		if !utf8.ValidString(content) {
			return nil, errors.New("replacement is not valid utf-8")
		}
		frags = append(frags, NewInsert(parent, d.NextID(client), content))
	}
	return frags, nil
}
