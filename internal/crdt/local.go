package crdt

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfRange is returned when an offset falls outside the visible text.
var ErrOutOfRange = errors.New("offset out of range")

// The helpers below turn offset-based edits into fragments. They do not
// mutate the document; the caller merges the result through Apply.

// InsertAt builds a fragment inserting text before the character at offset.
func (d *Document) InsertAt(client string, offset int, text string) (Fragment, error) {
	if text == "" {
		return Fragment{}, errors.New("nothing to insert")
	}
	visible := d.VisibleIDs()
	if offset < 0 || offset > len(visible) {
		return Fragment{}, fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, offset, len(visible))
	}
	parent := Head
	if offset > 0 {
		parent = visible[offset-1]
	}
	return NewInsert(parent, d.NextID(client), text), nil
}

// DeleteRange builds a fragment deleting length characters from offset.
func (d *Document) DeleteRange(offset, length int) (Fragment, error) {
	ids, err := d.visibleRange(offset, length)
	if err != nil {
		return Fragment{}, err
	}
	if len(ids) == 0 {
		return Fragment{}, errors.New("nothing to delete")
	}
	return NewDelete(ids...), nil
}

// FormatRange builds a fragment marking the given range with key=value.
func (d *Document) FormatRange(client string, offset, length int, key, value string) (Fragment, error) {
	ids, err := d.visibleRange(offset, length)
	if err != nil {
		return Fragment{}, err
	}
	if len(ids) == 0 {
		return Fragment{}, errors.New("nothing to format")
	}
	return Fragment{Kind: KindFormat, Format: &FormatFragment{
		Mark:  d.NextID(client),
		From:  ids[0],
		To:    ids[len(ids)-1],
		Key:   key,
		Value: value,
	}}, nil
}

// SetBlock builds a fragment setting the block type of the paragraph
// starting at offset. Offset 0 anchors to the head.
func (d *Document) SetBlock(client string, offset int, block string, props map[string]string) (Fragment, error) {
	anchor := Head
	if offset > 0 {
		ids, err := d.visibleRange(offset, 1)
		if err != nil {
			return Fragment{}, err
		}
		anchor = ids[0]
	}
	return Fragment{Kind: KindStructural, Structural: &StructuralFragment{
		Stamp:  d.NextID(client),
		Anchor: anchor,
		Block:  block,
		Props:  props,
	}}, nil
}

// DeleteIDs builds a fragment deleting whichever of ids are still visible.
// ok is false when none are.
func (d *Document) DeleteIDs(ids []ID) (Fragment, bool) {
	var targets []ID
	for _, id := range ids {
		if e, found := d.elems[id]; found && !id.IsHead() && !e.deleted {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return Fragment{}, false
	}
	return NewDelete(targets...), true
}

// Restore builds insert fragments that retype the deleted characters among
// ids in place. Each contiguous run of tombstones becomes one fragment
// parented to the run's last tombstone.
func (d *Document) Restore(client string, ids []ID) []Fragment {
	d.linear()
	var dead []ID
	for _, id := range ids {
		if e, ok := d.elems[id]; ok && !id.IsHead() && e.deleted {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return nil
	}
	sort.Slice(dead, func(i, j int) bool { return d.index[dead[i]] < d.index[dead[j]] })

	var frags []Fragment
	next := d.NextID(client)
	flush := func(run []ID) {
		text := make([]rune, len(run))
		for i, id := range run {
			text[i] = d.elems[id].value
		}
		frags = append(frags, NewInsert(run[len(run)-1], next, string(text)))
		next = next.Offset(len(run))
	}

	run := []ID{dead[0]}
	for _, id := range dead[1:] {
		if d.contiguous(run[len(run)-1], id) {
			run = append(run, id)
			continue
		}
		flush(run)
		run = []ID{id}
	}
	flush(run)
	return frags
}

// contiguous reports whether no visible character separates a and b.
func (d *Document) contiguous(a, b ID) bool {
	order := d.linear()
	for _, id := range order[d.index[a]+1 : d.index[b]] {
		if !d.elems[id].deleted {
			return false
		}
	}
	return true
}

// ReplaceAll builds fragments that swap the visible text for text.
func (d *Document) ReplaceAll(client string, text string) []Fragment {
	var frags []Fragment
	if del, ok := d.DeleteIDs(d.VisibleIDs()); ok {
		frags = append(frags, del)
	}
	if text != "" {
		frags = append(frags, NewInsert(Head, d.NextID(client), text))
	}
	return frags
}

func (d *Document) visibleRange(offset, length int) ([]ID, error) {
	visible := d.VisibleIDs()
	if offset < 0 || length < 0 || offset+length > len(visible) {
		return nil, fmt.Errorf("%w: range [%d,%d) of %d", ErrOutOfRange, offset, offset+length, len(visible))
	}
	return visible[offset : offset+length], nil
}
