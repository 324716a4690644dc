package crdt

import (
	"sort"
	"strings"
)

/*
LEARNING: REPLICATED GROWABLE ARRAY (RGA)

The document is a tree. Every character hangs off the character it was
typed after (its parent). Siblings are ordered newest-first by ID, and a
preorder walk of the tree yields the text.

Because the order is a pure function of the set of elements, applying the
same fragments in any order yields the same document:

  head
   ├── 9@B "X"        ← typed after head later, so it sorts first
   └── 1@A "a" ── 2@A "b"

  text: "Xab"

Deletes only set a tombstone, so positions that other fragments reference
stay valid forever. Fragments whose parent (or delete target) has not
arrived yet wait in a buffer until it does.
*/

type element struct {
	id       ID
	parent   ID
	value    rune
	deleted  bool
	children []ID // descending by ID
}

// Document is the live replicated state of one contract.
// It is not safe for concurrent use; callers serialize access.
type Document struct {
	elems    map[ID]*element
	lamport  uint64
	versions map[string]uint64

	waitingInserts map[ID][]InsertFragment // keyed by the missing parent
	waitingDeletes map[ID]struct{}

	marks  map[ID]FormatFragment
	blocks map[ID]StructuralFragment

	// linear order including tombstones, rebuilt lazily
	order []ID
	index map[ID]int
}

// New returns an empty document.
func New() *Document {
	d := &Document{
		elems:          make(map[ID]*element),
		versions:       make(map[string]uint64),
		waitingInserts: make(map[ID][]InsertFragment),
		waitingDeletes: make(map[ID]struct{}),
		marks:          make(map[ID]FormatFragment),
		blocks:         make(map[ID]StructuralFragment),
	}
	d.elems[Head] = &element{id: Head}
	return d
}

// Apply merges a fragment into the document. Applying a fragment twice
// has no further effect.
func (d *Document) Apply(f Fragment) error {
	if err := f.Validate(); err != nil {
		return err
	}
	switch f.Kind {
	case KindInsert:
		d.applyInsert(*f.Insert)
	case KindDelete:
		d.applyDelete(f.Delete.Targets)
	case KindFormat:
		d.applyFormat(*f.Format)
	case KindStructural:
		d.applyStructural(*f.Structural)
	}
	return nil
}

// Observe records that the operation with the given per-client clock has
// been merged.
func (d *Document) Observe(client string, clock uint64) {
	if clock > d.versions[client] {
		d.versions[client] = clock
	}
}

// Clock returns the highest clock observed for client.
func (d *Document) Clock(client string) uint64 {
	return d.versions[client]
}

// Versions returns a copy of the version vector.
func (d *Document) Versions() map[string]uint64 {
	out := make(map[string]uint64, len(d.versions))
	for k, v := range d.versions {
		out[k] = v
	}
	return out
}

// Lamport returns the highest counter merged so far.
func (d *Document) Lamport() uint64 {
	return d.lamport
}

// NextID returns a fresh identifier for client.
func (d *Document) NextID(client string) ID {
	return ID{Counter: d.lamport + 1, Client: client}
}

func (d *Document) observeCounter(c uint64) {
	if c > d.lamport {
		d.lamport = c
	}
}

func (d *Document) applyInsert(f InsertFragment) {
	queue := []InsertFragment{f}
	for len(queue) > 0 {
		frag := queue[0]
		queue = queue[1:]

		if _, ok := d.elems[frag.Parent]; !ok {
			d.wait(frag)
			continue
		}

		parent := frag.Parent
		i := 0
		for _, r := range frag.Text {
			id := frag.Start.Offset(i)
			i++
			if _, exists := d.elems[id]; !exists {
				d.insertElement(id, parent, r)
				if waiting, ok := d.waitingInserts[id]; ok {
					delete(d.waitingInserts, id)
					queue = append(queue, waiting...)
				}
			}
			parent = id
		}
	}
}

func (d *Document) wait(f InsertFragment) {
	for _, w := range d.waitingInserts[f.Parent] {
		if w.Start == f.Start {
			return
		}
	}
	d.waitingInserts[f.Parent] = append(d.waitingInserts[f.Parent], f)
}

func (d *Document) insertElement(id, parent ID, r rune) {
	e := &element{id: id, parent: parent, value: r}
	if _, ok := d.waitingDeletes[id]; ok {
		e.deleted = true
		delete(d.waitingDeletes, id)
	}
	d.elems[id] = e

	p := d.elems[parent]
	at := sort.Search(len(p.children), func(i int) bool {
		return p.children[i].Less(id)
	})
	p.children = append(p.children, ID{})
	copy(p.children[at+1:], p.children[at:])
	p.children[at] = id

	d.observeCounter(id.Counter)
	d.order = nil
	d.index = nil
}

func (d *Document) applyDelete(targets []ID) {
	for _, t := range targets {
		if e, ok := d.elems[t]; ok {
			e.deleted = true
			continue
		}
		d.waitingDeletes[t] = struct{}{}
	}
}

func (d *Document) applyFormat(f FormatFragment) {
	if _, ok := d.marks[f.Mark]; ok {
		return
	}
	d.marks[f.Mark] = f
	d.observeCounter(f.Mark.Counter)
}

func (d *Document) applyStructural(f StructuralFragment) {
	cur, ok := d.blocks[f.Anchor]
	if !ok || cur.Stamp.Less(f.Stamp) {
		props := make(map[string]string, len(f.Props))
		for k, v := range f.Props {
			props[k] = v
		}
		f.Props = props
		d.blocks[f.Anchor] = f
	}
	d.observeCounter(f.Stamp.Counter)
}

func (d *Document) linear() []ID {
	if d.order != nil {
		return d.order
	}
	order := make([]ID, 0, len(d.elems)-1)
	var stack []ID
	push := func(children []ID) {
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	push(d.elems[Head].children)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, id)
		push(d.elems[id].children)
	}
	index := make(map[ID]int, len(order))
	for i, id := range order {
		index[id] = i
	}
	d.order = order
	d.index = index
	return order
}

// Text returns the visible text.
func (d *Document) Text() string {
	var b strings.Builder
	for _, id := range d.linear() {
		if e := d.elems[id]; !e.deleted {
			b.WriteRune(e.value)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	n := 0
	for _, e := range d.elems {
		if !e.id.IsHead() && !e.deleted {
			n++
		}
	}
	return n
}

// VisibleIDs returns the IDs of the visible characters in order.
func (d *Document) VisibleIDs() []ID {
	var ids []ID
	for _, id := range d.linear() {
		if !d.elems[id].deleted {
			ids = append(ids, id)
		}
	}
	return ids
}

// Contains reports whether the element has been merged (tombstoned or not).
func (d *Document) Contains(id ID) bool {
	_, ok := d.elems[id]
	return ok
}

// Element returns the character for id and whether it is deleted.
func (d *Document) Element(id ID) (value rune, deleted bool, ok bool) {
	e, ok := d.elems[id]
	if !ok || id.IsHead() {
		return 0, false, false
	}
	return e.value, e.deleted, true
}

// Offset returns the number of visible characters before id.
func (d *Document) Offset(id ID) (int, bool) {
	if id.IsHead() {
		return 0, true
	}
	order := d.linear()
	pos, ok := d.index[id]
	if !ok {
		return 0, false
	}
	n := 0
	for _, other := range order[:pos] {
		if !d.elems[other].deleted {
			n++
		}
	}
	return n, true
}

// Span returns every element between from and to inclusive, tombstones
// included, in document order.
func (d *Document) Span(from, to ID) ([]ID, bool) {
	order := d.linear()
	i, ok := d.index[from]
	if !ok {
		return nil, false
	}
	j, ok := d.index[to]
	if !ok || j < i {
		return nil, false
	}
	return append([]ID(nil), order[i:j+1]...), true
}

// Waiting returns the number of buffered fragments whose dependencies
// have not arrived.
func (d *Document) Waiting() int {
	n := len(d.waitingDeletes)
	for _, w := range d.waitingInserts {
		n += len(w)
	}
	return n
}

// Marks returns the merged format marks ordered by mark ID.
func (d *Document) Marks() []FormatFragment {
	out := make([]FormatFragment, 0, len(d.marks))
	for _, m := range d.marks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mark.Less(out[j].Mark) })
	return out
}

// Blocks returns the winning block attribute per anchor ordered by anchor.
func (d *Document) Blocks() []StructuralFragment {
	out := make([]StructuralFragment, 0, len(d.blocks))
	for _, b := range d.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Anchor.Less(out[j].Anchor) })
	return out
}
