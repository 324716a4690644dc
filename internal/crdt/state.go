package crdt

import (
	"fmt"
	"sort"
	"unicode/utf8"
)

// State is the canonical, order-stable form of a Document. Two documents
// that merged the same fragments export equal States.
type State struct {
	Lamport        uint64               `json:"lamport"`
	Elements       []ElementState       `json:"elements"`
	WaitingInserts []InsertFragment     `json:"waiting_inserts,omitempty"`
	WaitingDeletes []ID                 `json:"waiting_deletes,omitempty"`
	Marks          []FormatFragment     `json:"marks,omitempty"`
	Blocks         []StructuralFragment `json:"blocks,omitempty"`
	Versions       []ClientClock        `json:"versions,omitempty"`
}

// ElementState is one character in document order.
type ElementState struct {
	ID      ID     `json:"id"`
	Parent  ID     `json:"p"`
	Value   string `json:"v"`
	Deleted bool   `json:"d,omitempty"`
}

// ClientClock is one version vector entry.
type ClientClock struct {
	Client string `json:"client"`
	Clock  uint64 `json:"clock"`
}

// Export captures the document.
func (d *Document) Export() State {
	order := d.linear()
	s := State{
		Lamport:  d.lamport,
		Elements: make([]ElementState, len(order)),
		Marks:    d.Marks(),
		Blocks:   d.Blocks(),
		Versions: SortedVersions(d.versions),
	}
	for i, id := range order {
		e := d.elems[id]
		s.Elements[i] = ElementState{ID: id, Parent: e.parent, Value: string(e.value), Deleted: e.deleted}
	}
	for _, waiting := range d.waitingInserts {
		s.WaitingInserts = append(s.WaitingInserts, waiting...)
	}
	sort.Slice(s.WaitingInserts, func(i, j int) bool {
		a, b := s.WaitingInserts[i], s.WaitingInserts[j]
		if a.Start != b.Start {
			return a.Start.Less(b.Start)
		}
		return a.Parent.Less(b.Parent)
	})
	for id := range d.waitingDeletes {
		s.WaitingDeletes = append(s.WaitingDeletes, id)
	}
	sort.Slice(s.WaitingDeletes, func(i, j int) bool { return s.WaitingDeletes[i].Less(s.WaitingDeletes[j]) })
	return s
}

// Import rebuilds a document from an exported State.
func Import(s State) (*Document, error) {
	d := New()
	for i, es := range s.Elements {
		if es.ID.IsHead() {
			return nil, fmt.Errorf("element %d uses the head id", i)
		}
		if d.Contains(es.ID) {
			return nil, fmt.Errorf("element %s appears twice", es.ID)
		}
		if !d.Contains(es.Parent) {
			return nil, fmt.Errorf("element %s precedes its parent %s", es.ID, es.Parent)
		}
		r, size := utf8.DecodeRuneInString(es.Value)
		if r == utf8.RuneError || size != len(es.Value) {
			return nil, fmt.Errorf("element %s holds %q, want exactly one rune", es.ID, es.Value)
		}
		d.insertElement(es.ID, es.Parent, r)
		d.elems[es.ID].deleted = es.Deleted
	}
	for _, w := range s.WaitingInserts {
		d.wait(w)
	}
	for _, id := range s.WaitingDeletes {
		d.waitingDeletes[id] = struct{}{}
	}
	for _, m := range s.Marks {
		d.marks[m.Mark] = m
	}
	for _, b := range s.Blocks {
		d.blocks[b.Anchor] = b
	}
	for _, v := range s.Versions {
		d.versions[v.Client] = v.Clock
	}
	if s.Lamport < d.lamport {
		return nil, fmt.Errorf("lamport %d is behind merged counter %d", s.Lamport, d.lamport)
	}
	d.lamport = s.Lamport
	return d, nil
}

// SortedVersions flattens a version vector in client order.
func SortedVersions(v map[string]uint64) []ClientClock {
	out := make([]ClientClock, 0, len(v))
	for client, clock := range v {
		out = append(out, ClientClock{Client: client, Clock: clock})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}
