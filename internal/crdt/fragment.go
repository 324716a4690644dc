package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind is the operation kind carried by a fragment.
type Kind string

const (
	KindInsert     Kind = "insert"
	KindDelete     Kind = "delete"
	KindFormat     Kind = "format"
	KindStructural Kind = "structural"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindFormat, KindStructural:
		return true
	}
	return false
}

// Fragment is one self-contained update to a document. Exactly one of
// the kind-specific payloads is set.
type Fragment struct {
	Kind       Kind                `json:"kind"`
	Insert     *InsertFragment     `json:"insert,omitempty"`
	Delete     *DeleteFragment     `json:"delete,omitempty"`
	Format     *FormatFragment     `json:"format,omitempty"`
	Structural *StructuralFragment `json:"structural,omitempty"`
}

// InsertFragment inserts Text after Parent. Character i receives
// Start.Offset(i) and is parented to character i-1.
type InsertFragment struct {
	Parent ID     `json:"parent"`
	Start  ID     `json:"start"`
	Text   string `json:"text"`
}

// IDs returns the element IDs the fragment creates.
func (f *InsertFragment) IDs() []ID {
	n := utf8.RuneCountInString(f.Text)
	ids := make([]ID, n)
	for i := range ids {
		ids[i] = f.Start.Offset(i)
	}
	return ids
}

// Last returns the ID of the final inserted character.
func (f *InsertFragment) Last() ID {
	return f.Start.Offset(utf8.RuneCountInString(f.Text) - 1)
}

// DeleteFragment tombstones the listed elements.
type DeleteFragment struct {
	Targets []ID `json:"targets"`
}

// FormatFragment attaches a mark to the span From..To (inclusive).
// An empty Value clears the attribute for that span.
type FormatFragment struct {
	Mark  ID     `json:"mark"`
	From  ID     `json:"from"`
	To    ID     `json:"to"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// StructuralFragment sets the block type of the paragraph that starts at
// Anchor. The highest Stamp wins.
type StructuralFragment struct {
	Stamp  ID                `json:"stamp"`
	Anchor ID                `json:"anchor"`
	Block  string            `json:"block"`
	Props  map[string]string `json:"props,omitempty"`
}

// Author returns the client id that minted the fragment's identifiers.
// Delete fragments mint nothing and report "".
func (f Fragment) Author() string {
	switch f.Kind {
	case KindInsert:
		return f.Insert.Start.Client
	case KindFormat:
		return f.Format.Mark.Client
	case KindStructural:
		return f.Structural.Stamp.Client
	}
	return ""
}

// Validate checks the fragment is well formed.
func (f Fragment) Validate() error {
	switch f.Kind {
	case KindInsert:
		if f.Insert == nil {
			return errors.New("insert fragment has no payload")
		}
		if f.Insert.Text == "" {
			return errors.New("insert fragment has empty text")
		}
		if !utf8.ValidString(f.Insert.Text) {
			return errors.New("insert fragment text is not valid utf-8")
		}
		if f.Insert.Start.Counter == 0 || f.Insert.Start.Client == "" {
			return errors.New("insert fragment has no start id")
		}
	case KindDelete:
		if f.Delete == nil || len(f.Delete.Targets) == 0 {
			return errors.New("delete fragment has no targets")
		}
		for _, t := range f.Delete.Targets {
			if t.IsHead() {
				return errors.New("delete fragment targets the head")
			}
		}
	case KindFormat:
		if f.Format == nil {
			return errors.New("format fragment has no payload")
		}
		if f.Format.Mark.Counter == 0 || f.Format.Key == "" {
			return errors.New("format fragment needs a mark id and key")
		}
		if f.Format.From.IsHead() || f.Format.To.IsHead() {
			return errors.New("format fragment span cannot include the head")
		}
	case KindStructural:
		if f.Structural == nil {
			return errors.New("structural fragment has no payload")
		}
		if f.Structural.Stamp.Counter == 0 || f.Structural.Block == "" {
			return errors.New("structural fragment needs a stamp and block type")
		}
	default:
		return fmt.Errorf("unknown fragment kind %q", f.Kind)
	}
	return nil
}

// NewInsert builds an insert fragment.
func NewInsert(parent, start ID, text string) Fragment {
	return Fragment{Kind: KindInsert, Insert: &InsertFragment{Parent: parent, Start: start, Text: text}}
}

// NewDelete builds a delete fragment.
func NewDelete(targets ...ID) Fragment {
	return Fragment{Kind: KindDelete, Delete: &DeleteFragment{Targets: targets}}
}
