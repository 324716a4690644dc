package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

/*
LEARNING: STABLE POSITION IDENTIFIERS

Every character ever inserted gets an ID that never changes: a Lamport
counter plus the client that created it. Edits reference these IDs, never
raw offsets, so an edit means the same thing no matter which other edits
a replica has already seen.

  "Net 30" typed by client A after the character 41@B
    → N=57@A (parent 41@B), e=58@A (parent 57@A), ...
*/

// ID identifies one element of the sequence. The zero ID is the virtual
// head every document starts from.
type ID struct {
	Counter uint64 `json:"c"`
	Client  string `json:"a,omitempty"`
}

// Head is the root of every document.
var Head = ID{}

// IsHead reports whether id refers to the document root.
func (id ID) IsHead() bool {
	return id.Counter == 0 && id.Client == ""
}

// Compare orders IDs by counter, then by client.
func (id ID) Compare(other ID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	}
	return strings.Compare(id.Client, other.Client)
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// Offset returns the ID of the n-th character of a run that starts at id.
func (id ID) Offset(n int) ID {
	return ID{Counter: id.Counter + uint64(n), Client: id.Client}
}

func (id ID) String() string {
	if id.IsHead() {
		return "head"
	}
	return strconv.FormatUint(id.Counter, 10) + "@" + id.Client
}

// ParseID parses the String form of an ID.
func ParseID(s string) (ID, error) {
	if s == "head" || s == "" {
		return Head, nil
	}
	counter, client, ok := strings.Cut(s, "@")
	if !ok || client == "" {
		return ID{}, fmt.Errorf("invalid element id %q", s)
	}
	n, err := strconv.ParseUint(counter, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid element id %q: %w", s, err)
	}
	return ID{Counter: n, Client: client}, nil
}
