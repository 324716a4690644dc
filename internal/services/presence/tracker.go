package presence

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"contract-collab/internal/models"
)

/*
LEARNING: EPHEMERAL STATE

Cursors live only in memory. Nothing here touches the document or the
operation log, so losing a presence update is cosmetic:

  join → Register (active) → UpdateCursor... → ExpireStale → idle
                                                       → disconnected (removed)

Every change is pushed to the registered broadcasters without waiting.
*/

// ErrUnknownCursor is returned when a cursor id is not registered.
var ErrUnknownCursor = errors.New("unknown cursor")

// Activity is the coarse liveness of a cursor.
type Activity string

const (
	ActivityActive       Activity = "active"
	ActivityIdle         Activity = "idle"
	ActivityDisconnected Activity = "disconnected"
)

// Selection types reported by editors.
const (
	SelectionCaret = "caret"
	SelectionRange = "range"
	SelectionNode  = "node"
)

// Cursor is one client's selection and activity.
type Cursor struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	ClientID      string        `json:"client_id"`
	Author        models.Author `json:"author"`
	Color         string        `json:"color"`
	Anchor        int           `json:"anchor"`
	Head          int           `json:"head"`
	SelectionType string        `json:"selection_type"`
	NodePath      []int         `json:"node_path,omitempty"`
	Activity      Activity      `json:"activity"`
	LastActivity  time.Time     `json:"last_activity"`
}

// CursorUpdate is what a client reports on each activity tick.
type CursorUpdate struct {
	Anchor        int      `json:"anchor"`
	Head          int      `json:"head"`
	SelectionType string   `json:"selection_type"`
	NodePath      []int    `json:"node_path,omitempty"`
	Activity      Activity `json:"activity,omitempty"`
}

// Update types sent to broadcasters.
const (
	UpdateCursor = "cursor"
	UpdateStatus = "status"
	UpdateLeft   = "left"
)

// Update is one presence change.
type Update struct {
	Type   string `json:"type"`
	Cursor Cursor `json:"cursor"`
}

// Broadcaster delivers presence updates to the other participants.
// Implementations must not block.
type Broadcaster interface {
	BroadcastPresence(sessionID string, u Update)
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#9a6324",
}

// Tracker holds the cursors of every session served by this node.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Cursor // sessionID -> cursorID -> cursor
	index    map[string]string             // cursorID -> sessionID

	bmu          sync.RWMutex
	broadcasters []Broadcaster

	now func() time.Time
}

// NewTracker creates a tracker publishing to the given broadcasters.
func NewTracker(b ...Broadcaster) *Tracker {
	return &Tracker{
		sessions:     make(map[string]map[string]*Cursor),
		index:        make(map[string]string),
		broadcasters: b,
		now:          time.Now,
	}
}

// AddBroadcaster registers another destination for updates.
func (t *Tracker) AddBroadcaster(b Broadcaster) {
	t.bmu.Lock()
	t.broadcasters = append(t.broadcasters, b)
	t.bmu.Unlock()
}

// Register creates an active cursor at offset 0.
func (t *Tracker) Register(sessionID, cursorID, clientID string, author models.Author) Cursor {
	t.mu.Lock()
	c := &Cursor{
		ID:            cursorID,
		SessionID:     sessionID,
		ClientID:      clientID,
		Author:        author,
		Color:         colorFor(author.Key()),
		SelectionType: SelectionCaret,
		Activity:      ActivityActive,
		LastActivity:  t.now(),
	}
	if t.sessions[sessionID] == nil {
		t.sessions[sessionID] = make(map[string]*Cursor)
	}
	t.sessions[sessionID][cursorID] = c
	t.index[cursorID] = sessionID
	out := *c
	t.mu.Unlock()

	t.publish(sessionID, Update{Type: UpdateCursor, Cursor: out})
	return out
}

// UpdateCursor records a selection change and marks the cursor active
// unless the client reports otherwise.
func (t *Tracker) UpdateCursor(cursorID string, in CursorUpdate) (Cursor, error) {
	t.mu.Lock()
	sessionID, ok := t.index[cursorID]
	if !ok {
		t.mu.Unlock()
		return Cursor{}, ErrUnknownCursor
	}
	c := t.sessions[sessionID][cursorID]
	c.Anchor, c.Head = in.Anchor, in.Head
	c.NodePath = in.NodePath
	if in.SelectionType != "" {
		c.SelectionType = in.SelectionType
	} else if in.Anchor == in.Head {
		c.SelectionType = SelectionCaret
	} else {
		c.SelectionType = SelectionRange
	}
	c.Activity = ActivityActive
	if in.Activity == ActivityIdle {
		c.Activity = ActivityIdle
	}
	c.LastActivity = t.now()
	out := *c
	t.mu.Unlock()

	t.publish(sessionID, Update{Type: UpdateCursor, Cursor: out})
	return out, nil
}

// Touch refreshes the activity timestamp without moving the cursor.
func (t *Tracker) Touch(cursorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sessionID, ok := t.index[cursorID]; ok {
		c := t.sessions[sessionID][cursorID]
		c.LastActivity = t.now()
		c.Activity = ActivityActive
	}
}

// ExpireStale moves cursors silent for longer than idle to idle, and
// removes those silent for twice as long. It returns the removed cursors.
func (t *Tracker) ExpireStale(sessionID string, idle time.Duration) []Cursor {
	now := t.now()
	var changed, removed []Cursor

	t.mu.Lock()
	for id, c := range t.sessions[sessionID] {
		silent := now.Sub(c.LastActivity)
		switch {
		case silent > 2*idle:
			c.Activity = ActivityDisconnected
			removed = append(removed, *c)
			delete(t.sessions[sessionID], id)
			delete(t.index, id)
		case silent > idle && c.Activity == ActivityActive:
			c.Activity = ActivityIdle
			changed = append(changed, *c)
		}
	}
	if len(t.sessions[sessionID]) == 0 {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	for _, c := range changed {
		t.publish(sessionID, Update{Type: UpdateStatus, Cursor: c})
	}
	for _, c := range removed {
		t.publish(sessionID, Update{Type: UpdateLeft, Cursor: c})
	}
	return removed
}

// Remove drops a cursor, typically on leave.
func (t *Tracker) Remove(cursorID string) {
	t.mu.Lock()
	sessionID, ok := t.index[cursorID]
	if !ok {
		t.mu.Unlock()
		return
	}
	c := *t.sessions[sessionID][cursorID]
	delete(t.sessions[sessionID], cursorID)
	delete(t.index, cursorID)
	if len(t.sessions[sessionID]) == 0 {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	c.Activity = ActivityDisconnected
	t.publish(sessionID, Update{Type: UpdateLeft, Cursor: c})
}

// List returns the cursors of a session ordered by id.
func (t *Tracker) List(sessionID string) []Cursor {
	t.mu.RLock()
	out := make([]Cursor, 0, len(t.sessions[sessionID]))
	for _, c := range t.sessions[sessionID] {
		out = append(out, *c)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns the ids of sessions with at least one cursor.
func (t *Tracker) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		out = append(out, id)
	}
	return out
}

func (t *Tracker) publish(sessionID string, u Update) {
	t.bmu.RLock()
	defer t.bmu.RUnlock()
	for _, b := range t.broadcasters {
		b.BroadcastPresence(sessionID, u)
	}
}

func colorFor(key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return palette[h.Sum32()%uint32(len(palette))]
}
