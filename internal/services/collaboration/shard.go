package collaboration

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"contract-collab/internal/codec"
	"contract-collab/internal/crdt"
	"contract-collab/internal/models"
)

// rosterEntry is one participant and the clients it has connected.
type rosterEntry struct {
	participant models.Participant
	clients     map[string]*CursorHandle // by client id
}

func (e *rosterEntry) active() bool {
	return e != nil && len(e.clients) > 0
}

// pendingOp is an operation buffered until its client's clock gap fills.
type pendingOp struct {
	in opInput
}

// shard is the live state of one session. mu guards every field below it
// except persistMu and snapshotting.
type shard struct {
	id      string
	loaded  chan struct{}
	loadErr error

	persistMu    sync.Mutex
	snapshotting atomic.Bool

	mu       sync.Mutex
	evicted  bool
	session  *models.CollabSession
	doc      *crdt.Document
	seq      uint64
	lastOpID string

	// tail holds every operation with seq in (tailBase, seq].
	tail     []models.Operation
	tailBase uint64
	unsaved  []*models.Operation
	durable  uint64

	pending map[string]map[uint64]*pendingOp // client id → clock
	roster  map[string]*rosterEntry          // author key
	clients map[string]*CursorHandle         // client id
	undone  map[string]bool                  // batch ids with a committed undo batch

	snapSeq        uint64
	snapVersion    int64
	latest         *models.Snapshot
	opsSinceSnap   int
	bytesSinceSnap int

	sessionDirty bool
	lastActive   time.Time
}

func newShard(id string) *shard {
	return &shard{
		id:      id,
		loaded:  make(chan struct{}),
		doc:     crdt.New(),
		pending: make(map[string]map[uint64]*pendingOp),
		roster:  make(map[string]*rosterEntry),
		clients: make(map[string]*CursorHandle),
		undone:  make(map[string]bool),
	}
}

// noteBatch remembers that op belongs to the undo of another batch.
func (sh *shard) noteBatch(op models.Operation) {
	if op.BatchID == nil {
		return
	}
	if orig, ok := strings.CutPrefix(*op.BatchID, undoPrefix); ok {
		sh.undone[orig] = true
	}
}

func (sh *shard) ready() bool {
	select {
	case <-sh.loaded:
		return sh.loadErr == nil
	default:
		return false
	}
}

// trimTail drops operations that are both durable and folded into the
// latest snapshot.
func (sh *shard) trimTail() {
	base := sh.snapSeq
	if sh.durable < base {
		base = sh.durable
	}
	if base <= sh.tailBase {
		return
	}
	i := 0
	for i < len(sh.tail) && sh.tail[i].Seq <= base {
		i++
	}
	sh.tail = append([]models.Operation(nil), sh.tail[i:]...)
	sh.tailBase = base
}

// tailAfter copies the retained operations with seq > since.
func (sh *shard) tailAfter(since uint64) []models.Operation {
	var out []models.Operation
	for _, op := range sh.tail {
		if op.Seq > since {
			out = append(out, op)
		}
	}
	return out
}

func (sh *shard) activeParticipants() int {
	n := 0
	for _, e := range sh.roster {
		if e.active() {
			n++
		}
	}
	return n
}

// opInput is a validated operation ready to be committed.
type opInput struct {
	clientID string
	clock    uint64
	frag     crdt.Fragment
	payload  codec.OpaquePayload
	batchID  string
	batchSeq int
	batchEnd bool
	rng      *Range
	author   models.Author
}

// Range is the visible span an operation touched, as the client saw it.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}
