package collaboration

import (
	"context"
	"sync"
	"testing"

	"contract-collab/internal/codec"
	"contract-collab/internal/config"
	"contract-collab/internal/crdt"
	"contract-collab/internal/db"
	"contract-collab/internal/events"
	"contract-collab/internal/models"
	"contract-collab/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var owner = models.Internal("owner", "Olivia")

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

type recorder struct {
	mu       sync.Mutex
	ops      []models.Operation
	sessions []models.CollabSession
}

func (r *recorder) OperationsApplied(_ string, ops []models.Operation) {
	r.mu.Lock()
	r.ops = append(r.ops, ops...)
	r.mu.Unlock()
}

func (r *recorder) SessionChanged(s models.CollabSession) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

func (r *recorder) opCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

type fixture struct {
	t      *testing.T
	gdb    *gorm.DB
	m      *Manager
	sink   *events.MemorySink
	rec    *recorder
	policy config.CollabPolicy
}

func testPolicy() config.CollabPolicy {
	p := config.DefaultCollabPolicy()
	p.SnapshotEveryOps = 10000
	p.SnapshotEveryBytes = 1 << 30
	p.ShardIdleTimeout = 0
	return p
}

func newFixture(t *testing.T, tweak ...func(*config.CollabPolicy)) *fixture {
	t.Helper()
	p := testPolicy()
	for _, fn := range tweak {
		fn(&p)
	}
	f := &fixture{t: t, gdb: newTestDB(t), sink: events.NewMemorySink(), rec: &recorder{}, policy: p}
	f.m = f.newManager()
	return f
}

func (f *fixture) newManager() *Manager {
	m := NewManager(Deps{
		Sessions:   repository.NewSessionRepository(f.gdb),
		Operations: repository.NewOperationRepository(f.gdb),
		Snapshots:  repository.NewSnapshotRepository(f.gdb),
		Versions:   repository.NewDocumentVersionRepository(f.gdb),
		Events:     f.sink,
		Policy:     f.policy,
	})
	m.AddBroadcaster(f.rec)
	m.Start()
	f.t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// restart stops the manager and loads a fresh one over the same database.
func (f *fixture) restart() {
	f.t.Helper()
	require.NoError(f.t, f.m.Shutdown(context.Background()))
	f.m = f.newManager()
}

// createSession opens and activates a session over base.
func (f *fixture) createSession(base string, tweak ...func(*models.SessionCreate)) *models.CollabSession {
	f.t.Helper()
	in := models.SessionCreate{
		DocumentID:    "msa-2024",
		BaseVersionID: "v1",
		Title:         "Master Services Agreement",
		BaseText:      base,
		Owner:         owner,
	}
	for _, fn := range tweak {
		fn(&in)
	}
	s, err := f.m.CreateSession(context.Background(), in)
	require.NoError(f.t, err)
	active, err := f.m.Activate(context.Background(), s.ID, owner)
	require.NoError(f.t, err)
	return active
}

func (f *fixture) text(sessionID string) string {
	f.t.Helper()
	text, _, err := f.m.Document(context.Background(), sessionID)
	require.NoError(f.t, err)
	return text
}

// editor is a client replica driving the manager the way a browser would.
type editor struct {
	t      *testing.T
	m      *Manager
	author models.Author
	handle *CursorHandle
	doc    *crdt.Document
	clock  uint64
	seen   uint64
}

func (f *fixture) join(sessionID string, author models.Author, clientID string) *editor {
	f.t.Helper()
	h, boot, err := f.m.Join(context.Background(), sessionID, Identity{Author: author, ClientID: clientID})
	require.NoError(f.t, err)

	doc := crdt.New()
	if boot.Snapshot != nil {
		doc, err = codec.DecodeState(boot.Snapshot.State)
		require.NoError(f.t, err)
	}
	for _, op := range boot.Operations {
		applyOp(f.t, doc, op)
	}
	require.Equal(f.t, boot.Text, doc.Text())
	return &editor{t: f.t, m: f.m, author: author, handle: h, doc: doc, clock: boot.ClientClock, seen: boot.Seq}
}

func applyOp(t *testing.T, doc *crdt.Document, op models.Operation) {
	t.Helper()
	frag, err := codec.DecodeFragment(op.Fragment)
	require.NoError(t, err)
	require.NoError(t, doc.Apply(frag))
	doc.Observe(op.ClientID, op.Clock)
}

func (e *editor) next(frag crdt.Fragment) AppendRequest {
	e.t.Helper()
	require.NoError(e.t, e.doc.Apply(frag))
	payload, err := codec.EncodeFragment(frag)
	require.NoError(e.t, err)
	e.clock++
	return AppendRequest{
		SessionID: e.handle.SessionID,
		ClientID:  e.handle.ClientID,
		Clock:     e.clock,
		Kind:      frag.Kind,
		Fragment:  payload,
	}
}

func (e *editor) insert(offset int, text string) AppendRequest {
	e.t.Helper()
	frag, err := e.doc.InsertAt(e.handle.ClientID, offset, text)
	require.NoError(e.t, err)
	return e.next(frag)
}

func (e *editor) delete(offset, length int) AppendRequest {
	e.t.Helper()
	frag, err := e.doc.DeleteRange(offset, length)
	require.NoError(e.t, err)
	return e.next(frag)
}

func (e *editor) send(req AppendRequest) *AppendResult {
	e.t.Helper()
	res, err := e.m.Append(context.Background(), req)
	require.NoError(e.t, err)
	return res
}

// sync pulls every operation this replica has not seen.
func (e *editor) sync() {
	e.t.Helper()
	for op, err := range e.m.OperationsSince(context.Background(), e.handle.SessionID, e.seen) {
		require.NoError(e.t, err)
		if op.ClientID != e.handle.ClientID {
			applyOp(e.t, e.doc, op)
		}
		e.seen = op.Seq
	}
}
