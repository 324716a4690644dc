package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"contract-collab/internal/codec"
	"contract-collab/internal/config"
	"contract-collab/internal/crdt"
	"contract-collab/internal/events"
	"contract-collab/internal/logging"
	"contract-collab/internal/models"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/presence"

	"github.com/rs/zerolog"
)

/*
LEARNING: ONE SHARD PER SESSION

The manager owns a shard for every session this node coordinates. The
shard holds the live CRDT document and a mutex that is the only critical
section on the write path:

  validate clock → merge fragment → assign seq → queue for persistence

Everything slower happens outside that lock: the pipeline writes the log,
snapshots are encoded and stored, broadcasts go out.

Sessions never share a lock, so independent sessions scale across cores,
and a busy session never stalls another.
*/

// Reserved client ids for operations the server writes itself.
const (
	ServerClient = "server" // redline accepts, undo, revert
	BaseClient   = "base"   // the seeded base text
)

// Deps wires the manager to its collaborators.
type Deps struct {
	Sessions   SessionStore
	Operations OperationStore
	Snapshots  SnapshotStore
	Versions   VersionStore // optional
	Events     EventSink    // optional
	Presence   *presence.Tracker
	Leaser     Leaser // defaults to a LocalLeaser

	Policy           config.CollabPolicy
	PersistWorkers   int
	PersistQueueSize int
}

// Manager coordinates every live session on this node.
type Manager struct {
	sessions  SessionStore
	ops       OperationStore
	snaps     SnapshotStore
	versions  VersionStore
	events    EventSink
	presence  *presence.Tracker
	leaser    Leaser
	policy    config.CollabPolicy
	pipeline  *pipeline
	log       zerolog.Logger
	now       func() time.Time
	closed    atomic.Bool
	startOnce sync.Once

	mu      sync.Mutex
	shards  map[string]*shard
	handles map[string]*CursorHandle

	bmu          sync.RWMutex
	broadcasters []Broadcaster

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a manager. Call Start before serving traffic.
func NewManager(d Deps) *Manager {
	if d.Leaser == nil {
		d.Leaser = NewLocalLeaser()
	}
	if d.Presence == nil {
		d.Presence = presence.NewTracker()
	}
	if d.PersistWorkers < 1 {
		d.PersistWorkers = 1
	}
	if d.PersistQueueSize < 1 {
		d.PersistQueueSize = 64
	}
	if d.Policy.TailPageSize < 1 {
		d.Policy.TailPageSize = config.DefaultCollabPolicy().TailPageSize
	}

	m := &Manager{
		sessions: d.Sessions,
		ops:      d.Operations,
		snaps:    d.Snapshots,
		versions: d.Versions,
		events:   d.Events,
		presence: d.Presence,
		leaser:   d.Leaser,
		policy:   d.Policy,
		log:      logging.Component("collab"),
		now:      time.Now,
		shards:   make(map[string]*shard),
		handles:  make(map[string]*CursorHandle),
		done:     make(chan struct{}),
	}
	m.pipeline = newPipeline(m.flushByID, d.PersistWorkers, d.PersistQueueSize)
	return m
}

// Presence returns the cursor tracker.
func (m *Manager) Presence() *presence.Tracker {
	return m.presence
}

// Policy returns the active collaboration policy.
func (m *Manager) Policy() config.CollabPolicy {
	return m.policy
}

// AddBroadcaster registers a destination for merged operations.
func (m *Manager) AddBroadcaster(b Broadcaster) {
	m.bmu.Lock()
	m.broadcasters = append(m.broadcasters, b)
	m.bmu.Unlock()
}

// Start launches the persistence workers and the maintenance loop.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.pipeline.Start()
		m.wg.Add(1)
		go m.maintenanceLoop()
		m.log.Info().Msg("collaboration manager started")
	})
}

// Shutdown stops background work, writes out everything still queued
// and releases the leases this node holds.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)
	m.wg.Wait()
	m.pipeline.Shutdown()

	err := m.Flush(ctx)

	m.mu.Lock()
	ids := make([]string, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if rerr := m.leaser.Release(ctx, id); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	m.log.Info().Int("sessions", len(ids)).Msg("collaboration manager stopped")
	return err
}

// Flush persists every queued operation and dirty session synchronously.
func (m *Manager) Flush(ctx context.Context) error {
	var errs []error
	for _, sh := range m.loadedShards() {
		if err := m.flushShard(ctx, sh); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sh.id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) loadedShards() []*shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*shard, 0, len(m.shards))
	for _, sh := range m.shards {
		if sh.ready() {
			out = append(out, sh)
		}
	}
	return out
}

// lookup returns a loaded shard without loading it.
func (m *Manager) lookup(id string) *shard {
	m.mu.Lock()
	sh := m.shards[id]
	m.mu.Unlock()
	if sh == nil || !sh.ready() {
		return nil
	}
	return sh
}

// shard returns the session's shard, loading it on first use.
func (m *Manager) shard(ctx context.Context, id string) (*shard, error) {
	if m.closed.Load() {
		return nil, ErrShuttingDown
	}
	m.mu.Lock()
	sh, ok := m.shards[id]
	if !ok {
		sh = newShard(id)
		m.shards[id] = sh
		m.mu.Unlock()

		sh.loadErr = m.load(ctx, sh)
		if sh.loadErr != nil {
			m.mu.Lock()
			if m.shards[id] == sh {
				delete(m.shards, id)
			}
			m.mu.Unlock()
		}
		close(sh.loaded)
	} else {
		m.mu.Unlock()
		select {
		case <-sh.loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if sh.loadErr != nil {
		return nil, sh.loadErr
	}
	return sh, nil
}

// acquire returns the session's shard with its mutex held.
func (m *Manager) acquire(ctx context.Context, id string) (*shard, error) {
	for {
		sh, err := m.shard(ctx, id)
		if err != nil {
			return nil, err
		}
		sh.mu.Lock()
		if !sh.evicted {
			return sh, nil
		}
		sh.mu.Unlock()
	}
}

// load rebuilds a session from its newest decodable snapshot and the log
// tail after it. Corrupt snapshots and operations are skipped and the
// session is flagged for review.
func (m *Manager) load(ctx context.Context, sh *shard) error {
	if err := m.leaser.Acquire(ctx, sh.id); err != nil {
		return err
	}
	release := func(err error) error {
		_ = m.leaser.Release(ctx, sh.id)
		return err
	}

	sess, err := m.sessions.GetSession(ctx, sh.id)
	if errors.Is(err, repository.ErrNotFound) {
		return release(fmt.Errorf("%w: %s", ErrSessionNotFound, sh.id))
	}
	if err != nil {
		return release(err)
	}
	parts, err := m.sessions.ListParticipants(ctx, sh.id)
	if err != nil {
		return release(err)
	}
	snaps, err := m.snaps.ListSnapshots(ctx, sh.id)
	if err != nil {
		return release(err)
	}

	l := m.log.With().Str("session", sh.id).Logger()
	review := false
	doc := crdt.New()
	var base *models.Snapshot
	for i := range snaps {
		d, err := codec.DecodeState(snaps[i].State)
		if err != nil {
			l.Warn().Err(err).Int64("version", snaps[i].Version).Msg("skipping undecodable snapshot")
			review = true
			continue
		}
		doc, base = d, &snaps[i]
		break
	}
	if len(snaps) > 0 {
		sh.snapVersion = snaps[0].Version
	}
	if base != nil {
		sh.latest = base
		sh.snapSeq = base.LastOperationSeq
		sh.seq = base.LastOperationSeq
		sh.lastOpID = base.LastOperationID
	}
	sh.tailBase = sh.snapSeq

	cursor := sh.snapSeq
	for {
		page, err := m.ops.OperationsAfter(ctx, sh.id, cursor, m.policy.TailPageSize)
		if err != nil {
			return release(err)
		}
		for _, op := range page {
			if op.Seq != sh.seq+1 {
				l.Warn().Uint64("expected", sh.seq+1).Uint64("got", op.Seq).Msg("gap in operation log")
				review = true
			}
			frag, err := codec.DecodeFragment(op.Fragment)
			if err == nil {
				err = doc.Apply(frag)
			}
			if err != nil {
				l.Warn().Err(err).Uint64("seq", op.Seq).Msg("skipping unreadable operation")
				review = true
			} else {
				doc.Observe(op.ClientID, op.Clock)
			}
			sh.seq = op.Seq
			sh.lastOpID = op.ID
			sh.tail = append(sh.tail, op)
			sh.noteBatch(op)
			sh.opsSinceSnap++
			sh.bytesSinceSnap += op.ByteSize
		}
		if len(page) < m.policy.TailPageSize {
			break
		}
		cursor = page[len(page)-1].Seq
	}
	sh.durable = sh.seq
	sh.doc = doc
	sh.session = sess
	for _, p := range parts {
		sh.roster[p.AuthorKey] = &rosterEntry{participant: p, clients: make(map[string]*CursorHandle)}
	}
	sh.lastActive = m.now()

	if review && !sess.RequiresReview {
		sess.RequiresReview = true
		if err := m.sessions.SaveSession(ctx, sess); err != nil {
			sh.sessionDirty = true
		}
	}
	l.Info().Uint64("seq", sh.seq).Int("replayed", len(sh.tail)).Bool("requires_review", sess.RequiresReview).Msg("session loaded")
	return nil
}

func (m *Manager) flushByID(ctx context.Context, id string) error {
	sh := m.lookup(id)
	if sh == nil {
		return nil
	}
	return m.flushShard(ctx, sh)
}

// flushShard writes the shard's queued operations, then its session row
// if it changed. The persist mutex keeps one session's writes in order.
func (m *Manager) flushShard(ctx context.Context, sh *shard) error {
	sh.persistMu.Lock()
	defer sh.persistMu.Unlock()

	for {
		sh.mu.Lock()
		batch := sh.unsaved
		sh.unsaved = nil
		var sess *models.CollabSession
		if sh.sessionDirty {
			c := *sh.session
			sess = &c
			sh.sessionDirty = false
		}
		sh.mu.Unlock()

		if len(batch) == 0 && sess == nil {
			return nil
		}
		if len(batch) > 0 {
			if err := m.ops.StoreOperations(ctx, batch); err != nil {
				sh.mu.Lock()
				sh.unsaved = append(batch, sh.unsaved...)
				if sess != nil {
					sh.sessionDirty = true
				}
				sh.mu.Unlock()
				return err
			}
			sh.mu.Lock()
			if last := batch[len(batch)-1].Seq; last > sh.durable {
				sh.durable = last
			}
			sh.trimTail()
			sh.mu.Unlock()
		}
		if sess != nil {
			if err := m.sessions.SaveSession(ctx, sess); err != nil {
				sh.mu.Lock()
				sh.sessionDirty = true
				sh.mu.Unlock()
				return err
			}
		}
	}
}

// saveSession writes the current session row.
func (m *Manager) saveSession(ctx context.Context, sh *shard) error {
	sh.persistMu.Lock()
	defer sh.persistMu.Unlock()

	sh.mu.Lock()
	c := *sh.session
	sh.sessionDirty = false
	sh.mu.Unlock()

	if err := m.sessions.SaveSession(ctx, &c); err != nil {
		sh.mu.Lock()
		sh.sessionDirty = true
		sh.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	interval := m.policy.LeaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.maintain(context.Background())
		}
	}
}

// maintain renews leases, reschedules unsaved work, expires idle cursors
// and evicts idle shards.
func (m *Manager) maintain(ctx context.Context) {
	for _, sh := range m.loadedShards() {
		if err := m.leaser.Renew(ctx, sh.id); err != nil {
			m.log.Error().Err(err).Str("session", sh.id).Msg("lost session lease, dropping shard")
			m.drop(sh)
			continue
		}

		sh.mu.Lock()
		unsaved := len(sh.unsaved) > 0 || sh.sessionDirty
		sh.mu.Unlock()
		if unsaved {
			m.pipeline.Schedule(sh.id)
		}

		if m.policy.PresenceIdleThreshold > 0 {
			for _, c := range m.presence.ExpireStale(sh.id, m.policy.PresenceIdleThreshold) {
				if err := m.Leave(ctx, c.ID); err != nil && !errors.Is(err, ErrUnknownHandle) {
					m.log.Warn().Err(err).Str("handle", c.ID).Msg("failed to drop stale participant")
				}
			}
		}

		if m.policy.ShardIdleTimeout > 0 {
			m.evictIfIdle(ctx, sh)
		}
	}
}

func (m *Manager) evictIfIdle(ctx context.Context, sh *shard) {
	sh.mu.Lock()
	idle := len(sh.clients) == 0 && m.now().Sub(sh.lastActive) > m.policy.ShardIdleTimeout
	pending := sh.opsSinceSnap > 0 && sh.session.Status != models.StatusCompleted
	sh.mu.Unlock()
	if !idle {
		return
	}
	if pending {
		if _, err := m.takeSnapshot(ctx, sh, models.TriggerPeriodic); err != nil {
			m.log.Warn().Err(err).Str("session", sh.id).Msg("snapshot before eviction failed")
		}
	}
	if err := m.flushShard(ctx, sh); err != nil {
		m.log.Warn().Err(err).Str("session", sh.id).Msg("keeping shard, flush failed")
		return
	}

	m.mu.Lock()
	sh.mu.Lock()
	evict := len(sh.clients) == 0 && len(sh.unsaved) == 0 && !sh.sessionDirty
	if evict {
		sh.evicted = true
		delete(m.shards, sh.id)
	}
	sh.mu.Unlock()
	m.mu.Unlock()

	if evict {
		if err := m.leaser.Release(ctx, sh.id); err != nil {
			m.log.Warn().Err(err).Str("session", sh.id).Msg("failed to release lease")
		}
		m.log.Info().Str("session", sh.id).Msg("evicted idle session")
	}
}

// drop forgets a shard this node no longer owns.
func (m *Manager) drop(sh *shard) {
	m.mu.Lock()
	sh.mu.Lock()
	sh.evicted = true
	if m.shards[sh.id] == sh {
		delete(m.shards, sh.id)
	}
	handles := make([]*CursorHandle, 0, len(sh.clients))
	for _, h := range sh.clients {
		handles = append(handles, h)
	}
	sh.mu.Unlock()
	for _, h := range handles {
		delete(m.handles, h.ID)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.presence.Remove(h.ID)
	}
}

func (m *Manager) broadcastOps(sessionID string, ops []models.Operation) {
	if len(ops) == 0 {
		return
	}
	m.bmu.RLock()
	defer m.bmu.RUnlock()
	for _, b := range m.broadcasters {
		b.OperationsApplied(sessionID, ops)
	}
}

func (m *Manager) broadcastSession(s models.CollabSession) {
	m.bmu.RLock()
	defer m.bmu.RUnlock()
	for _, b := range m.broadcasters {
		b.SessionChanged(s)
	}
}

// publish emits a domain event. Failures are logged; the event sinks
// are not part of the edit path.
func (m *Manager) publish(ctx context.Context, typ, sessionID string, payload any) {
	if m.events == nil {
		return
	}
	e, err := events.New(typ, sessionID, payload)
	if err == nil {
		err = m.events.Publish(ctx, e)
	}
	if err != nil {
		m.log.Error().Err(err).Str("event", typ).Str("session", sessionID).Msg("failed to publish event")
	}
}

// Publish emits a domain event on behalf of another service.
func (m *Manager) Publish(ctx context.Context, typ, sessionID string, payload any) {
	m.publish(ctx, typ, sessionID, payload)
}
