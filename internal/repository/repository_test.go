package repository

import (
	"context"
	"testing"
	"time"

	"contract-collab/internal/crdt"
	"contract-collab/internal/db"
	"contract-collab/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

func newSession(t *testing.T, gdb *gorm.DB) *models.CollabSession {
	t.Helper()
	s := &models.CollabSession{DocumentID: "doc-1", BaseVersionID: "v1", Status: models.StatusActive, CreatedBy: "u1"}
	require.NoError(t, NewSessionRepository(gdb).CreateSession(context.Background(), s))
	return s
}

func TestSessionRepository(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	repo := NewSessionRepository(gdb)

	s := newSession(t, gdb)
	require.Len(t, s.ID, 27)

	s.Settings.AllowExternalEdits = true
	s.OperationCount = 3
	require.NoError(t, repo.SaveSession(ctx, s))

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Settings.AllowExternalEdits)
	assert.Equal(t, int64(3), got.OperationCount)

	_, err = repo.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	t.Run("participants upsert", func(t *testing.T) {
		author := models.Internal("u2", "Dana")
		p := &models.Participant{SessionID: s.ID, Author: author, Role: models.RoleEditor, JoinedAt: time.Now()}
		require.NoError(t, repo.UpsertParticipant(ctx, p))
		require.NoError(t, repo.MarkParticipantLeft(ctx, s.ID, author.Key(), time.Now()))

		again := &models.Participant{SessionID: s.ID, Author: author, Role: models.RoleCommenter, JoinedAt: time.Now()}
		require.NoError(t, repo.UpsertParticipant(ctx, again))

		list, err := repo.ListParticipants(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.RoleCommenter, list[0].Role)
		assert.Nil(t, list[0].LeftAt)

		got, err := repo.GetParticipant(ctx, s.ID, author.Key())
		require.NoError(t, err)
		assert.Equal(t, "Dana", got.Author.Name)
	})
}

func TestOperationRepository(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	s := newSession(t, gdb)
	repo := NewOperationRepository(gdb)

	var ops []*models.Operation
	for i := 1; i <= 5; i++ {
		ops = append(ops, &models.Operation{
			SessionID: s.ID,
			Seq:       uint64(i),
			ClientID:  "c1",
			Clock:     uint64(i),
			Kind:      crdt.KindInsert,
			Fragment:  []byte{byte(i)},
			ByteSize:  1,
			Author:    models.Internal("u1", ""),
		})
	}
	require.NoError(t, repo.StoreOperations(ctx, ops))

	t.Run("duplicates are ignored", func(t *testing.T) {
		dup := &models.Operation{SessionID: s.ID, Seq: 99, ClientID: "c1", Clock: 2, Kind: crdt.KindInsert, Fragment: []byte{0}}
		require.NoError(t, repo.StoreOperations(ctx, []*models.Operation{dup}))
		page, err := repo.OperationsAfter(ctx, s.ID, 0, 100)
		require.NoError(t, err)
		assert.Len(t, page, 5)
	})

	t.Run("paging by seq", func(t *testing.T) {
		page, err := repo.OperationsAfter(ctx, s.ID, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(3), page[0].Seq)
		assert.Equal(t, uint64(4), page[1].Seq)
	})

	t.Run("compaction", func(t *testing.T) {
		n, err := repo.DeleteOperationsThrough(ctx, s.ID, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		page, err := repo.OperationsAfter(ctx, s.ID, 0, 100)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(4), page[0].Seq)
	})
}

func TestSnapshotRepository(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	s := newSession(t, gdb)
	repo := NewSnapshotRepository(gdb)

	_, err := repo.LatestSnapshot(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)

	for _, v := range []int64{1, 3} {
		require.NoError(t, repo.CreateSnapshot(ctx, &models.Snapshot{
			SessionID: s.ID, Version: v, State: []byte("x"), Trigger: models.TriggerManual, LastOperationSeq: uint64(v * 10),
		}))
	}
	err = repo.CreateSnapshot(ctx, &models.Snapshot{SessionID: s.ID, Version: 3, State: []byte("y"), Trigger: models.TriggerManual})
	require.Error(t, err, "versions are unique per session")

	latest, err := repo.LatestSnapshot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)

	list, err := repo.ListSnapshots(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].Version)

	got, err := repo.GetSnapshot(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.LastOperationSeq)
}

func TestSuggestionRepository(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	s := newSession(t, gdb)
	repo := NewSuggestionRepository(gdb)

	sg := &models.Suggestion{
		SessionID: s.ID,
		Kind:      models.KindSuggestion,
		Status:    models.SuggestionPending,
		Source:    models.SourceLive,
		Anchor:    crdt.Anchor{Start: crdt.ID{Counter: 3, Client: "a"}, End: crdt.ID{Counter: 4, Client: "a"}, Text: "60"},
		Content:   "30",
		Author:    models.External("tok-1", "cp@example.com", "Counterparty"),
	}
	require.NoError(t, repo.CreateSuggestion(ctx, sg))

	got, err := repo.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, sg.Anchor, got.Anchor)
	assert.Equal(t, models.AuthorExternal, got.Author.Kind)

	now := time.Now()
	got.Status = models.SuggestionAccepted
	got.Resolver = models.Internal("u1", "Owner")
	got.ResolvedAt = &now
	got.AppliedSeqs = []uint64{7, 8}
	audit := &models.ResolutionAudit{
		SessionID: s.ID, SuggestionID: got.ID, Action: models.ActionAccept,
		Resolver: got.Resolver, OperationSeqs: got.AppliedSeqs,
	}
	require.NoError(t, repo.RecordResolution(ctx, got, audit))

	pending, err := repo.ListSuggestions(ctx, s.ID, SuggestionFilter{Status: models.SuggestionPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	accepted, err := repo.ListSuggestions(ctx, s.ID, SuggestionFilter{Status: models.SuggestionAccepted})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, []uint64{7, 8}, accepted[0].AppliedSeqs)

	audits, err := repo.ListAudits(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.ActionAccept, audits[0].Action)
}

func TestDocumentVersionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentVersionRepository(newTestDB(t))

	v1, err := repo.CreateVersion(ctx, &models.DocumentVersionCreate{DocumentID: "doc-1", Content: "a"})
	require.NoError(t, err)
	v2, err := repo.CreateVersion(ctx, &models.DocumentVersionCreate{DocumentID: "doc-1", Content: "b"})
	require.NoError(t, err)
	other, err := repo.CreateVersion(ctx, &models.DocumentVersionCreate{DocumentID: "doc-2", Content: "c"})
	require.NoError(t, err)

	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, 1, other.VersionNumber)

	list, err := repo.ListVersions(ctx, "doc-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Content)
}

func TestOutboxAndTokens(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	outbox := NewOutboxRepository(gdb)

	e := &models.OutboxEvent{Type: "redline.completed", SessionID: "s1", Payload: []byte(`{}`)}
	require.NoError(t, outbox.AppendEvent(ctx, e))
	pending, err := outbox.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, outbox.MarkPublished(ctx, []string{e.ID}, time.Now()))
	pending, err = outbox.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	tokens := NewTokenRepository(gdb)
	tok := &models.ExternalAccessToken{SessionID: "s1", TokenHash: "abc", Email: "x@y.z", Role: models.RoleExternalReviewer}
	require.NoError(t, tokens.CreateToken(ctx, tok))
	found, err := tokens.FindTokenByHash(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, found.ID)
	require.ErrorIs(t, tokens.RevokeToken(ctx, "s2", tok.ID, time.Now()), ErrNotFound, "scoped to its session")
	require.NoError(t, tokens.RevokeToken(ctx, "s1", tok.ID, time.Now()))
	require.ErrorIs(t, tokens.RevokeToken(ctx, "s1", tok.ID, time.Now()), ErrNotFound)
}
