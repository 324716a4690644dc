package redline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"contract-collab/internal/config"
	"contract-collab/internal/crdt"
	"contract-collab/internal/events"
	"contract-collab/internal/logging"
	"contract-collab/internal/middleware"
	"contract-collab/internal/models"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/collaboration"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: SUGGESTIONS ARE NOT EDITS

A suggestion lives next to the document, never inside it:

  Propose  → anchor the range to element ids, store a pending row
  Reject   → status change + audit row, the log is untouched
  Accept   → Replace(anchor) through Manager.Edit: one delete and one
             insert, appended as a single batch like any other edit

Anchors are element ids plus the text they covered. If someone edits
inside the range before it is accepted, Locate reports drift and the
reviewer decides; the change is never silently applied elsewhere.
*/

// AutoAcceptor names the system author that resolves minor changes.
const AutoAcceptor = "auto-accept"

// Store is what the redline layer needs from suggestion storage.
type Store interface {
	CreateSuggestion(ctx context.Context, s *models.Suggestion) error
	CreateSuggestions(ctx context.Context, ss []*models.Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error)
	ListSuggestions(ctx context.Context, sessionID string, f repository.SuggestionFilter) ([]models.Suggestion, error)
	RecordResolution(ctx context.Context, s *models.Suggestion, audit *models.ResolutionAudit) error
	ListAudits(ctx context.Context, sessionID string) ([]models.ResolutionAudit, error)
}

// Collab is the slice of the collaboration core the redline layer drives.
type Collab interface {
	View(ctx context.Context, sessionID string, fn func(doc *crdt.Document, s models.CollabSession) error) error
	EditBatch(ctx context.Context, sessionID string, author models.Author, batchID string, build collaboration.EditFunc) ([]models.Operation, error)
	BatchOperations(ctx context.Context, sessionID, batchID string) ([]models.Operation, error)
	ParticipantRole(ctx context.Context, sessionID string, author models.Author) (models.Role, error)
	Complete(ctx context.Context, id string, actor models.Author, opts collaboration.CompleteOptions) (*collaboration.Completion, error)
	Publish(ctx context.Context, typ, sessionID string, payload any)
}

// Decision is a reviewer's verdict on a suggestion.
type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// Service manages suggestions, comments and their resolution.
type Service struct {
	store  Store
	collab Collab
	policy config.CollabPolicy
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a redline service.
func NewService(store Store, collab Collab, policy config.CollabPolicy) *Service {
	return &Service{
		store:  store,
		collab: collab,
		policy: policy,
		log:    logging.Component("redline"),
		now:    time.Now,
		locks:  make(map[string]*keyLock),
	}
}

// lock serializes work on one key and returns the unlock func.
func (s *Service) lock(key string) func() {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Proposal is a suggested replacement of [Offset, Offset+Length) in the
// current text. A zero Length proposes a pure insertion.
type Proposal struct {
	SessionID string        `json:"session_id"`
	Offset    int           `json:"offset"`
	Length    int           `json:"length"`
	Content   string        `json:"content"`
	Note      string        `json:"note,omitempty"`
	Author    models.Author `json:"author"`
	// Source defaults to live typing.
	Source models.SuggestionSource `json:"source,omitempty"`
}

// Propose stores a pending suggestion. Minor changes are accepted at once
// when the session allows it.
func (s *Service) Propose(ctx context.Context, p Proposal) (*models.Suggestion, error) {
	ctx, span := middleware.StartSpan(ctx, "Redline.Propose",
		attribute.String("session.id", p.SessionID),
		attribute.String("author", p.Author.Key()),
	)
	defer span.End()

	if p.Length == 0 && p.Content == "" {
		return nil, fmt.Errorf("%w: empty proposal", ErrInvalidInput)
	}
	if !utf8.ValidString(p.Content) {
		return nil, fmt.Errorf("%w: content is not valid utf-8", ErrInvalidInput)
	}
	if err := s.canPropose(ctx, p.SessionID, p.Author); err != nil {
		return nil, err
	}

	unlock := s.lock("session:" + p.SessionID)
	var sug *models.Suggestion
	var settings models.SessionSettings
	err := s.collab.View(ctx, p.SessionID, func(doc *crdt.Document, sess models.CollabSession) error {
		if err := openForReview(sess); err != nil {
			return err
		}
		a, err := anchorFor(doc, p.Offset, p.Length)
		if err != nil {
			return err
		}
		if a.Text == p.Content {
			return fmt.Errorf("%w: proposal does not change the text", ErrInvalidInput)
		}
		settings = sess.Settings
		source := p.Source
		if source == "" {
			source = models.SourceLive
		}
		sug = s.newSuggestion(p.SessionID, models.KindSuggestion, source, a, p.Offset, p.Length, p.Content, p.Note, p.Author)
		return nil
	})
	if err == nil {
		err = s.store.CreateSuggestion(ctx, sug)
	}
	unlock()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	s.log.Info().Str("session", p.SessionID).Str("suggestion", sug.ID).Str("author", p.Author.Key()).Msg("suggestion proposed")

	if s.minor(settings, sug) {
		res, err := s.Resolve(ctx, sug.ID, Accept, models.System(AutoAcceptor), "minor change")
		if err != nil {
			s.log.Warn().Err(err).Str("suggestion", sug.ID).Msg("auto-accept failed, left for review")
			return sug, nil
		}
		return &res.Suggestion, nil
	}
	return sug, nil
}

// DiffRange is one change reported by an external comparison tool,
// against the current text.
type DiffRange struct {
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
	Content string `json:"content"`
	Note    string `json:"note,omitempty"`
}

// ProposeFromExternalDiff seeds suggestions in bulk, for example from a
// counterparty's marked-up upload. All ranges are anchored against the
// same text and stored together; imported changes always wait for review.
func (s *Service) ProposeFromExternalDiff(ctx context.Context, sessionID string, author models.Author, ranges []DiffRange) ([]models.Suggestion, error) {
	ctx, span := middleware.StartSpan(ctx, "Redline.ProposeFromExternalDiff",
		attribute.String("session.id", sessionID),
		attribute.Int("ranges", len(ranges)),
	)
	defer span.End()

	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: no ranges", ErrInvalidInput)
	}
	sorted := append([]DiffRange(nil), ranges...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i, r := range sorted {
		if r.Length == 0 && r.Content == "" {
			return nil, fmt.Errorf("%w: range %d is empty", ErrInvalidInput, i)
		}
		if i > 0 && sorted[i-1].Offset+sorted[i-1].Length > r.Offset {
			return nil, fmt.Errorf("%w: ranges at %d and %d overlap", ErrInvalidInput, sorted[i-1].Offset, r.Offset)
		}
	}
	if err := s.canPropose(ctx, sessionID, author); err != nil {
		return nil, err
	}

	unlock := s.lock("session:" + sessionID)
	defer unlock()

	out := make([]*models.Suggestion, 0, len(sorted))
	err := s.collab.View(ctx, sessionID, func(doc *crdt.Document, sess models.CollabSession) error {
		if err := openForReview(sess); err != nil {
			return err
		}
		for _, r := range sorted {
			a, err := anchorFor(doc, r.Offset, r.Length)
			if err != nil {
				return err
			}
			out = append(out, s.newSuggestion(sessionID, models.KindSuggestion, models.SourceExternalDiff, a, r.Offset, r.Length, r.Content, r.Note, author))
		}
		return nil
	})
	if err == nil {
		err = s.store.CreateSuggestions(ctx, out)
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	s.log.Info().Str("session", sessionID).Int("suggestions", len(out)).Str("author", author.Key()).Msg("external diff imported")
	result := make([]models.Suggestion, len(out))
	for i, sg := range out {
		result[i] = *sg
	}
	return result, nil
}

// CommentInput is an inline comment. A reply names its parent and shares
// the parent's anchor; a top-level comment anchors its own range.
type CommentInput struct {
	SessionID string        `json:"session_id"`
	ParentID  string        `json:"parent_id,omitempty"`
	Offset    int           `json:"offset"`
	Length    int           `json:"length"`
	Body      string        `json:"body"`
	Author    models.Author `json:"author"`
}

// Comment adds a comment or a reply. Every participant may comment.
func (s *Service) Comment(ctx context.Context, in CommentInput) (*models.Suggestion, error) {
	ctx, span := middleware.StartSpan(ctx, "Redline.Comment", attribute.String("session.id", in.SessionID))
	defer span.End()

	if in.Body == "" {
		return nil, fmt.Errorf("%w: empty comment", ErrInvalidInput)
	}
	role, err := s.collab.ParticipantRole(ctx, in.SessionID, in.Author)
	if err != nil {
		return nil, err
	}
	if role == "" {
		return nil, fmt.Errorf("%w: %s is not a participant", collaboration.ErrPermissionDenied, in.Author)
	}

	var parent *models.Suggestion
	if in.ParentID != "" {
		parent, err = s.store.GetSuggestion(ctx, in.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.SessionID != in.SessionID {
			return nil, fmt.Errorf("%w: parent %s belongs to another session", ErrInvalidInput, in.ParentID)
		}
	}

	var c *models.Suggestion
	err = s.collab.View(ctx, in.SessionID, func(doc *crdt.Document, sess models.CollabSession) error {
		if err := openForReview(sess); err != nil {
			return err
		}
		if parent != nil {
			c = s.newSuggestion(in.SessionID, models.KindComment, models.SourceLive, parent.Anchor, parent.OriginalOffset, parent.OriginalLength, in.Body, "", in.Author)
			pid := parent.ID
			c.ParentID = &pid
			return nil
		}
		a, err := anchorFor(doc, in.Offset, in.Length)
		if err != nil {
			return err
		}
		c = s.newSuggestion(in.SessionID, models.KindComment, models.SourceLive, a, in.Offset, in.Length, in.Body, "", in.Author)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSuggestion(ctx, c); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return c, nil
}

// Resolution is the outcome of a decision on a suggestion.
type Resolution struct {
	Suggestion models.Suggestion      `json:"suggestion"`
	Audit      models.ResolutionAudit `json:"audit"`
	Operations []models.Operation     `json:"operations,omitempty"`
}

// Resolve accepts or rejects a pending suggestion. Accepting appends the
// replacement through the operation log; rejecting only records the
// decision.
func (s *Service) Resolve(ctx context.Context, id string, decision Decision, resolver models.Author, reason string) (*Resolution, error) {
	ctx, span := middleware.StartSpan(ctx, "Redline.Resolve",
		attribute.String("suggestion.id", id),
		attribute.String("decision", string(decision)),
		attribute.String("resolver", resolver.Key()),
	)
	defer span.End()

	var action models.ResolutionAction
	switch decision {
	case Accept:
		action = models.ActionAccept
	case Reject:
		action = models.ActionReject
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, decision)
	}

	unlock := s.lock(id)
	defer unlock()

	sug, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sug.Kind != models.KindSuggestion {
		return nil, ErrNotSuggestion
	}
	if sug.Status != models.SuggestionPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, sug.Status)
	}

	role, err := s.collab.ParticipantRole(ctx, sug.SessionID, resolver)
	if err != nil {
		return nil, err
	}
	if !role.CanResolve() {
		return nil, fmt.Errorf("%w: %s cannot resolve suggestions", collaboration.ErrPermissionDenied, resolver)
	}
	var settings models.SessionSettings
	err = s.collab.View(ctx, sug.SessionID, func(_ *crdt.Document, sess models.CollabSession) error {
		settings = sess.Settings
		if sess.Status == models.StatusCompleted {
			return collaboration.ErrSessionCompleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decision == Accept && (settings.RequireApprovalForChanges || sug.Escalated) && role != models.RoleOwner {
		return nil, fmt.Errorf("%w: only the owner may accept this change", collaboration.ErrPermissionDenied)
	}

	var ops []models.Operation
	if decision == Accept {
		ops, err = s.apply(ctx, sug, resolver)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, err
		}
	}

	seqs := make([]uint64, len(ops))
	for i, op := range ops {
		seqs[i] = op.Seq
	}
	now := s.now().UTC()
	if decision == Accept {
		sug.Status = models.SuggestionAccepted
	} else {
		sug.Status = models.SuggestionRejected
	}
	sug.Resolver = resolver
	sug.ResolvedAt = &now
	sug.AppliedSeqs = seqs

	audit := &models.ResolutionAudit{
		SessionID:     sug.SessionID,
		SuggestionID:  sug.ID,
		Action:        action,
		Resolver:      resolver,
		Automatic:     resolver.Kind == models.AuthorSystem,
		Reason:        reason,
		OperationSeqs: seqs,
		CreatedAt:     now,
	}
	if err := s.record(ctx, sug, audit); err != nil {
		// The suggestion stays pending; accepting it again picks up the
		// operations already in the log instead of editing twice.
		s.log.Error().Err(err).Str("suggestion", id).Int("ops", len(ops)).Msg("failed to record resolution")
		return nil, err
	}

	s.log.Info().
		Str("session", sug.SessionID).
		Str("suggestion", id).
		Str("decision", string(decision)).
		Str("resolver", resolver.Key()).
		Int("ops", len(ops)).
		Msg("suggestion resolved")
	return &Resolution{Suggestion: *sug, Audit: *audit, Operations: ops}, nil
}

// AcceptBatchID is the batch id the operations accepting a suggestion are
// written under.
func AcceptBatchID(suggestionID string) string {
	return "accept-" + suggestionID
}

// apply writes an accepted suggestion into the log, once. An earlier
// accept whose bookkeeping failed has left its batch behind; that batch is
// returned as is.
func (s *Service) apply(ctx context.Context, sug *models.Suggestion, resolver models.Author) ([]models.Operation, error) {
	batchID := AcceptBatchID(sug.ID)
	done, err := s.collab.BatchOperations(ctx, sug.SessionID, batchID)
	if err != nil {
		return nil, err
	}
	if len(done) > 0 {
		s.log.Warn().Str("suggestion", sug.ID).Int("ops", len(done)).Msg("accept already applied, recording it")
		return done, nil
	}
	return s.collab.EditBatch(ctx, sug.SessionID, resolver, batchID, func(doc *crdt.Document, client string) ([]crdt.Fragment, error) {
		if p := doc.Locate(sug.Anchor); p.Drifted {
			return nil, &AnchorDriftError{SuggestionID: sug.ID, Placement: p}
		}
		return doc.Replace(sug.Anchor, client, sug.Content)
	})
}

// Withdraw lets the author retract a pending suggestion or comment.
func (s *Service) Withdraw(ctx context.Context, id string, actor models.Author, reason string) (*models.Suggestion, error) {
	unlock := s.lock(id)
	defer unlock()

	sug, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sug.Status != models.SuggestionPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, sug.Status)
	}
	if sug.Author.Key() != actor.Key() {
		return nil, fmt.Errorf("%w: only the author may withdraw", collaboration.ErrPermissionDenied)
	}

	now := s.now().UTC()
	sug.Status = models.SuggestionWithdrawn
	sug.Resolver = actor
	sug.ResolvedAt = &now
	audit := &models.ResolutionAudit{
		SessionID:    sug.SessionID,
		SuggestionID: sug.ID,
		Action:       models.ActionWithdraw,
		Resolver:     actor,
		Reason:       reason,
		CreatedAt:    now,
	}
	if err := s.record(ctx, sug, audit); err != nil {
		return nil, err
	}
	return sug, nil
}

// Escalate flags a pending suggestion for the owner's decision.
func (s *Service) Escalate(ctx context.Context, id string, actor models.Author, reason string) (*models.Suggestion, error) {
	unlock := s.lock(id)
	defer unlock()

	sug, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sug.Kind != models.KindSuggestion {
		return nil, ErrNotSuggestion
	}
	if sug.Status != models.SuggestionPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, sug.Status)
	}
	role, err := s.collab.ParticipantRole(ctx, sug.SessionID, actor)
	if err != nil {
		return nil, err
	}
	if role == "" {
		return nil, fmt.Errorf("%w: %s is not a participant", collaboration.ErrPermissionDenied, actor)
	}

	sug.Escalated = true
	sug.EscalationReason = reason
	audit := &models.ResolutionAudit{
		SessionID:    sug.SessionID,
		SuggestionID: sug.ID,
		Action:       models.ActionEscalate,
		Resolver:     actor,
		Reason:       reason,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.record(ctx, sug, audit); err != nil {
		return nil, err
	}
	s.log.Info().Str("suggestion", id).Str("actor", actor.Key()).Msg("suggestion escalated")
	return sug, nil
}

// Mapping is where a pending suggestion sits in the current text.
type Mapping struct {
	Suggestion models.Suggestion `json:"suggestion"`
	Placement  crdt.Placement    `json:"placement"`
}

// Remap recomputes the current offsets of every pending suggestion and
// comment.
func (s *Service) Remap(ctx context.Context, sessionID string) ([]Mapping, error) {
	pending, err := s.store.ListSuggestions(ctx, sessionID, repository.SuggestionFilter{Status: models.SuggestionPending})
	if err != nil {
		return nil, err
	}
	out := make([]Mapping, len(pending))
	err = s.collab.View(ctx, sessionID, func(doc *crdt.Document, _ models.CollabSession) error {
		for i, sg := range pending {
			out[i] = Mapping{Suggestion: sg, Placement: doc.Locate(sg.Anchor)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns a session's suggestions and comments in creation order.
func (s *Service) List(ctx context.Context, sessionID string, f repository.SuggestionFilter) ([]models.Suggestion, error) {
	return s.store.ListSuggestions(ctx, sessionID, f)
}

// Audits returns the resolution trail of a session.
func (s *Service) Audits(ctx context.Context, sessionID string) ([]models.ResolutionAudit, error) {
	return s.store.ListAudits(ctx, sessionID)
}

// Finalization is the outcome of Finalize.
type Finalization struct {
	Completion *collaboration.Completion `json:"completion"`
	Summary    events.RedlineCompleted   `json:"summary"`
}

// Finalize completes the session once no suggestion is pending and
// announces the redline outcome.
func (s *Service) Finalize(ctx context.Context, sessionID string, actor models.Author, opts collaboration.CompleteOptions) (*Finalization, error) {
	ctx, span := middleware.StartSpan(ctx, "Redline.Finalize", attribute.String("session.id", sessionID))
	defer span.End()

	unlock := s.lock("session:" + sessionID)
	defer unlock()

	all, err := s.store.ListSuggestions(ctx, sessionID, repository.SuggestionFilter{Kind: models.KindSuggestion})
	if err != nil {
		return nil, err
	}
	summary := events.RedlineCompleted{SessionID: sessionID}
	pending := 0
	for _, sg := range all {
		switch sg.Status {
		case models.SuggestionPending:
			pending++
		case models.SuggestionAccepted:
			summary.Accepted++
		case models.SuggestionRejected:
			summary.Rejected++
		case models.SuggestionWithdrawn:
			summary.Withdrawn++
		}
	}
	if pending > 0 {
		return nil, fmt.Errorf("%w: %d awaiting review", ErrPendingSuggestions, pending)
	}

	completion, err := s.collab.Complete(ctx, sessionID, actor, opts)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	s.collab.Publish(ctx, events.TypeRedlineCompleted, sessionID, summary)
	s.log.Info().
		Str("session", sessionID).
		Int("accepted", summary.Accepted).
		Int("rejected", summary.Rejected).
		Int("withdrawn", summary.Withdrawn).
		Msg("redline finalized")
	return &Finalization{Completion: completion, Summary: summary}, nil
}

func (s *Service) canPropose(ctx context.Context, sessionID string, author models.Author) error {
	role, err := s.collab.ParticipantRole(ctx, sessionID, author)
	if err != nil {
		return err
	}
	if !role.CanEdit() {
		return fmt.Errorf("%w: %s cannot propose changes", collaboration.ErrPermissionDenied, author)
	}
	return nil
}

// minor reports whether a suggestion qualifies for auto-accept: small,
// typed live, and free of figures.
func (s *Service) minor(settings models.SessionSettings, sug *models.Suggestion) bool {
	if !settings.AutoAcceptMinorChanges || settings.RequireApprovalForChanges {
		return false
	}
	if sug.Source != models.SourceLive || s.policy.AutoAcceptMaxRunes <= 0 {
		return false
	}
	size := max(utf8.RuneCountInString(sug.Anchor.Text), utf8.RuneCountInString(sug.Content))
	return size <= s.policy.AutoAcceptMaxRunes && !figures(sug.Anchor.Text) && !figures(sug.Content)
}

// figures reports whether text holds digits, currency symbols or percent
// signs, which make a change material regardless of its size.
func figures(text string) bool {
	for _, r := range text {
		if unicode.IsDigit(r) || unicode.Is(unicode.Sc, r) || r == '%' {
			return true
		}
	}
	return false
}

func (s *Service) record(ctx context.Context, sug *models.Suggestion, audit *models.ResolutionAudit) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	return backoff.Retry(func() error {
		return s.store.RecordResolution(ctx, sug, audit)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

func (s *Service) newSuggestion(sessionID string, kind models.SuggestionKind, source models.SuggestionSource, a crdt.Anchor, offset, length int, content, note string, author models.Author) *models.Suggestion {
	now := s.now().UTC()
	return &models.Suggestion{
		SessionID:      sessionID,
		Kind:           kind,
		Status:         models.SuggestionPending,
		Source:         source,
		Anchor:         a,
		OriginalOffset: offset,
		OriginalLength: length,
		Content:        content,
		Note:           note,
		Author:         author,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// openForReview rejects redline changes on sessions that are not open.
// A locked session still accepts proposals and comments.
func openForReview(sess models.CollabSession) error {
	switch sess.Status {
	case models.StatusCompleted:
		return collaboration.ErrSessionCompleted
	case models.StatusDraft:
		return collaboration.ErrSessionNotActive
	}
	return nil
}

func anchorFor(doc *crdt.Document, offset, length int) (crdt.Anchor, error) {
	a, err := doc.AnchorRange(offset, length)
	if err != nil {
		return crdt.Anchor{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return a, nil
}
