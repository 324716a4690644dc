package api

import (
	"context"
	"time"

	"contract-collab/internal/models"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/collaboration"
	"contract-collab/internal/services/redline"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler declares only the methods it calls. The collaboration manager
is used as a concrete type because nearly its whole surface is exposed
over HTTP; the redline, assistant and token dependencies are narrow and
easy to fake in handler tests.
*/

// RedlineService is what handlers need from the redline layer.
type RedlineService interface {
	Propose(ctx context.Context, p redline.Proposal) (*models.Suggestion, error)
	ProposeFromExternalDiff(ctx context.Context, sessionID string, author models.Author, ranges []redline.DiffRange) ([]models.Suggestion, error)
	Comment(ctx context.Context, in redline.CommentInput) (*models.Suggestion, error)
	Resolve(ctx context.Context, id string, decision redline.Decision, resolver models.Author, reason string) (*redline.Resolution, error)
	Withdraw(ctx context.Context, id string, actor models.Author, reason string) (*models.Suggestion, error)
	Escalate(ctx context.Context, id string, actor models.Author, reason string) (*models.Suggestion, error)
	Remap(ctx context.Context, sessionID string) ([]redline.Mapping, error)
	List(ctx context.Context, sessionID string, f repository.SuggestionFilter) ([]models.Suggestion, error)
	Audits(ctx context.Context, sessionID string) ([]models.ResolutionAudit, error)
	Finalize(ctx context.Context, sessionID string, actor models.Author, opts collaboration.CompleteOptions) (*redline.Finalization, error)
}

// AssistantService drafts suggestions and summaries. It is optional; the
// routes answer 503 without it.
type AssistantService interface {
	Suggest(ctx context.Context, sessionID, instruction string, requestedBy models.Author) ([]models.Suggestion, error)
	Summarize(ctx context.Context, sessionID string, maxWords int) (string, error)
	KeyTerms(ctx context.Context, sessionID string, count int) ([]string, error)
}

// TokenStore persists external access tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *models.ExternalAccessToken) error
	FindTokenByHash(ctx context.Context, hash string) (*models.ExternalAccessToken, error)
	RevokeToken(ctx context.Context, sessionID, id string, at time.Time) error
}
