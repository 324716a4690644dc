package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"contract-collab/internal/crdt"
	"contract-collab/internal/logging"
	"contract-collab/internal/middleware"
	"contract-collab/internal/models"
	"contract-collab/internal/openai"
	"contract-collab/internal/services/redline"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: AN LLM AS JUST ANOTHER REVIEWER

The assistant never edits the document. It reads the live text, asks the
model for concrete replacements, and files each one as an ordinary
redline suggestion authored by the "assistant" system identity:

  live text + instruction
    ↓
  Chat completion (JSON list of {find, replace, reason})
    ↓
  Locate each "find" exactly once in the text
    ↓
  redline.Propose(source = assistant)

Anything the model returns that cannot be pinned to one place is dropped.
Assistant suggestions go through the same review as everyone else's and
are never auto-accepted.
*/

// Name is the system author assistant suggestions are filed under.
const Name = "assistant"

// ErrNoSuggestions is returned when the model proposes nothing usable.
var ErrNoSuggestions = errors.New("assistant produced no usable suggestions")

// Completer runs a chat completion.
type Completer interface {
	ChatCompletion(ctx context.Context, messages []openai.ChatMessage) (string, error)
}

// Viewer reads the live document.
type Viewer interface {
	View(ctx context.Context, sessionID string, fn func(doc *crdt.Document, s models.CollabSession) error) error
}

// Proposer files redline suggestions.
type Proposer interface {
	Propose(ctx context.Context, p redline.Proposal) (*models.Suggestion, error)
}

// Service drafts redline suggestions and summaries with an LLM.
type Service struct {
	llm      Completer
	docs     Viewer
	redlines Proposer
	log      zerolog.Logger
}

// NewService creates an assistant service.
func NewService(llm Completer, docs Viewer, redlines Proposer) *Service {
	return &Service{
		llm:      llm,
		docs:     docs,
		redlines: redlines,
		log:      logging.Component("assistant"),
	}
}

// Edit is one replacement the model proposes.
type Edit struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
	Reason  string `json:"reason"`
}

// Suggest asks the model to apply instruction to the contract and files
// what it proposes as pending suggestions.
func (s *Service) Suggest(ctx context.Context, sessionID, instruction string, requestedBy models.Author) ([]models.Suggestion, error) {
	ctx, span := middleware.StartSpan(ctx, "Assistant.Suggest",
		attribute.String("session.id", sessionID),
		attribute.Int("instruction_length", len(instruction)),
	)
	defer span.End()

	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("%w: empty instruction", redline.ErrInvalidInput)
	}
	text, err := s.text(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	answer, err := s.llm.ChatCompletion(ctx, []openai.ChatMessage{
		{Role: "system", Content: suggestSystemPrompt},
		{Role: "user", Content: buildSuggestPrompt(instruction, text)},
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to get completion: %w", err)
	}
	edits, err := ParseEdits(answer)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	var out []models.Suggestion
	for _, e := range edits {
		offset, length, ok := locate(text, e.Find)
		if !ok {
			s.log.Debug().Str("session", sessionID).Str("find", e.Find).Msg("skipping edit that does not match exactly once")
			continue
		}
		note := e.Reason
		if !requestedBy.IsZero() {
			note = strings.TrimSpace(note + " (requested by " + requestedBy.String() + ")")
		}
		sg, err := s.redlines.Propose(ctx, redline.Proposal{
			SessionID: sessionID,
			Offset:    offset,
			Length:    length,
			Content:   e.Replace,
			Note:      note,
			Author:    models.System(Name),
			Source:    models.SourceAssistant,
		})
		if errors.Is(err, redline.ErrInvalidInput) {
			s.log.Debug().Err(err).Str("session", sessionID).Msg("skipping invalid edit")
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, *sg)
	}

	middleware.AddSpanEvent(ctx, "assistant_suggested",
		attribute.Int("edits", len(edits)),
		attribute.Int("suggestions", len(out)),
	)
	if len(out) == 0 {
		return nil, ErrNoSuggestions
	}
	return out, nil
}

// Summarize returns a plain-language summary of the live contract.
func (s *Service) Summarize(ctx context.Context, sessionID string, maxWords int) (string, error) {
	ctx, span := middleware.StartSpan(ctx, "Assistant.Summarize",
		attribute.String("session.id", sessionID),
		attribute.Int("max_words", maxWords),
	)
	defer span.End()

	if maxWords <= 0 {
		maxWords = 150
	}
	text, err := s.text(ctx, sessionID)
	if err != nil {
		return "", err
	}
	prompt := fmt.Sprintf(
		"Summarize the obligations, payment terms and termination rights in the following contract in no more than %d words:\n\n%s",
		maxWords,
		text,
	)
	summary, err := s.llm.ChatCompletion(ctx, []openai.ChatMessage{
		{Role: "system", Content: "You are a contracts analyst who writes concise, accurate summaries for non-lawyers."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// KeyTerms extracts the defined terms and key commercial terms.
func (s *Service) KeyTerms(ctx context.Context, sessionID string, count int) ([]string, error) {
	ctx, span := middleware.StartSpan(ctx, "Assistant.KeyTerms",
		attribute.String("session.id", sessionID),
		attribute.Int("count", count),
	)
	defer span.End()

	text, err := s.text(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(
		"List up to %d key terms (defined terms, amounts, deadlines) from the following contract. Return only the terms separated by commas:\n\n%s",
		count,
		text,
	)
	response, err := s.llm.ChatCompletion(ctx, []openai.ChatMessage{
		{Role: "system", Content: "You extract key terms from contracts."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to extract key terms: %w", err)
	}

	terms := strings.Split(response, ",")
	result := make([]string, 0, len(terms))
	for _, t := range terms {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if count > 0 && len(result) > count {
		result = result[:count]
	}
	return result, nil
}

func (s *Service) text(ctx context.Context, sessionID string) (string, error) {
	var text string
	err := s.docs.View(ctx, sessionID, func(doc *crdt.Document, _ models.CollabSession) error {
		text = doc.Text()
		return nil
	})
	return text, err
}

// ParseEdits reads the model's answer. Code fences around the JSON are
// tolerated.
func ParseEdits(answer string) ([]Edit, error) {
	body := strings.TrimSpace(answer)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	var edits []Edit
	if err := json.Unmarshal([]byte(body), &edits); err != nil {
		return nil, fmt.Errorf("failed to parse assistant answer: %w", err)
	}
	out := edits[:0]
	for _, e := range edits {
		if e.Find != "" && e.Find != e.Replace {
			out = append(out, e)
		}
	}
	return out, nil
}

// locate finds the only occurrence of find in text and returns its rune
// offset and length.
func locate(text, find string) (offset, length int, ok bool) {
	if find == "" || strings.Count(text, find) != 1 {
		return 0, 0, false
	}
	i := strings.Index(text, find)
	return utf8.RuneCountInString(text[:i]), utf8.RuneCountInString(find), true
}

const suggestSystemPrompt = `You are a careful contracts lawyer reviewing a draft.
Respond with a JSON array only. Each element is an object with:
  "find":    an exact, unique excerpt of the current text to change
  "replace": the replacement text
  "reason":  one sentence explaining the change
Quote "find" verbatim and keep each excerpt as short as possible.`

func buildSuggestPrompt(instruction, text string) string {
	return fmt.Sprintf(`Instruction: %s

Contract:
%s

Edits:`, instruction, text)
}
