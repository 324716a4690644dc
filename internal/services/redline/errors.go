package redline

import (
	"errors"
	"fmt"

	"contract-collab/internal/crdt"
)

var (
	ErrNotPending         = errors.New("suggestion is not pending")
	ErrNotSuggestion      = errors.New("comments cannot be accepted or rejected")
	ErrPendingSuggestions = errors.New("session has pending suggestions")
	ErrInvalidInput       = errors.New("invalid redline input")
)

// AnchorDriftError is returned when an accepted suggestion's range no
// longer maps onto the text it was proposed against. The suggestion stays
// pending so a reviewer can withdraw it or propose again.
type AnchorDriftError struct {
	SuggestionID string
	Placement    crdt.Placement
}

func (e *AnchorDriftError) Error() string {
	return fmt.Sprintf("suggestion %s: anchor drifted: %s", e.SuggestionID, e.Placement.Reason)
}

func (e *AnchorDriftError) Unwrap() error {
	return crdt.ErrDrift
}
