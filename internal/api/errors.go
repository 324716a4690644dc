package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"contract-collab/internal/logging"
	"contract-collab/internal/middleware"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/assistant"
	"contract-collab/internal/services/collaboration"
	"contract-collab/internal/services/redline"
)

// Codes for failures outside the collaboration core.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeAnchorDrift     = "anchor_drift"
	CodeNotPending      = "not_pending"
	CodePending         = "pending_suggestions"
	CodeNoSuggestions   = "no_suggestions"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// errorCode classifies err. Redline and auth errors are checked first;
// everything else goes through the collaboration classifier.
func errorCode(err error) string {
	var drift *redline.AnchorDriftError
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrTokenScope):
		return collaboration.CodePermission
	case errors.As(err, &drift):
		return CodeAnchorDrift
	case errors.Is(err, redline.ErrNotPending):
		return CodeNotPending
	case errors.Is(err, redline.ErrPendingSuggestions):
		return CodePending
	case errors.Is(err, redline.ErrInvalidInput), errors.Is(err, redline.ErrNotSuggestion):
		return collaboration.CodeInvalid
	case errors.Is(err, assistant.ErrNoSuggestions):
		return CodeNoSuggestions
	case errors.Is(err, repository.ErrNotFound):
		return collaboration.CodeNotFound
	}
	return collaboration.ErrorCode(err)
}

func statusFor(code string) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case collaboration.CodePermission, collaboration.CodeExternal:
		return http.StatusForbidden
	case collaboration.CodeNotFound:
		return http.StatusNotFound
	case collaboration.CodeInvalid:
		return http.StatusBadRequest
	case collaboration.CodeDecode, CodeNoSuggestions:
		return http.StatusUnprocessableEntity
	case collaboration.CodeSessionLocked:
		return http.StatusLocked
	case collaboration.CodeOutOfOrder, collaboration.CodeSessionCompleted, collaboration.CodeSessionInactive,
		collaboration.CodeTransition, collaboration.CodeCapacity, CodeAnchorDrift, CodeNotPending, CodePending:
		return http.StatusConflict
	case collaboration.CodeCompacted:
		return http.StatusGone
	case collaboration.CodeNotOwner:
		return http.StatusMisdirectedRequest
	case collaboration.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err with its status and code. Server errors are
// logged and recorded on the request span.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCode(err)
	status := statusFor(code)
	ctx := r.Context()
	if status >= http.StatusInternalServerError {
		middleware.AddSpanError(ctx, err)
		logging.Ctx(ctx).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, RequestID: middleware.GetRequestID(ctx)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: collaboration.CodeInvalid, RequestID: middleware.GetRequestID(r.Context())})
}
