package api

import (
	"net/http"

	"contract-collab/internal/middleware"
	"contract-collab/internal/services/redline"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Session lifecycle
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/activate", h.ActivateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/lock", h.LockSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/unlock", h.UnlockSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/complete", h.CompleteSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/finalize", h.FinalizeSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/document", h.GetDocument).Methods("GET")

	// Participants and presence
	api.HandleFunc("/sessions/{id}/join", h.JoinSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/participants", h.ListParticipants).Methods("GET")
	api.HandleFunc("/sessions/{id}/presence", h.ListPresence).Methods("GET")
	api.HandleFunc("/handles/{handle}", h.LeaveSession).Methods("DELETE")
	api.HandleFunc("/handles/{handle}/cursor", h.UpdateCursor).Methods("PUT")
	api.HandleFunc("/handles/{handle}/ack", h.Ack).Methods("POST")

	// Operation log
	api.HandleFunc("/sessions/{id}/operations", h.AppendOperation).Methods("POST")
	api.HandleFunc("/sessions/{id}/operations", h.ListOperations).Methods("GET")
	api.HandleFunc("/sessions/{id}/changes", h.ListChanges).Methods("GET")
	api.HandleFunc("/sessions/{id}/changes/{batch}/undo", h.UndoChange).Methods("POST")

	// Snapshots
	api.HandleFunc("/sessions/{id}/snapshots", h.ListSnapshots).Methods("GET")
	api.HandleFunc("/sessions/{id}/snapshots", h.CreateSnapshot).Methods("POST")
	api.HandleFunc("/sessions/{id}/snapshots/{version}", h.GetSnapshot).Methods("GET")
	api.HandleFunc("/sessions/{id}/compact", h.CompactSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/revert", h.RevertSession).Methods("POST")

	// External access
	api.HandleFunc("/sessions/{id}/tokens", h.CreateToken).Methods("POST")
	api.HandleFunc("/sessions/{id}/tokens/{token}", h.RevokeToken).Methods("DELETE")

	// Redline
	api.HandleFunc("/sessions/{id}/suggestions", h.ListSuggestions).Methods("GET")
	api.HandleFunc("/sessions/{id}/suggestions", h.ProposeSuggestion).Methods("POST")
	api.HandleFunc("/sessions/{id}/suggestions/remap", h.RemapSuggestions).Methods("GET")
	api.HandleFunc("/sessions/{id}/diff", h.ImportDiff).Methods("POST")
	api.HandleFunc("/sessions/{id}/comments", h.AddComment).Methods("POST")
	api.HandleFunc("/sessions/{id}/audits", h.ListAudits).Methods("GET")
	api.HandleFunc("/suggestions/{suggestion}/accept", h.resolve(redline.Accept)).Methods("POST")
	api.HandleFunc("/suggestions/{suggestion}/reject", h.resolve(redline.Reject)).Methods("POST")
	api.HandleFunc("/suggestions/{suggestion}/withdraw", h.WithdrawSuggestion).Methods("POST")
	api.HandleFunc("/suggestions/{suggestion}/escalate", h.EscalateSuggestion).Methods("POST")

	// Assistant
	api.HandleFunc("/sessions/{id}/assistant/suggest", h.AssistantSuggest).Methods("POST")
	api.HandleFunc("/sessions/{id}/assistant/summary", h.AssistantSummary).Methods("GET")
	api.HandleFunc("/sessions/{id}/assistant/terms", h.AssistantKeyTerms).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/sessions/{id}", h.HandleSessionWebSocket)

	return r
}
