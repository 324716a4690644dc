package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleSessionWebSocket joins the caller to a session over a websocket.
// Browsers cannot set headers on the upgrade, so the identity may also
// come from the query string.
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if t := q.Get("access_token"); t != "" && r.Header.Get(HeaderAccessToken) == "" {
		r.Header.Set(HeaderAccessToken, t)
	}
	if u := q.Get("user_id"); u != "" && r.Header.Get(HeaderUserID) == "" {
		r.Header.Set(HeaderUserID, u)
		r.Header.Set(HeaderUserName, q.Get("user_name"))
	}
	h.wsHandler.HandleSessionConnection(w, r)
}
