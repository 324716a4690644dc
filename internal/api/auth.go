package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"contract-collab/internal/models"
	"contract-collab/internal/repository"

	"github.com/gorilla/mux"
)

// Headers carrying the caller's identity. Internal users are asserted by
// the gateway in front of this service; counterparties present the
// capability token they were sent.
const (
	HeaderUserID      = "X-User-ID"
	HeaderUserName    = "X-User-Name"
	HeaderAccessToken = "X-Access-Token"
)

var (
	ErrUnauthenticated = errors.New("missing or invalid credentials")
	ErrTokenScope      = errors.New("access token is not valid for this session")
)

// Auth resolves callers from request headers.
type Auth struct {
	tokens TokenStore
	now    func() time.Time
}

// NewAuth creates an authenticator over the token store.
func NewAuth(tokens TokenStore) *Auth {
	return &Auth{tokens: tokens, now: time.Now}
}

// Identify returns the caller and, for token holders, the role the token
// grants. Internal callers get no role here; the session decides it.
func (a *Auth) Identify(r *http.Request) (models.Author, models.Role, error) {
	if raw := strings.TrimSpace(r.Header.Get(HeaderAccessToken)); raw != "" {
		t, err := a.tokens.FindTokenByHash(r.Context(), HashToken(raw))
		if errors.Is(err, repository.ErrNotFound) {
			return models.Author{}, "", ErrUnauthenticated
		}
		if err != nil {
			return models.Author{}, "", err
		}
		if !t.Usable(a.now()) {
			return models.Author{}, "", ErrUnauthenticated
		}
		// Session routes carry the session as {id}; a token only opens its own.
		if sid, ok := mux.Vars(r)["id"]; ok && sid != t.SessionID {
			return models.Author{}, "", ErrTokenScope
		}
		return models.External(t.ID, t.Email, t.Name), t.Role, nil
	}

	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return models.Author{}, "", ErrUnauthenticated
	}
	return models.Internal(userID, r.Header.Get(HeaderUserName)), "", nil
}

// NewToken returns a fresh capability token and the hash to store.
func NewToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken is the SHA-256 hex digest tokens are stored under.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
