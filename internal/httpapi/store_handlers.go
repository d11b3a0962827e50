package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"medilink.org/internal/identity"
	"medilink.org/internal/session"
)

// Wire representation of the internal store API. The remote store client in
// internal/session/remote speaks exactly this contract.

type sessionPayload struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	ClientIP   string     `json:"client_ip,omitempty"`
}

type refreshTokenPayload struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	TokenHash string     `json:"token_hash"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type createSessionRequest struct {
	UserID     string `json:"user_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
	UserAgent  string `json:"user_agent,omitempty"`
	ClientIP   string `json:"client_ip,omitempty"`
}

type createRefreshTokenRequest struct {
	SessionID  string `json:"session_id"`
	TokenHash  string `json:"token_hash"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type findRefreshTokenRequest struct {
	TokenHash string `json:"token_hash"`
}

type stampRequest struct {
	At time.Time `json:"at"`
}

type lookupUserRequest struct {
	Identifier string `json:"identifier,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

type userPayload struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"`
}

func sessionToPayload(s *session.Session) sessionPayload {
	return sessionPayload{
		ID:         s.ID,
		UserID:     s.UserID,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		ExpiresAt:  s.ExpiresAt,
		RevokedAt:  s.RevokedAt,
		UserAgent:  s.UserAgent,
		ClientIP:   s.ClientIP,
	}
}

func tokenToPayload(t *session.RefreshToken) refreshTokenPayload {
	return refreshTokenPayload{
		ID:        t.ID,
		SessionID: t.SessionID,
		TokenHash: t.TokenHash,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		UsedAt:    t.UsedAt,
		RevokedAt: t.RevokedAt,
	}
}

// handleInternal routes /internal/v1/ requests. The mux already verified the
// service token.
func (a *API) handleInternal(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/internal/v1/")
	switch {
	case path == "sessions":
		a.createSessionHandler(w, r)
	case strings.HasPrefix(path, "sessions/"):
		a.sessionResourceHandler(w, r, strings.TrimPrefix(path, "sessions/"))
	case path == "refresh-tokens":
		a.createRefreshTokenHandler(w, r)
	case path == "refresh-tokens/find":
		a.findRefreshTokenHandler(w, r)
	case strings.HasPrefix(path, "refresh-tokens/"):
		a.refreshTokenResourceHandler(w, r, strings.TrimPrefix(path, "refresh-tokens/"))
	case path == "users/lookup":
		a.lookupUserHandler(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || req.TTLSeconds <= 0 {
		writeError(w, r, http.StatusBadRequest, "user_id and positive ttl_seconds are required")
		return
	}
	meta := session.ClientMeta{UserAgent: req.UserAgent, ClientIP: req.ClientIP}
	sess, err := a.store.CreateSession(r.Context(), req.UserID, meta, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToPayload(sess))
}

func (a *API) sessionResourceHandler(w http.ResponseWriter, r *http.Request, rest string) {
	id, verb, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch verb {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		sess, err := a.store.GetSession(r.Context(), id)
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionToPayload(sess))
	case "revoke":
		a.stampHandler(w, r, func(at time.Time) error {
			return a.store.RevokeSession(r.Context(), id, at)
		})
	case "touch":
		a.stampHandler(w, r, func(at time.Time) error {
			return a.store.TouchSession(r.Context(), id, at)
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createRefreshTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createRefreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || req.TokenHash == "" || req.TTLSeconds <= 0 {
		writeError(w, r, http.StatusBadRequest, "session_id, token_hash, and positive ttl_seconds are required")
		return
	}
	tok, err := a.store.CreateRefreshToken(r.Context(), req.SessionID, req.TokenHash, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenToPayload(tok))
}

func (a *API) findRefreshTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req findRefreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TokenHash == "" {
		writeError(w, r, http.StatusBadRequest, "token_hash is required")
		return
	}
	tok, err := a.store.FindRefreshToken(r.Context(), req.TokenHash)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenToPayload(tok))
}

func (a *API) refreshTokenResourceHandler(w http.ResponseWriter, r *http.Request, rest string) {
	id, verb, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch verb {
	case "use":
		a.stampHandler(w, r, func(at time.Time) error {
			return a.store.MarkRefreshTokenUsed(r.Context(), id, at)
		})
	case "revoke":
		a.stampHandler(w, r, func(at time.Time) error {
			return a.store.RevokeRefreshToken(r.Context(), id, at)
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// stampHandler runs a timestamped state transition. The caller supplies the
// instant so retries and clock skew stay under the writer's control.
func (a *API) stampHandler(w http.ResponseWriter, r *http.Request, apply func(at time.Time) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req stampRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := apply(at); err != nil {
		handleStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) lookupUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req lookupUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		user *identity.User
		err  error
	)
	switch {
	case req.UserID != "":
		user, err = a.dir.LookupUserByID(r.Context(), req.UserID)
	case strings.TrimSpace(req.Identifier) != "":
		user, err = a.dir.LookupUser(r.Context(), req.Identifier)
	default:
		writeError(w, r, http.StatusBadRequest, "identifier or user_id is required")
		return
	}
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, userPayload{ID: user.ID, Role: user.Role, PasswordHash: user.PasswordHash})
}

// handleStoreError maps store sentinels onto the internal API's status codes.
// 409 carries the distinction the remote client needs: "already_used" for the
// losing side of the conditional update, "rejected" for constraint violations.
func handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, session.ErrTokenAlreadyUsed):
		writeError(w, r, http.StatusConflict, "already_used")
	case errors.Is(err, session.ErrRejected):
		writeError(w, r, http.StatusConflict, "rejected")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
	}
}
