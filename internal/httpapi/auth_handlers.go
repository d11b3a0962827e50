package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medilink.org/internal/auth"
	"medilink.org/internal/session"
)

// Client-visible failure messages. Deliberately collapsed: a caller can never
// tell "unknown user" from "wrong password", nor "expired" from "malformed".
// The fine-grained kind lives only in logs and metrics.
const (
	msgInvalidCredentials  = "invalid credentials"
	msgInvalidRefreshToken = "invalid or expired refresh token"
	msgServiceUnavailable  = "service temporarily unavailable"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type grantResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id,omitempty"`
	Role         string `json:"role,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	meta := session.ClientMeta{
		UserAgent: r.UserAgent(),
		ClientIP:  clientIP(r),
	}
	grant, err := a.svc.Authenticate(r.Context(), req.Identifier, req.Secret, meta)
	if err != nil {
		writeAuthError(w, r, err, msgInvalidCredentials)
		return
	}

	writeJSON(w, http.StatusOK, grantResponse{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
		UserID:       grant.UserID,
		Role:         grant.Role,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := a.svc.Rotate(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		writeAuthError(w, r, err, msgInvalidRefreshToken)
		return
	}

	writeJSON(w, http.StatusOK, grantResponse{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
	})
}

// writeAuthError maps the failure taxonomy onto the collapsed client view:
// caller-attributable failures get one uniform 401, infrastructure failures a
// generic 503. The request id lets operators correlate with the real kind in
// the logs.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error, collapsed string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidRefreshToken),
		errors.Is(err, auth.ErrRefreshTokenExpired),
		errors.Is(err, auth.ErrSessionRevokedDueToReuse),
		errors.Is(err, auth.ErrSessionRevoked),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, r, http.StatusUnauthorized, collapsed)
	default:
		writeError(w, r, http.StatusServiceUnavailable, msgServiceUnavailable)
	}
}
