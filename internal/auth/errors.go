package auth

import "errors"

// Failure taxonomy for login and rotation. The fine-grained kind is kept for
// logging and metrics; the HTTP layer collapses client-visible messages so a
// caller can never distinguish "unknown user" from "wrong password" or
// "expired" from "malformed".
var (
	// ErrInvalidCredentials covers every login failure that is the caller's
	// fault: missing fields, unknown identifier, wrong secret.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidRefreshToken: the presented secret digests to no known token.
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")

	// ErrRefreshTokenExpired: the token ran out before being used. Not
	// evidence of compromise; the session is left alone.
	ErrRefreshTokenExpired = errors.New("auth: refresh token expired")

	// ErrSessionRevokedDueToReuse: the token was already spent or revoked,
	// so the same secret was presented twice. The owning session has been
	// revoked as a side effect.
	ErrSessionRevokedDueToReuse = errors.New("auth: session revoked due to token reuse")

	// ErrSessionRevoked: the owning session was revoked before this attempt.
	ErrSessionRevoked = errors.New("auth: session revoked")

	// ErrSessionExpired: the owning session passed its absolute deadline.
	ErrSessionExpired = errors.New("auth: session expired")

	// ErrSessionNotFound: the token references a session the store no longer
	// returns.
	ErrSessionNotFound = errors.New("auth: session not found")

	// ErrUserNotFound: the session's user vanished from the identity store.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrSessionCreationFailed: the store rejected or failed session
	// creation during login.
	ErrSessionCreationFailed = errors.New("auth: session creation failed")

	// ErrTokenCreationFailed: refresh-token persistence or access-token
	// signing failed during login.
	ErrTokenCreationFailed = errors.New("auth: token creation failed")

	// ErrTokenRotationFailed: the old token was spent but no replacement
	// could be persisted. The session is left with no active token on
	// purpose; the user must log in again.
	ErrTokenRotationFailed = errors.New("auth: token rotation failed")
)

// FailureKind returns the short label used for metrics and logs, or "ok" for
// a nil error.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, ErrRefreshTokenExpired):
		return "refresh_token_expired"
	case errors.Is(err, ErrSessionRevokedDueToReuse):
		return "session_revoked_due_to_reuse"
	case errors.Is(err, ErrSessionRevoked):
		return "session_revoked"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrSessionCreationFailed):
		return "session_creation_failed"
	case errors.Is(err, ErrTokenCreationFailed):
		return "token_creation_failed"
	case errors.Is(err, ErrTokenRotationFailed):
		return "token_rotation_failed"
	default:
		return "store_error"
	}
}
