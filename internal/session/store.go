package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"
)

// Store is the gateway to the persistent session store. It is the only
// interface through which session and refresh-token rows are read or written.
// Implementations push all mutual exclusion into the store itself —
// MarkRefreshTokenUsed must be a single conditional write, never a
// read-then-write pair — so any number of stateless workers can share one
// store without in-process locks.
//
// Every call should carry a context with a short deadline; on timeout the
// implementation returns ErrUnavailable.
type Store interface {
	// CreateSession persists a new session for the user with the given
	// absolute lifetime and client metadata.
	CreateSession(ctx context.Context, userID string, meta ClientMeta, ttl time.Duration) (*Session, error)

	// GetSession returns the session or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// RevokeSession sets revoked_at if not already set. Revoking an already
	// revoked session is a no-op success.
	RevokeSession(ctx context.Context, id string, at time.Time) error

	// TouchSession updates last_used_at.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// CreateRefreshToken persists a new token row holding the digest of a
	// client-held secret. The raw secret never reaches the store.
	CreateRefreshToken(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) (*RefreshToken, error)

	// FindRefreshToken looks a token up by secret digest, or ErrNotFound.
	FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// MarkRefreshTokenUsed sets used_at iff it was null ("set used_at = $2
	// where id = $1 and used_at is null"). Returns ErrTokenAlreadyUsed when
	// the condition fails: exactly one of any number of concurrent callers
	// presenting the same token succeeds.
	MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) error

	// RevokeRefreshToken sets revoked_at if not already set; idempotent.
	RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error
}

// secretBytes is the entropy of a refresh secret (256 bits).
const secretBytes = 32

// NewSecret generates a fresh opaque refresh secret and its storage digest.
// The raw form goes to the client exactly once; only the digest is persisted.
func NewSecret() (raw, digest string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashSecret(raw), nil
}

// HashSecret returns the hex-encoded SHA-256 digest of a raw refresh secret.
// Clients treat the secret as opaque; this digest is the only interpretation
// the server ever applies.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
