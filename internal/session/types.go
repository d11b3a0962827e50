// Package session defines the session and refresh-token lifecycle model and
// the gateway contract to the persistent session store. All state transitions
// are one-way: a session is revoked at most once, a refresh token is spent at
// most once, and nothing is ever deleted — rows remain for audit.
package session

import "time"

// metaMaxLen bounds informational client metadata columns.
const metaMaxLen = 256

// Session is one authenticated login. It owns a chain of refresh tokens, of
// which at most one is active at any instant.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	UserAgent  string
	ClientIP   string
}

// Live reports whether the session can still be renewed: not revoked and not
// past its absolute deadline. The deadline does not move on renewal.
func (s *Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// TokenState is the lifecycle position of a refresh token.
type TokenState int

const (
	// StateActive: unused, unrevoked, unexpired. The only state a token can
	// be successfully rotated from.
	StateActive TokenState = iota
	// StateSpent: used once by a successful rotation. Terminal.
	StateSpent
	// StateRevoked: invalidated by replay detection or explicit action. Terminal.
	StateRevoked
	// StateExpired: never used, past its own expiry. Presenting it is not
	// evidence of compromise.
	StateExpired
)

func (s TokenState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSpent:
		return "spent"
	case StateRevoked:
		return "revoked"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RefreshToken is one link in a session's rotation chain. Only the digest of
// the client-held secret is ever stored.
type RefreshToken struct {
	ID        string
	SessionID string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	RevokedAt *time.Time
}

// State classifies the token. Spent and revoked take precedence over expiry:
// presenting a spent token is a replay even if it has also expired since.
func (t *RefreshToken) State(now time.Time) TokenState {
	switch {
	case t.RevokedAt != nil:
		return StateRevoked
	case t.UsedAt != nil:
		return StateSpent
	case !now.Before(t.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}

// ClientMeta carries informational request attributes stored on the session.
type ClientMeta struct {
	UserAgent string
	ClientIP  string
}

// Bounded returns a copy with both fields truncated to the storage limit.
func (m ClientMeta) Bounded() ClientMeta {
	return ClientMeta{
		UserAgent: truncate(m.UserAgent, metaMaxLen),
		ClientIP:  truncate(m.ClientIP, metaMaxLen),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
