// Package auth orchestrates the session lifecycle: issuing a session on
// login, rotating single-use refresh tokens on renewal, and revoking a whole
// session when a token replay shows its chain leaked. The service holds no
// shared mutable state; every race is settled by the store's conditional
// mark-used write, so any number of workers can run it concurrently.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medilink.org/internal/audit"
	"medilink.org/internal/identity"
	"medilink.org/internal/obs"
	"medilink.org/internal/password"
	"medilink.org/internal/session"
	"medilink.org/internal/token"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 14 * 24 * time.Hour
	defaultSessionTTL   = 30 * 24 * time.Hour
	defaultStoreTimeout = 5 * time.Second
)

// Service implements authentication and refresh rotation on top of the
// session store gateway, the identity directory, and the token codec.
type Service struct {
	store session.Store
	dir   identity.Directory
	codec *token.Codec
	now   func() time.Time

	accessTTL    time.Duration
	refreshTTL   time.Duration
	sessionTTL   time.Duration
	storeTimeout time.Duration

	hashParams password.Params
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: access ttl must be positive")
		}
		s.accessTTL = ttl
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: refresh ttl must be positive")
		}
		s.refreshTTL = ttl
		return nil
	}
}

// WithSessionTTL configures the session's absolute lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: session ttl must be positive")
		}
		s.sessionTTL = ttl
		return nil
	}
}

// WithStoreTimeout bounds every store and directory call with its own
// deadline, independent of the request context.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("auth: store timeout must be positive")
		}
		s.storeTimeout = d
		return nil
	}
}

// NewService constructs a Service.
func NewService(store session.Store, dir identity.Directory, codec *token.Codec, opts ...Option) (*Service, error) {
	if store == nil || dir == nil || codec == nil {
		return nil, errors.New("auth: store, directory, and codec are required")
	}
	s := &Service{
		store:        store,
		dir:          dir,
		codec:        codec,
		now:          time.Now,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		sessionTTL:   defaultSessionTTL,
		storeTimeout: defaultStoreTimeout,
		hashParams:   password.DefaultParams,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	// The request context arrives without a deadline; a stalled store must
	// fail closed instead of holding the connection open.
	s.store = session.WithCallTimeout(s.store, s.storeTimeout)
	s.dir = identity.WithCallTimeout(s.dir, s.storeTimeout)
	return s, nil
}

// Grant is the result of a successful login or rotation. RefreshToken is the
// raw secret, shown to the caller exactly once and never stored.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime, seconds
	UserID       string
	Role         string
	SessionID    string
}

// Authenticate verifies the credential and opens a new session with its first
// refresh token. Every caller-attributable failure is ErrInvalidCredentials;
// nothing in the error or its timing-insensitive path reveals whether the
// identifier exists.
func (s *Service) Authenticate(ctx context.Context, identifier, secret string, meta session.ClientMeta) (Grant, error) {
	grant, err := s.authenticate(ctx, identifier, secret, meta)
	obs.ObserveLogin(FailureKind(err))
	return grant, err
}

func (s *Service) authenticate(ctx context.Context, identifier, secret string, meta session.ClientMeta) (Grant, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return Grant{}, ErrInvalidCredentials
	}

	user, err := s.dir.LookupUser(ctx, identifier)
	if err != nil {
		// Lookup failure and unknown user share the mismatch path.
		if !errors.Is(err, identity.ErrNotFound) {
			obs.Warn("identity lookup failed", map[string]any{"error": err.Error()})
		}
		return Grant{}, ErrInvalidCredentials
	}
	if !password.Verify(user.PasswordHash, secret) {
		return Grant{}, ErrInvalidCredentials
	}
	if password.NeedsRehash(user.PasswordHash, s.hashParams) {
		// Observed only; transparent hash upgrades stay out of the login path.
		obs.Info("stored credential hash below current parameters", map[string]any{"user_id": user.ID})
	}

	sess, err := s.store.CreateSession(ctx, user.ID, meta, s.sessionTTL)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}

	rawSecret, digest, err := session.NewSecret()
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenCreationFailed, err)
	}
	// A failure from here on orphans the session: harmless, it has no valid
	// refresh token and expires on its own.
	if _, err := s.store.CreateRefreshToken(ctx, sess.ID, digest, s.refreshTTL); err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenCreationFailed, err)
	}

	access, err := s.codec.IssueUserToken(user.ID, user.Role, sess.ID, s.accessTTL)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenCreationFailed, err)
	}

	_ = audit.LogEvent(ctx, "auth.login.succeeded", map[string]any{
		"user_id":    user.ID,
		"session_id": sess.ID,
	})

	return Grant{
		AccessToken:  access,
		RefreshToken: rawSecret,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		UserID:       user.ID,
		Role:         user.Role,
		SessionID:    sess.ID,
	}, nil
}

// Rotate spends the presented refresh token and issues a replacement pair.
// Presenting a spent or revoked token is a replay: the whole owning session
// is revoked, not just that token, because one leaked link poisons the chain.
func (s *Service) Rotate(ctx context.Context, rawSecret string) (Grant, error) {
	grant, err := s.rotate(ctx, rawSecret)
	obs.ObserveRotation(FailureKind(err))
	return grant, err
}

func (s *Service) rotate(ctx context.Context, rawSecret string) (Grant, error) {
	if strings.TrimSpace(rawSecret) == "" {
		return Grant{}, ErrInvalidRefreshToken
	}

	tok, err := s.store.FindRefreshToken(ctx, session.HashSecret(rawSecret))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Grant{}, ErrInvalidRefreshToken
		}
		return Grant{}, fmt.Errorf("find refresh token: %w", err)
	}

	now := s.now().UTC()
	switch tok.State(now) {
	case session.StateSpent, session.StateRevoked:
		return Grant{}, s.replayDetected(ctx, tok.SessionID, tok.ID)
	case session.StateExpired:
		// Normal decay, not compromise. The session is left alone.
		return Grant{}, ErrRefreshTokenExpired
	}

	sess, err := s.store.GetSession(ctx, tok.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Grant{}, ErrSessionNotFound
		}
		return Grant{}, fmt.Errorf("load session: %w", err)
	}
	if sess.RevokedAt != nil {
		return Grant{}, ErrSessionRevoked
	}
	if !now.Before(sess.ExpiresAt) {
		return Grant{}, ErrSessionExpired
	}

	// Reload the user before spending the token: rotation must mint claims
	// from the current role, and a vanished user must not cost the caller
	// their one use of the token.
	user, err := s.dir.LookupUserByID(ctx, sess.UserID)
	if err != nil {
		return Grant{}, ErrUserNotFound
	}

	if err := s.store.MarkRefreshTokenUsed(ctx, tok.ID, now); err != nil {
		if errors.Is(err, session.ErrTokenAlreadyUsed) {
			// A concurrent rotation spent it between our read and our write.
			// Same secret presented twice — same verdict as a replay.
			return Grant{}, s.replayDetected(ctx, tok.SessionID, tok.ID)
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenRotationFailed, err)
	}

	newSecret, newDigest, err := session.NewSecret()
	if err != nil {
		return Grant{}, s.rotationFailed(ctx, sess.ID, err)
	}
	if _, err := s.store.CreateRefreshToken(ctx, sess.ID, newDigest, s.refreshTTL); err != nil {
		return Grant{}, s.rotationFailed(ctx, sess.ID, err)
	}

	if err := s.store.TouchSession(ctx, sess.ID, now); err != nil {
		obs.Warn("touch session failed", map[string]any{"session_id": sess.ID, "error": err.Error()})
	}

	access, err := s.codec.IssueUserToken(user.ID, user.Role, sess.ID, s.accessTTL)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenCreationFailed, err)
	}

	_ = audit.LogEvent(ctx, "auth.refresh.rotated", map[string]any{
		"user_id":    user.ID,
		"session_id": sess.ID,
	})

	return Grant{
		AccessToken:  access,
		RefreshToken: newSecret,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		UserID:       user.ID,
		Role:         user.Role,
		SessionID:    sess.ID,
	}, nil
}

// replayDetected revokes the owning session and reports the reuse. This is
// the only failure that writes: the blast radius is the whole session, so a
// later, still-active token in the chain dies with it.
func (s *Service) replayDetected(ctx context.Context, sessionID, tokenID string) error {
	now := s.now().UTC()
	if err := s.store.RevokeSession(ctx, sessionID, now); err != nil {
		obs.Error("revoke session after replay failed", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	obs.Security("refresh token replay detected", map[string]any{
		"session_id": sessionID,
		"token_id":   tokenID,
	})
	obs.ObserveReplay()
	_ = audit.LogEvent(ctx, "auth.refresh.reuse_detected", map[string]any{
		"session_id": sessionID,
		"token_id":   tokenID,
	})
	return ErrSessionRevokedDueToReuse
}

// rotationFailed reports the fail-closed state after the old token was spent
// but no replacement exists. Deliberately no retry: an ambiguous chain is
// worse than forcing a fresh login.
func (s *Service) rotationFailed(ctx context.Context, sessionID string, cause error) error {
	obs.Error("refresh rotation failed after token spend; session has no active token", map[string]any{
		"session_id": sessionID,
		"error":      cause.Error(),
	})
	_ = audit.LogEvent(ctx, "auth.refresh.rotation_failed", map[string]any{
		"session_id": sessionID,
	})
	return fmt.Errorf("%w: %v", ErrTokenRotationFailed, cause)
}
