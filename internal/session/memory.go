package session

import (
	"context"
	"sync"
	"time"

	"medilink.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs unit
// tests and single-node development; production uses the Postgres store or the
// remote store client. The mutex gives the same single-winner semantics for
// MarkRefreshTokenUsed that the SQL conditional update provides.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tokens   map[string]*RefreshToken // by token id
	byHash   map[string]string        // token hash -> token id
	now      func() time.Time
}

// MemoryOption configures InMemory.
type MemoryOption func(*InMemory)

// WithMemoryClock overrides the time source used for created_at stamps.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty store.
func NewInMemory(opts ...MemoryOption) *InMemory {
	s := &InMemory{
		sessions: make(map[string]*Session),
		tokens:   make(map[string]*RefreshToken),
		byHash:   make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) CreateSession(ctx context.Context, userID string, meta ClientMeta, ttl time.Duration) (*Session, error) {
	if userID == "" || ttl <= 0 {
		return nil, ErrRejected
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	meta = meta.Bounded()
	sess := &Session{
		ID:         ids.New(),
		UserID:     userID,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
		UserAgent:  meta.UserAgent,
		ClientIP:   meta.ClientIP,
	}
	s.sessions[sess.ID] = sess
	out := *sess
	return &out, nil
}

func (s *InMemory) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	return &out, nil
}

func (s *InMemory) RevokeSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.RevokedAt == nil {
		at := at.UTC()
		sess.RevokedAt = &at
	}
	return nil
}

func (s *InMemory) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastUsedAt = at.UTC()
	return nil
}

func (s *InMemory) CreateRefreshToken(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) (*RefreshToken, error) {
	if sessionID == "" || tokenHash == "" || ttl <= 0 {
		return nil, ErrRejected
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrRejected
	}
	if _, dup := s.byHash[tokenHash]; dup {
		return nil, ErrRejected
	}

	now := s.now().UTC()
	tok := &RefreshToken{
		ID:        ids.New(),
		SessionID: sessionID,
		TokenHash: tokenHash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.tokens[tok.ID] = tok
	s.byHash[tokenHash] = tok.ID
	out := *tok
	return &out, nil
}

func (s *InMemory) FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s.tokens[id]
	return &out, nil
}

func (s *InMemory) MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	if tok.UsedAt != nil {
		return ErrTokenAlreadyUsed
	}
	at = at.UTC()
	tok.UsedAt = &at
	return nil
}

func (s *InMemory) RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	if tok.RevokedAt == nil {
		at := at.UTC()
		tok.RevokedAt = &at
	}
	return nil
}

// ActiveTokenCount returns how many tokens of the session are active at the
// given instant. Test helper for the chain invariant; not part of Store.
func (s *InMemory) ActiveTokenCount(sessionID string, now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tok := range s.tokens {
		if tok.SessionID == sessionID && tok.State(now) == StateActive {
			n++
		}
	}
	return n
}

var _ Store = (*InMemory)(nil)
