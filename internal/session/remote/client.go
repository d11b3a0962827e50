// Package remote is the HTTP client for the session-store API. It lets the
// auth service run against a store owned by another deployment: every request
// carries a freshly minted short-lived service token, mirroring how the
// original backend reached its store tier.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medilink.org/internal/identity"
	"medilink.org/internal/session"
	"medilink.org/internal/token"
)

const (
	defaultTimeout  = 5 * time.Second
	serviceTokenTTL = 5 * time.Minute
)

// Store implements session.Store and identity.Directory against the internal
// store API.
type Store struct {
	baseURL    string
	client     *http.Client
	codec      *token.Codec
	serviceTTL time.Duration
}

var (
	_ session.Store      = (*Store)(nil)
	_ identity.Directory = (*Store)(nil)
)

// Option configures the remote store.
type Option func(*Store)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout bounds each store call.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithServiceTokenTTL sets the lifetime of the per-request service tokens.
func WithServiceTokenTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.serviceTTL = d
		}
	}
}

// New constructs a remote store talking to baseURL. The codec mints the
// service tokens the store API requires.
func New(baseURL string, codec *token.Codec, opts ...Option) (*Store, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	if codec == nil {
		return nil, errors.New("remote: token codec is required")
	}
	s := &Store{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: defaultTimeout},
		codec:      codec,
		serviceTTL: serviceTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Wire types mirror internal/httpapi's store contract.

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

type userPayload struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (p sessionPayload) toDomain() *session.Session {
	return &session.Session{
		ID:         p.ID,
		UserID:     p.UserID,
		CreatedAt:  p.CreatedAt,
		LastUsedAt: p.LastUsedAt,
		ExpiresAt:  p.ExpiresAt,
		RevokedAt:  p.RevokedAt,
		UserAgent:  p.UserAgent,
		ClientIP:   p.ClientIP,
	}
}

func (p refreshTokenPayload) toDomain() *session.RefreshToken {
	return &session.RefreshToken{
		ID:        p.ID,
		SessionID: p.SessionID,
		TokenHash: p.TokenHash,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
		UsedAt:    p.UsedAt,
		RevokedAt: p.RevokedAt,
	}
}

func (s *Store) CreateSession(ctx context.Context, userID string, meta session.ClientMeta, ttl time.Duration) (*session.Session, error) {
	meta = meta.Bounded()
	var out sessionPayload
	err := s.do(ctx, http.MethodPost, "/internal/v1/sessions", map[string]any{
		"user_id":     userID,
		"ttl_seconds": int64(ttl.Seconds()),
		"user_agent":  meta.UserAgent,
		"client_ip":   meta.ClientIP,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var out sessionPayload
	if err := s.do(ctx, http.MethodGet, "/internal/v1/sessions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) error {
	return s.do(ctx, http.MethodPost, "/internal/v1/sessions/"+id+"/revoke", stamp(at), nil)
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.do(ctx, http.MethodPost, "/internal/v1/sessions/"+id+"/touch", stamp(at), nil)
}

func (s *Store) CreateRefreshToken(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) (*session.RefreshToken, error) {
	var out refreshTokenPayload
	err := s.do(ctx, http.MethodPost, "/internal/v1/refresh-tokens", map[string]any{
		"session_id":  sessionID,
		"token_hash":  tokenHash,
		"ttl_seconds": int64(ttl.Seconds()),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*session.RefreshToken, error) {
	var out refreshTokenPayload
	err := s.do(ctx, http.MethodPost, "/internal/v1/refresh-tokens/find", map[string]any{
		"token_hash": tokenHash,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (s *Store) MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) error {
	return s.do(ctx, http.MethodPost, "/internal/v1/refresh-tokens/"+tokenID+"/use", stamp(at), nil)
}

func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error {
	return s.do(ctx, http.MethodPost, "/internal/v1/refresh-tokens/"+tokenID+"/revoke", stamp(at), nil)
}

func (s *Store) LookupUser(ctx context.Context, identifier string) (*identity.User, error) {
	var out userPayload
	err := s.do(ctx, http.MethodPost, "/internal/v1/users/lookup", map[string]any{
		"identifier": identifier,
	}, &out)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	return &identity.User{ID: out.ID, Role: out.Role, PasswordHash: out.PasswordHash}, nil
}

func (s *Store) LookupUserByID(ctx context.Context, id string) (*identity.User, error) {
	var out userPayload
	err := s.do(ctx, http.MethodPost, "/internal/v1/users/lookup", map[string]any{
		"user_id": id,
	}, &out)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	return &identity.User{ID: out.ID, Role: out.Role, PasswordHash: out.PasswordHash}, nil
}

// Ping satisfies the readiness probe contract by hitting the store's health
// endpoint without a token.
func (s *Store) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Join(session.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", session.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func stamp(at time.Time) map[string]any {
	return map[string]any{"at": at.UTC()}
}

// do executes one store call: mint a service token, send JSON, map the
// response status onto the store's error sentinels.
func (s *Store) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	svcToken, err := s.codec.IssueServiceToken(s.serviceTTL)
	if err != nil {
		return fmt.Errorf("mint service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+svcToken)

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are indistinguishable outages
		// from the caller's point of view.
		return errors.Join(session.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return session.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		var payload errorPayload
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "already_used" {
			return session.ErrTokenAlreadyUsed
		}
		return session.ErrRejected
	case resp.StatusCode == http.StatusBadRequest:
		var payload errorPayload
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return fmt.Errorf("%w: %s", session.ErrRejected, payload.Error)
	default:
		return fmt.Errorf("%w: store status %d", session.ErrUnavailable, resp.StatusCode)
	}
}
