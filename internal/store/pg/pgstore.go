// Package pg is the Postgres-backed session store and identity lookup. All
// queries are plain SQL over database/sql with the pgx stdlib driver; the
// single-use guarantee for refresh tokens comes from a conditional UPDATE, so
// the store needs no advisory locks and no serializable transactions.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"medilink.org/internal/identity"
	"medilink.org/internal/ids"
	"medilink.org/internal/session"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ session.Store      = (*Store)(nil)
	_ identity.Directory = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at stamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newStore(db, opts...), nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sql.DB, opts ...Option) *Store {
	return newStore(db, opts...)
}

func newStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateSession(ctx context.Context, userID string, meta session.ClientMeta, ttl time.Duration) (*session.Session, error) {
	if userID == "" || ttl <= 0 {
		return nil, session.ErrRejected
	}
	meta = meta.Bounded()
	now := s.now().UTC()
	sess := session.Session{
		ID:         ids.New(),
		UserID:     userID,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
		UserAgent:  meta.UserAgent,
		ClientIP:   meta.ClientIP,
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, created_at, last_used_at, expires_at, user_agent, client_ip)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.UserID, sess.CreatedAt, sess.LastUsedAt, sess.ExpiresAt, sess.UserAgent, sess.ClientIP)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return nil, session.ErrRejected
		}
		return nil, storeErr(err)
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess    session.Session
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, created_at, last_used_at, expires_at, revoked_at, user_agent, client_ip
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.LastUsedAt, &sess.ExpiresAt,
		&revoked, &sess.UserAgent, &sess.ClientIP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if revoked.Valid {
		t := revoked.Time.UTC()
		sess.RevokedAt = &t
	}
	return &sess, nil
}

// RevokeSession stamps revoked_at once; repeated calls keep the first
// timestamp so audit trails stay stable.
func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked_at = $2
		where id = $1 and revoked_at is null
	`, id, at.UTC())
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already revoked or missing. Distinguish for callers that care.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from sessions where id = $1)`, id).Scan(&exists); err != nil {
			return storeErr(err)
		}
		if !exists {
			return session.ErrNotFound
		}
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_used_at = $2 where id = $1
	`, id, at.UTC())
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) (*session.RefreshToken, error) {
	if sessionID == "" || tokenHash == "" || ttl <= 0 {
		return nil, session.ErrRejected
	}
	now := s.now().UTC()
	tok := session.RefreshToken{
		ID:        ids.New(),
		SessionID: sessionID,
		TokenHash: tokenHash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, session_id, token_hash, created_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.SessionID, tok.TokenHash, tok.CreatedAt, tok.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok &&
			(pgErr.Code == pgErrUniqueViolation || pgErr.Code == pgErrForeignKeyViolation) {
			return nil, session.ErrRejected
		}
		return nil, storeErr(err)
	}
	return &tok, nil
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*session.RefreshToken, error) {
	var (
		tok     session.RefreshToken
		used    sql.NullTime
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, session_id, token_hash, created_at, expires_at, used_at, revoked_at
		from refresh_tokens where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.SessionID, &tok.TokenHash, &tok.CreatedAt, &tok.ExpiresAt, &used, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if used.Valid {
		t := used.Time.UTC()
		tok.UsedAt = &t
	}
	if revoked.Valid {
		t := revoked.Time.UTC()
		tok.RevokedAt = &t
	}
	return &tok, nil
}

// MarkRefreshTokenUsed is the write the replay defense rests on. The
// used_at guard makes concurrent spends of one token commute to exactly one
// winner; the loser's zero-row update is reported as ErrTokenAlreadyUsed.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set used_at = $2
		where id = $1 and used_at is null
	`, tokenID, at.UTC())
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from refresh_tokens where id = $1)`, tokenID).Scan(&exists); err != nil {
			return storeErr(err)
		}
		if !exists {
			return session.ErrNotFound
		}
		return session.ErrTokenAlreadyUsed
	}
	return nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where id = $1 and revoked_at is null
	`, tokenID, at.UTC())
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from refresh_tokens where id = $1)`, tokenID).Scan(&exists); err != nil {
			return storeErr(err)
		}
		if !exists {
			return session.ErrNotFound
		}
	}
	return nil
}

// LookupUser resolves a login identifier against username, email, or phone,
// case-insensitively. The auth service does not know which column matched.
func (s *Store) LookupUser(ctx context.Context, identifier string) (*identity.User, error) {
	var u identity.User
	err := s.db.QueryRowContext(ctx, `
		select id, role, password_hash
		from users
		where lower(username) = lower($1)
		   or lower(email) = lower($1)
		   or phone = $1
		limit 1
	`, identifier).Scan(&u.ID, &u.Role, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &u, nil
}

func (s *Store) LookupUserByID(ctx context.Context, id string) (*identity.User, error) {
	var u identity.User
	err := s.db.QueryRowContext(ctx, `
		select id, role, password_hash from users where id = $1
	`, id).Scan(&u.ID, &u.Role, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &u, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// storeErr tags infrastructure failures so callers can report 503 instead of
// leaking driver errors into the auth taxonomy.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(session.ErrUnavailable, err)
}
