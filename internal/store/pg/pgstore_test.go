package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"medilink.org/internal/identity"
	"medilink.org/internal/session"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	return New(db, WithClock(func() time.Time { return now })), mock
}

func TestCreateSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into sessions").
		WithArgs(sqlmock.AnyArg(), "user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "cli", "203.0.113.9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := store.CreateSession(context.Background(), "user-1",
		session.ClientMeta{UserAgent: "cli", ClientIP: "203.0.113.9"}, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.UserID != "user-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(sess.CreatedAt.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expires_at not created_at+ttl: %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSessionUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into sessions").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	_, err := store.CreateSession(context.Background(), "ghost", session.ClientMeta{}, time.Hour)
	if !errors.Is(err, session.ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
}

func TestGetSession(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "user_id", "created_at", "last_used_at", "expires_at", "revoked_at", "user_agent", "client_ip"}).
		AddRow("sess-1", "user-1", now, now, now.Add(time.Hour), nil, "cli", "203.0.113.9")
	mock.ExpectQuery("select id, user_id, created_at, last_used_at, expires_at, revoked_at, user_agent, client_ip.*from sessions").
		WithArgs("sess-1").WillReturnRows(rows)

	sess, err := store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.UserID != "user-1" || sess.RevokedAt != nil {
		t.Fatalf("unexpected session: %+v", sess)
	}

	mock.ExpectQuery("select id, user_id").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRevokeSessionIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec("update sessions set revoked_at").
		WithArgs("sess-1", at.UTC()).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.RevokeSession(context.Background(), "sess-1", at); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	// Second revoke updates zero rows; the existence probe confirms the
	// session is there and the call succeeds without touching the timestamp.
	mock.ExpectExec("update sessions set revoked_at").
		WithArgs("sess-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	if err := store.RevokeSession(context.Background(), "sess-1", at.Add(time.Hour)); err != nil {
		t.Fatalf("second RevokeSession: %v", err)
	}

	mock.ExpectExec("update sessions set revoked_at").
		WithArgs("missing", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if err := store.RevokeSession(context.Background(), "missing", at); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRefreshTokenDuplicateHash(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into refresh_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateRefreshToken(context.Background(), "sess-1", "digest", time.Hour)
	if !errors.Is(err, session.ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
}

func TestFindRefreshToken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	used := now.Add(-time.Minute)

	rows := sqlmock.NewRows([]string{"id", "session_id", "token_hash", "created_at", "expires_at", "used_at", "revoked_at"}).
		AddRow("tok-1", "sess-1", "digest", now.Add(-time.Hour), now.Add(time.Hour), used, nil)
	mock.ExpectQuery("select id, session_id, token_hash.*from refresh_tokens").
		WithArgs("digest").WillReturnRows(rows)

	tok, err := store.FindRefreshToken(context.Background(), "digest")
	if err != nil {
		t.Fatalf("FindRefreshToken: %v", err)
	}
	if tok.State(now) != session.StateSpent {
		t.Fatalf("state = %v, want spent", tok.State(now))
	}
}

// The conditional update is the whole single-use mechanism; a zero-row result
// for an existing token must surface as ErrTokenAlreadyUsed.
func TestMarkRefreshTokenUsed(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec("update refresh_tokens set used_at").
		WithArgs("tok-1", at.UTC()).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkRefreshTokenUsed(context.Background(), "tok-1", at); err != nil {
		t.Fatalf("MarkRefreshTokenUsed: %v", err)
	}

	mock.ExpectExec("update refresh_tokens set used_at").
		WithArgs("tok-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	if err := store.MarkRefreshTokenUsed(context.Background(), "tok-1", at); !errors.Is(err, session.ErrTokenAlreadyUsed) {
		t.Fatalf("got %v, want ErrTokenAlreadyUsed", err)
	}

	mock.ExpectExec("update refresh_tokens set used_at").
		WithArgs("missing", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if err := store.MarkRefreshTokenUsed(context.Background(), "missing", at); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLookupUser(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "role", "password_hash"}).
		AddRow("user-1", "clinician", "$argon2id$...")
	mock.ExpectQuery("select id, role, password_hash.*from users").
		WithArgs("alice@example.org").WillReturnRows(rows)

	u, err := store.LookupUser(context.Background(), "alice@example.org")
	if err != nil {
		t.Fatalf("LookupUser: %v", err)
	}
	if u.ID != "user-1" || u.Role != "clinician" {
		t.Fatalf("unexpected user: %+v", u)
	}

	mock.ExpectQuery("select id, role, password_hash.*from users").
		WithArgs("nobody").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := store.LookupUser(context.Background(), "nobody"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStoreErrTagsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, session_id").WithArgs("digest").
		WillReturnError(errors.New("connection refused"))

	_, err := store.FindRefreshToken(context.Background(), "digest")
	if !errors.Is(err, session.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}
