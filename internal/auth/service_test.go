package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medilink.org/internal/identity"
	"medilink.org/internal/password"
	"medilink.org/internal/session"
	"medilink.org/internal/token"
)

// Cheap hashing for tests; production parameters would dominate the runtime.
var testHashParams = password.Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *Service
	store *session.InMemory
	dir   *identity.Static
	codec *token.Codec
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	store := session.NewInMemory(session.WithMemoryClock(clock.Now))

	hash, err := password.Hash("correct horse", testHashParams)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	dir := identity.NewStatic(map[string]identity.User{
		"alice@example.org": {ID: "user-alice", Role: "clinician", PasswordHash: hash},
	})

	codec, err := token.NewCodec("test-signing-secret", token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	svc, err := NewService(store, dir, codec, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, store: store, dir: dir, codec: codec, clock: clock}
}

func (f *fixture) login(t *testing.T) Grant {
	t.Helper()
	grant, err := f.svc.Authenticate(context.Background(), "alice@example.org", "correct horse", session.ClientMeta{UserAgent: "test"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return grant
}

func TestAuthenticateIssuesGrant(t *testing.T) {
	f := newFixture(t)
	grant := f.login(t)

	if grant.UserID != "user-alice" || grant.Role != "clinician" {
		t.Fatalf("unexpected grant identity: %+v", grant)
	}
	if grant.SessionID == "" || grant.RefreshToken == "" {
		t.Fatalf("grant missing session or refresh token: %+v", grant)
	}
	if grant.ExpiresIn != 900 {
		t.Fatalf("expires_in = %d, want 900", grant.ExpiresIn)
	}

	claims, err := f.codec.DecodeUserToken(grant.AccessToken)
	if err != nil {
		t.Fatalf("DecodeUserToken: %v", err)
	}
	if claims.Subject != grant.UserID || claims.Role != grant.Role || claims.SessionID != grant.SessionID {
		t.Fatalf("claims do not match grant: %+v vs %+v", claims, grant)
	}

	if n := f.store.ActiveTokenCount(grant.SessionID, f.clock.Now()); n != 1 {
		t.Fatalf("active token count = %d, want 1", n)
	}
}

// Unknown identifier, wrong secret, and missing fields must all surface the
// same error value so a caller cannot probe which accounts exist.
func TestAuthenticateUniformFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		identifier string
		secret     string
	}{
		{"unknown identifier", "nobody@example.org", "correct horse"},
		{"wrong secret", "alice@example.org", "wrong horse"},
		{"empty identifier", "", "correct horse"},
		{"empty secret", "alice@example.org", ""},
	}
	for _, tc := range cases {
		_, err := f.svc.Authenticate(ctx, tc.identifier, tc.secret, session.ClientMeta{})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: got %v, want ErrInvalidCredentials", tc.name, err)
		}
	}
}

func TestRotateIssuesNewGrant(t *testing.T) {
	f := newFixture(t)
	first := f.login(t)

	f.clock.Advance(time.Hour)
	next, err := f.svc.Rotate(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.RefreshToken == first.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}
	if next.SessionID != first.SessionID {
		t.Fatalf("rotation moved sessions: %s vs %s", next.SessionID, first.SessionID)
	}

	claims, err := f.codec.DecodeUserToken(next.AccessToken)
	if err != nil {
		t.Fatalf("DecodeUserToken: %v", err)
	}
	if claims.SessionID != first.SessionID || claims.Subject != "user-alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	// The chain invariant: spending the old token and minting the new one
	// leaves exactly one active token for the session.
	if n := f.store.ActiveTokenCount(first.SessionID, f.clock.Now()); n != 1 {
		t.Fatalf("active token count = %d, want 1", n)
	}

	sess, err := f.store.GetSession(context.Background(), first.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.LastUsedAt.Equal(f.clock.Now().UTC()) {
		t.Fatalf("last_used_at not advanced: %v", sess.LastUsedAt)
	}
}

// Rotation mints claims from the directory's current role, not the role at
// session creation.
func TestRotatePicksUpRoleChange(t *testing.T) {
	f := newFixture(t)
	first := f.login(t)

	f.dir.SetRole("user-alice", "auditor")
	next, err := f.svc.Rotate(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.Role != "auditor" {
		t.Fatalf("role = %q, want auditor", next.Role)
	}
	claims, err := f.codec.DecodeUserToken(next.AccessToken)
	if err != nil {
		t.Fatalf("DecodeUserToken: %v", err)
	}
	if claims.Role != "auditor" {
		t.Fatalf("claims role = %q, want auditor", claims.Role)
	}
}

func TestRotateChainInvariantOverManyRotations(t *testing.T) {
	f := newFixture(t)
	grant := f.login(t)

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Minute)
		next, err := f.svc.Rotate(context.Background(), grant.RefreshToken)
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		if n := f.store.ActiveTokenCount(grant.SessionID, f.clock.Now()); n != 1 {
			t.Fatalf("rotation %d: active token count = %d, want 1", i, n)
		}
		grant = next
	}
}

func TestRotateReplayRevokesSession(t *testing.T) {
	f := newFixture(t)
	first := f.login(t)

	next, err := f.svc.Rotate(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Presenting the spent token again is a replay.
	_, err = f.svc.Rotate(context.Background(), first.RefreshToken)
	if !errors.Is(err, ErrSessionRevokedDueToReuse) {
		t.Fatalf("replay: got %v, want ErrSessionRevokedDueToReuse", err)
	}

	sess, err := f.store.GetSession(context.Background(), first.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.RevokedAt == nil {
		t.Fatal("session not revoked after replay")
	}

	// The still-unused newer token dies with the session.
	_, err = f.svc.Rotate(context.Background(), next.RefreshToken)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("post-replay rotation: got %v, want ErrSessionRevoked", err)
	}
}

// An expired token that was never used is ordinary decay, not compromise.
// The session stays live and the replacement path is a fresh login.
func TestRotateExpiredTokenLeavesSessionAlone(t *testing.T) {
	f := newFixture(t, WithRefreshTTL(time.Hour))
	grant := f.login(t)

	f.clock.Advance(2 * time.Hour)
	_, err := f.svc.Rotate(context.Background(), grant.RefreshToken)
	if !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("got %v, want ErrRefreshTokenExpired", err)
	}

	sess, err := f.store.GetSession(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.RevokedAt != nil {
		t.Fatal("expired token must not revoke the session")
	}
}

func TestRotateUnknownToken(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	for _, raw := range []string{"", "   ", "not-a-known-secret"} {
		_, err := f.svc.Rotate(context.Background(), raw)
		if !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("raw %q: got %v, want ErrInvalidRefreshToken", raw, err)
		}
	}
}

func TestRotateSessionExpired(t *testing.T) {
	f := newFixture(t, WithSessionTTL(time.Hour), WithRefreshTTL(24*time.Hour))
	grant := f.login(t)

	f.clock.Advance(2 * time.Hour)
	_, err := f.svc.Rotate(context.Background(), grant.RefreshToken)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
}

// A user deleted from the directory fails rotation before the token is spent,
// so restoring the user restores the token.
func TestRotateUserRemovedDoesNotSpendToken(t *testing.T) {
	f := newFixture(t)
	grant := f.login(t)

	f.dir.Remove("user-alice")
	_, err := f.svc.Rotate(context.Background(), grant.RefreshToken)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}

	hash, err := password.Hash("correct horse", testHashParams)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	f.dir.Add("alice@example.org", identity.User{ID: "user-alice", Role: "clinician", PasswordHash: hash})

	if _, err := f.svc.Rotate(context.Background(), grant.RefreshToken); err != nil {
		t.Fatalf("rotation after restore: %v", err)
	}
}

// Concurrent rotations of the same secret must produce exactly one winner.
// Every loser is treated as a replay, so the session ends up revoked.
func TestRotateConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	grant := f.login(t)

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Rotate(context.Background(), grant.RefreshToken)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrSessionRevokedDueToReuse):
		case errors.Is(err, ErrSessionRevoked):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	sess, err := f.store.GetSession(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.RevokedAt == nil {
		t.Fatal("session not revoked after concurrent replay")
	}
}

// failingStore lets the first n CreateRefreshToken calls through and fails the
// rest, simulating a store outage mid-rotation.
type failingStore struct {
	session.Store
	mu      sync.Mutex
	allowed int
}

func (s *failingStore) CreateRefreshToken(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) (*session.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed <= 0 {
		return nil, session.ErrUnavailable
	}
	s.allowed--
	return s.Store.CreateRefreshToken(ctx, sessionID, tokenHash, ttl)
}

// If the replacement token cannot be persisted after the old one was spent,
// rotation fails closed: the old token stays spent and the session has no
// active token until the user logs in again.
func TestRotatePersistFailureFailsClosed(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	inner := session.NewInMemory(session.WithMemoryClock(clock.Now))
	store := &failingStore{Store: inner, allowed: 1} // login succeeds, rotation does not

	hash, err := password.Hash("correct horse", testHashParams)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	dir := identity.NewStatic(map[string]identity.User{
		"alice@example.org": {ID: "user-alice", Role: "clinician", PasswordHash: hash},
	})
	codec, err := token.NewCodec("test-signing-secret", token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := NewService(store, dir, codec, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	grant, err := svc.Authenticate(context.Background(), "alice@example.org", "correct horse", session.ClientMeta{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	_, err = svc.Rotate(context.Background(), grant.RefreshToken)
	if !errors.Is(err, ErrTokenRotationFailed) {
		t.Fatalf("got %v, want ErrTokenRotationFailed", err)
	}
	if n := inner.ActiveTokenCount(grant.SessionID, clock.Now()); n != 0 {
		t.Fatalf("active token count = %d, want 0 after failed rotation", n)
	}

	// The spent token must not be retryable; presenting it again is a replay.
	_, err = svc.Rotate(context.Background(), grant.RefreshToken)
	if !errors.Is(err, ErrSessionRevokedDueToReuse) {
		t.Fatalf("retry after failed rotation: got %v, want ErrSessionRevokedDueToReuse", err)
	}
}

// deadlineStore records, per method, whether the context it received carried
// a deadline.
type deadlineStore struct {
	session.Store
	mu    sync.Mutex
	calls map[string]bool
}

func (s *deadlineStore) record(ctx context.Context, method string) {
	_, ok := ctx.Deadline()
	s.mu.Lock()
	s.calls[method] = ok
	s.mu.Unlock()
}

func (s *deadlineStore) CreateSession(ctx context.Context, userID string, meta session.ClientMeta, ttl time.Duration) (*session.Session, error) {
	s.record(ctx, "CreateSession")
	return s.Store.CreateSession(ctx, userID, meta, ttl)
}

func (s *deadlineStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.record(ctx, "GetSession")
	return s.Store.GetSession(ctx, id)
}

func (s *deadlineStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	s.record(ctx, "RevokeSession")
	return s.Store.RevokeSession(ctx, id, at)
}

func (s *deadlineStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.record(ctx, "TouchSession")
	return s.Store.TouchSession(ctx, id, at)
}

func (s *deadlineStore) CreateRefreshToken(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) (*session.RefreshToken, error) {
	s.record(ctx, "CreateRefreshToken")
	return s.Store.CreateRefreshToken(ctx, sessionID, tokenHash, ttl)
}

func (s *deadlineStore) FindRefreshToken(ctx context.Context, tokenHash string) (*session.RefreshToken, error) {
	s.record(ctx, "FindRefreshToken")
	return s.Store.FindRefreshToken(ctx, tokenHash)
}

func (s *deadlineStore) MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) error {
	s.record(ctx, "MarkRefreshTokenUsed")
	return s.Store.MarkRefreshTokenUsed(ctx, tokenID, at)
}

type deadlineDirectory struct {
	identity.Directory
	rec *deadlineStore
}

func (d *deadlineDirectory) LookupUser(ctx context.Context, identifier string) (*identity.User, error) {
	d.rec.record(ctx, "LookupUser")
	return d.Directory.LookupUser(ctx, identifier)
}

func (d *deadlineDirectory) LookupUserByID(ctx context.Context, id string) (*identity.User, error) {
	d.rec.record(ctx, "LookupUserByID")
	return d.Directory.LookupUserByID(ctx, id)
}

// The HTTP layer hands the service request contexts without deadlines. Every
// store and directory call must still be bounded on its own, so a stalled
// backend fails closed instead of pinning the connection.
func TestStoreCallsCarryOwnDeadline(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	inner := session.NewInMemory(session.WithMemoryClock(clock.Now))
	rec := &deadlineStore{Store: inner, calls: make(map[string]bool)}

	hash, err := password.Hash("correct horse", testHashParams)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	static := identity.NewStatic(map[string]identity.User{
		"alice@example.org": {ID: "user-alice", Role: "clinician", PasswordHash: hash},
	})
	dir := &deadlineDirectory{Directory: static, rec: rec}
	codec, err := token.NewCodec("test-signing-secret", token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := NewService(rec, dir, codec, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	grant, err := svc.Authenticate(ctx, "alice@example.org", "correct horse", session.ClientMeta{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := svc.Rotate(ctx, grant.RefreshToken); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	// Replaying the spent token exercises the revocation path too.
	if _, err := svc.Rotate(ctx, grant.RefreshToken); !errors.Is(err, ErrSessionRevokedDueToReuse) {
		t.Fatalf("replay: got %v, want ErrSessionRevokedDueToReuse", err)
	}

	want := []string{
		"LookupUser", "LookupUserByID",
		"CreateSession", "GetSession", "RevokeSession", "TouchSession",
		"CreateRefreshToken", "FindRefreshToken", "MarkRefreshTokenUsed",
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, method := range want {
		bounded, seen := rec.calls[method]
		if !seen {
			t.Errorf("%s: never called", method)
			continue
		}
		if !bounded {
			t.Errorf("%s: called without a context deadline", method)
		}
	}
}
