package session

import (
	"context"
	"time"
)

// WithCallTimeout wraps a Store so every call carries its own deadline. The
// HTTP layer hands request contexts down without one, so without this bound a
// stalled backend would block the caller for as long as the connection lives;
// with it the call fails closed as ErrUnavailable.
func WithCallTimeout(s Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return s
	}
	return &deadlineStore{next: s, timeout: timeout}
}

type deadlineStore struct {
	next    Store
	timeout time.Duration
}

func (d *deadlineStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func (d *deadlineStore) CreateSession(ctx context.Context, userID string, meta ClientMeta, ttl time.Duration) (*Session, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.CreateSession(ctx, userID, meta, ttl)
}

func (d *deadlineStore) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.GetSession(ctx, id)
}

func (d *deadlineStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.RevokeSession(ctx, id, at)
}

func (d *deadlineStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.TouchSession(ctx, id, at)
}

func (d *deadlineStore) CreateRefreshToken(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) (*RefreshToken, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.CreateRefreshToken(ctx, sessionID, tokenHash, ttl)
}

func (d *deadlineStore) FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.FindRefreshToken(ctx, tokenHash)
}

func (d *deadlineStore) MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.MarkRefreshTokenUsed(ctx, tokenID, at)
}

func (d *deadlineStore) RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.next.RevokeRefreshToken(ctx, tokenID, at)
}
