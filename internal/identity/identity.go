// Package identity is the read-only view of user records this subsystem
// needs: id, role, and credential hash. The identity store itself
// (registration, profile data) is owned elsewhere.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound indicates no user matches the identifier or id. At login the
// auth service collapses it into the same client-visible failure as a
// password mismatch.
var ErrNotFound = errors.New("identity: user not found")

// User is the minimal record required for credential verification and claim
// minting. Immutable from this subsystem's perspective.
type User struct {
	ID           string
	Role         string
	PasswordHash string
}

// Directory resolves user records. LookupUser matches a login identifier
// (username, email, or phone number — the caller does not know or care
// which); LookupUserByID reloads a user for fresh claims during rotation,
// since the role may have changed after the session was created.
type Directory interface {
	LookupUser(ctx context.Context, identifier string) (*User, error)
	LookupUserByID(ctx context.Context, id string) (*User, error)
}

// Static is a fixed in-memory Directory for tests and dev mode. Identifier
// matching is case-insensitive, like the SQL lookup.
type Static struct {
	mu    sync.RWMutex
	users map[string]User // identifier -> user
	byID  map[string]User
}

// NewStatic builds a Static directory from identifier->user pairs.
func NewStatic(users map[string]User) *Static {
	d := &Static{
		users: make(map[string]User, len(users)),
		byID:  make(map[string]User, len(users)),
	}
	for k, v := range users {
		d.users[normalize(k)] = v
		d.byID[v.ID] = v
	}
	return d
}

// Add registers an identifier for a user. Later additions win.
func (d *Static) Add(identifier string, u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[normalize(identifier)] = u
	d.byID[u.ID] = u
}

// SetRole changes a user's role in place, mimicking an out-of-band role
// change between session creation and rotation.
func (d *Static) SetRole(id, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, u := range d.users {
		if u.ID == id {
			u.Role = role
			d.users[k] = u
		}
	}
	if u, ok := d.byID[id]; ok {
		u.Role = role
		d.byID[id] = u
	}
}

// Remove drops a user entirely.
func (d *Static) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, u := range d.users {
		if u.ID == id {
			delete(d.users, k)
		}
	}
	delete(d.byID, id)
}

func (d *Static) LookupUser(ctx context.Context, identifier string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[normalize(identifier)]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

func (d *Static) LookupUserByID(ctx context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

var _ Directory = (*Static)(nil)

// WithCallTimeout wraps a Directory so every lookup carries its own deadline,
// matching the bound on session store calls. A directory backed by the same
// database must not block past it either.
func WithCallTimeout(d Directory, timeout time.Duration) Directory {
	if timeout <= 0 {
		return d
	}
	return &deadlineDirectory{next: d, timeout: timeout}
}

type deadlineDirectory struct {
	next    Directory
	timeout time.Duration
}

func (d *deadlineDirectory) LookupUser(ctx context.Context, identifier string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.next.LookupUser(ctx, identifier)
}

func (d *deadlineDirectory) LookupUserByID(ctx context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.next.LookupUserByID(ctx, id)
}
