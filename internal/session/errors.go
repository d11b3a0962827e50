package session

import "errors"

var (
	// ErrNotFound indicates the requested session or token row does not exist.
	ErrNotFound = errors.New("session store: not found")

	// ErrTokenAlreadyUsed is the losing side of the conditional mark-used
	// update: used_at was set before this caller's write landed.
	ErrTokenAlreadyUsed = errors.New("session store: refresh token already used")

	// ErrUnavailable covers network failures and timeouts talking to the
	// persistent store. Operations fail closed; callers must not retry here.
	ErrUnavailable = errors.New("session store: unavailable")

	// ErrRejected covers constraint violations reported by the store.
	ErrRejected = errors.New("session store: rejected")
)
