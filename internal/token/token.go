// Package token encodes and decodes the two signed claim sets this service
// issues: user access tokens handed to clients and short-lived service tokens
// used only for backend calls to the session store. Both share one symmetric
// secret and audience; issuers differ so one class never validates as the other.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Audience shared by every token this service signs.
	Audience = "medilink"

	// UserIssuer marks client-facing access tokens.
	UserIssuer = "medilink-auth"

	// ServiceIssuer marks backend-to-store tokens. Never returned to a client.
	ServiceIssuer = "medilink-backend"

	// ServiceRole is the fixed role carried by service tokens.
	ServiceRole = "medilink_ops"
)

var (
	// ErrTokenExpired is returned when the token's expiry has passed.
	ErrTokenExpired = errors.New("token: expired")
	// ErrTokenInvalid is returned for signature or claim mismatches.
	ErrTokenInvalid = errors.New("token: invalid")
	// ErrTokenMalformed is returned when the encoding cannot be parsed.
	ErrTokenMalformed = errors.New("token: malformed")
)

// UserClaims is the typed claim set of a user access token.
type UserClaims struct {
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// ServiceClaims is the typed claim set of a backend service token.
type ServiceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a process-wide symmetric secret using
// HS256. It is a pure function of secret, claims, and clock; it is injected at
// startup rather than read from globals so tests can supply their own.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec. The secret must be non-empty.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: secret is required")
	}
	c := &Codec{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IssueUserToken signs an access token bound to the given user, role, and
// session. Expiry is stamped at now+ttl.
func (c *Codec) IssueUserToken(userID, role, sessionID string, ttl time.Duration) (string, error) {
	if userID == "" || role == "" || sessionID == "" {
		return "", errors.New("token: user id, role, and session id are required")
	}
	if ttl <= 0 {
		return "", errors.New("token: ttl must be greater than zero")
	}
	now := c.now().UTC()
	claims := UserClaims{
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    UserIssuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// IssueServiceToken signs a backend token carrying the fixed service role.
func (c *Codec) IssueServiceToken(ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token: ttl must be greater than zero")
	}
	now := c.now().UTC()
	claims := ServiceClaims{
		Role: ServiceRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ServiceIssuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// DecodeUserToken verifies signature, audience, issuer, and expiry of a user
// access token and returns its claims.
func (c *Codec) DecodeUserToken(raw string) (*UserClaims, error) {
	claims := &UserClaims{}
	if err := c.decode(raw, UserIssuer, claims); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Role == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// DecodeServiceToken verifies a backend service token.
func (c *Codec) DecodeServiceToken(raw string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	if err := c.decode(raw, ServiceIssuer, claims); err != nil {
		return nil, err
	}
	if claims.Role != ServiceRole {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (c *Codec) decode(raw, issuer string, claims jwt.Claims) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return c.secret, nil
	},
		jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }),
		jwt.WithAudience(Audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	switch {
	case err == nil && parsed.Valid:
		return nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}
