// Package password verifies user secrets against stored Argon2id hashes in
// the standard PHC string form ($argon2id$v=19$m=..,t=..,p=..$salt$hash).
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params configure Argon2id hashing for newly produced hashes. Verification
// always honors the parameters embedded in the stored hash.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams match the interactive-login cost the identity service uses.
var DefaultParams = Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

var errMalformedHash = errors.New("password: malformed argon2id hash")

// Hash produces an Argon2id PHC string for the given password. Used by seed
// tooling and tests; the auth service itself never writes credential hashes.
func Hash(password string, p Params) (string, error) {
	if password == "" {
		return "", errors.New("password: empty password")
	}
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify reports whether candidate matches the stored hash. It returns false
// for a mismatch, a malformed hash, or an empty candidate; it never panics and
// never reveals which of those happened. Comparison is constant-time.
func Verify(storedHash, candidate string) bool {
	if candidate == "" {
		return false
	}
	p, salt, key, err := decode(storedHash)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(candidate), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, computed) == 1
}

// NeedsRehash reports whether the stored hash was produced with weaker
// parameters than current. Callers may use this to upgrade hashes on login;
// the auth service only observes it today.
func NeedsRehash(storedHash string, current Params) bool {
	p, _, key, err := decode(storedHash)
	if err != nil {
		return false
	}
	return p.Memory < current.Memory ||
		p.Iterations < current.Iterations ||
		p.Parallelism < current.Parallelism ||
		uint32(len(key)) < current.KeyLength
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, errMalformedHash
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	if len(salt) == 0 || len(key) == 0 {
		return Params{}, nil, nil, errMalformedHash
	}
	return p, salt, key, nil
}
