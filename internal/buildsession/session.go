// Package buildsession implements the cooperative build-session identity
// check: every request header carries a build_id, and receivers reject
// requests whose build_id does not match their own session. This package
// elaborates "match a bare string" into a
// signed, tamper-evident token, so a peer cannot simply replay a borrowed
// build_id — it must also hold the signing key shared by the session's
// participants.
package buildsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMismatch is returned by Verify when the token's build session does not
// match the expected one, or the token fails signature/expiry validation.
// The call orchestrator classifies this as a non-retryable build-id-mismatch
// failure.
var ErrMismatch = errors.New("buildsession: build id mismatch")

// claims is the JWT payload. BuildID is the only claim the dispatcher checks;
// the standard registered claims give us issued-at/expiry for free.
type claims struct {
	BuildID string `json:"bid"`
	jwt.RegisteredClaims
}

// Signer issues build session tokens for a given build_id. One Signer is
// constructed per connection manager instance, when the manager is created.
type Signer struct {
	buildID string
	key     []byte
	ttl     time.Duration
}

// DefaultTokenTTL bounds how long a signed build_id token remains valid —
// long enough to outlive a distributed build, short enough that a leaked
// token does not grant indefinite access.
const DefaultTokenTTL = 24 * time.Hour

// NewSigner creates a Signer for buildID, signing tokens with key (the shared
// secret all participants of this build session hold).
func NewSigner(buildID string, key []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{buildID: buildID, key: key, ttl: ttl}
}

// Token returns a freshly signed token asserting this signer's build_id. The
// connection manager calls this for every outgoing request.
func (s *Signer) Token() (string, error) {
	now := time.Now()
	c := claims{
		BuildID: s.buildID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("buildsession: sign token: %w", err)
	}
	return signed, nil
}

// BuildID returns the session identifier this signer asserts.
func (s *Signer) BuildID() string { return s.buildID }

// Verifier checks incoming build_id tokens against the server's own build
// session.
type Verifier struct {
	buildID string
	key     []byte
}

// NewVerifier creates a Verifier bound to the server's current build session.
func NewVerifier(buildID string, key []byte) *Verifier {
	return &Verifier{buildID: buildID, key: key}
}

// Verify parses and validates tokenString, returning ErrMismatch if the
// signature is invalid, the token is expired, or the embedded build_id does
// not equal this verifier's build session.
func (v *Verifier) Verify(tokenString string) error {
	tok, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("buildsession: unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return ErrMismatch
	}
	if c.BuildID != v.buildID {
		return ErrMismatch
	}
	return nil
}

// BuildID returns the session identifier this verifier expects.
func (v *Verifier) BuildID() string { return v.buildID }
