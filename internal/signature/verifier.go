// Package signature authenticates capture submissions. Each request carries
// an HMAC-SHA256 signature over the raw body and the Date header, computed
// with a per-organization shared secret. Verification also bounds the replay
// window by rejecting requests whose Date header drifts beyond a configured
// clock-skew allowance.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Verification errors. Handlers translate these into HTTP statuses; none of
// them carry request data, so they are safe to surface to clients.
var (
	// ErrBadDate indicates a missing or unparsable Date header.
	ErrBadDate = errors.New("missing or malformed Date header")

	// ErrClockSkew indicates the Date header falls outside the allowed
	// clock-skew window.
	ErrClockSkew = errors.New("request date outside allowed clock skew")

	// ErrUnknownOrg indicates no secret is provisioned for the organization.
	ErrUnknownOrg = errors.New("unknown organization")

	// ErrBadSignature indicates the signature does not match the body.
	ErrBadSignature = errors.New("signature mismatch")
)

// SecretResolver looks up the shared HMAC secret for an organization.
// found is false when the organization has no provisioned secret; err is
// reserved for lookup failures (backend outage), which must not be conflated
// with an unknown organization.
type SecretResolver interface {
	Resolve(ctx context.Context, orgID string) (secret []byte, found bool, err error)
}

// SecretResolverFunc adapts a function to the SecretResolver interface.
type SecretResolverFunc func(ctx context.Context, orgID string) ([]byte, bool, error)

// Resolve implements SecretResolver.
func (f SecretResolverFunc) Resolve(ctx context.Context, orgID string) ([]byte, bool, error) {
	return f(ctx, orgID)
}

// Verifier checks request signatures and date freshness. It is stateless and
// safe for concurrent use.
type Verifier struct {
	secrets SecretResolver
	skew    time.Duration

	// now is a test seam for skew decisions.
	now func() time.Time
}

// NewVerifier constructs a Verifier with the given secret source and
// clock-skew window. A skew <= 0 defaults to 5 minutes.
func NewVerifier(secrets SecretResolver, skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Verifier{secrets: secrets, skew: skew, now: time.Now}
}

// Verify checks the signature and date of one request. It has no side
// effects. The comparison against the presented signature is constant-time.
//
// Error mapping:
//   - ErrBadDate:      Date missing or unparsable
//   - ErrClockSkew:    |now - Date| exceeds the window (boundary is accepted)
//   - ErrUnknownOrg:   no secret provisioned for orgID
//   - ErrBadSignature: digest mismatch or undecodable signature header
//
// Any other error is a secret-lookup failure and should be treated as an
// internal fault, not an authentication verdict.
func (v *Verifier) Verify(ctx context.Context, body []byte, sigHeader, dateHeader, orgID string) error {
	if dateHeader == "" {
		return ErrBadDate
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return ErrBadDate
	}

	if skew := v.now().Sub(sent).Abs(); skew > v.skew {
		return ErrClockSkew
	}

	secret, found, err := v.secrets.Resolve(ctx, orgID)
	if err != nil {
		return fmt.Errorf("resolve secret for %q: %w", orgID, err)
	}
	if !found {
		return ErrUnknownOrg
	}

	want := digest(secret, dateHeader, body)
	got, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the hex-encoded signature a client must send for the given
// body and Date header value. Exported for client SDKs and tests.
func Sign(secret []byte, dateHeader string, body []byte) string {
	return hex.EncodeToString(digest(secret, dateHeader, body))
}

// digest computes HMAC-SHA256 over the canonical string "date\nbody".
func digest(secret []byte, dateHeader string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(dateHeader))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return mac.Sum(nil)
}
