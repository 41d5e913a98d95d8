// Package auth verifies bearer tokens and exposes the caller's identity
// and capability set. Verification is asymmetric only: the service never
// holds signing keys, just the public half obtained through a KeySource.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medialens/inference/internal/domain"
)

// Verifier turns a bearer credential into a domain.Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// allowedAlgs restricts verification to asymmetric signatures. Anything
// else, HS256 in particular, is rejected outright.
var allowedAlgs = []string{"RS256", "RS384", "RS512", "EdDSA"}

type claims struct {
	Capabilities []string `json:"caps"`
	Admin        bool     `json:"admin"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies JWTs against the key source's public key.
type JWTVerifier struct {
	keys KeySource
}

// NewJWTVerifier constructs a verifier over the given key source.
func NewJWTVerifier(keys KeySource) *JWTVerifier {
	return &JWTVerifier{keys: keys}
}

// Verify parses and validates the token. Expiry is enforced; a token
// without a subject is rejected.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	key, err := v.keys.PublicKey(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	var c claims
	_, err = jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods(allowedAlgs),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=auth.verify: %v: %w", err, domain.ErrAuthFailed)
	}
	if c.Subject == "" {
		return domain.Identity{}, fmt.Errorf("op=auth.verify: missing subject: %w", domain.ErrAuthFailed)
	}
	return domain.Identity{
		Subject:      c.Subject,
		Capabilities: c.Capabilities,
		Admin:        c.Admin,
	}, nil
}

// DisabledVerifier accepts anything and returns a synthetic admin
// identity. Development only; construction logs loudly so it cannot slip
// into production unnoticed.
type DisabledVerifier struct{}

// NewDisabledVerifier constructs the dev-only bypass verifier.
func NewDisabledVerifier() *DisabledVerifier {
	slog.Warn("authentication is DISABLED; every request runs as a synthetic admin identity")
	return &DisabledVerifier{}
}

// Verify returns the synthetic identity regardless of input.
func (*DisabledVerifier) Verify(context.Context, string) (domain.Identity, error) {
	return domain.Identity{
		Subject:      "dev",
		Capabilities: []string{domain.CapabilityInference},
		Admin:        true,
	}, nil
}
