package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethod is the PKCE code challenge transformation.
type ChallengeMethod string

const (
	MethodS256  ChallengeMethod = "S256"
	MethodPlain ChallengeMethod = "plain"
)

// PKCE holds one authorization attempt's proof-key parameters. The verifier
// is transmitted only in the final token-exchange request body.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    ChallengeMethod
}

// NewPKCE generates fresh parameters. The verifier is 43 base64url
// characters (32 bytes of entropy), all from the RFC 3986 unreserved set.
func NewPKCE(method ChallengeMethod) (PKCE, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return PKCE{}, fmt.Errorf("%w: %v", ErrPKCEGeneration, err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)

	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return PKCE{
			Verifier:  verifier,
			Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
			Method:    MethodS256,
		}, nil
	case MethodPlain:
		return PKCE{Verifier: verifier, Challenge: verifier, Method: MethodPlain}, nil
	default:
		return PKCE{}, fmt.Errorf("%w: unknown challenge method %q", ErrPKCEGeneration, method)
	}
}

// newState generates the anti-CSRF state value for one authorization
// attempt.
func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
