package oauth

import (
	"errors"
	"fmt"
)

// The OAuth error taxonomy is flat and closed. Callers branch with errors.Is
// to distinguish "user cancelled" from "credentials invalid" from "network
// unavailable".
var (
	// ErrInvalidState means the callback's state parameter did not match the
	// one generated for the authorization attempt.
	ErrInvalidState = errors.New("oauth: state parameter mismatch")

	// ErrInvalidCallback means the callback URL could not be parsed or
	// carried no authorization code.
	ErrInvalidCallback = errors.New("oauth: invalid callback URL")

	// ErrTokenRefreshFailed is a refresh failure that is not a credential
	// problem; the caller may retry or re-authorize.
	ErrTokenRefreshFailed = errors.New("oauth: token refresh failed")

	// ErrRefreshTokenExpired means the authorization server rejected the
	// refresh token; the full authorization flow must be re-run.
	ErrRefreshTokenExpired = errors.New("oauth: refresh token expired")

	// ErrNetwork wraps transport-level failures reaching the authorization
	// server.
	ErrNetwork = errors.New("oauth: network error")

	// ErrCancelled means the user or caller aborted the flow.
	ErrCancelled = errors.New("oauth: cancelled")

	// ErrNoTokens means no token is stored for the provider.
	ErrNoTokens = errors.New("oauth: no tokens found")

	// ErrPKCEGeneration wraps entropy failures while generating PKCE
	// parameters.
	ErrPKCEGeneration = errors.New("oauth: pkce generation failed")

	// ErrStorage wraps secure-storage failures, kept distinct from the
	// OAuth and provider taxonomies.
	ErrStorage = errors.New("oauth: secure storage error")
)

// ServerError is a non-success response from the authorization or token
// endpoint.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("oauth: server error (status %d)", e.StatusCode)
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("oauth: server error: %s", e.Message)
	}
	return fmt.Sprintf("oauth: server error (status %d): %s", e.StatusCode, e.Message)
}
