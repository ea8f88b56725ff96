// Package oauth manages the OAuth 2.0 credential lifecycle for providers
// that authenticate with bearer tokens instead of API keys: the
// authorization-code + PKCE acquisition flow, persistence through a
// secure-storage collaborator, and token refresh with exactly-once semantics
// under concurrent access.
//
// The Manager holds the only cross-task shared mutable state in the module:
// a per-provider token cache and the pending-refresh registry. Concurrent
// callers that find a token inside the refresh horizon share one in-flight
// refresh request and receive the same resulting token; a wasted duplicate
// refresh would burn a single-use refresh token and lock the user out.
//
// A failed refresh is never retried internally. HTTP 400/401 from the token
// endpoint is reported as ErrRefreshTokenExpired, telling the caller to
// re-run Authenticate; everything else keeps its own identity in the
// taxonomy so callers can retry transparently only on network failures.
package oauth
