package oauth

import "context"

// Flow drives the external user-agent interaction of the authorization
// flow: it presents authURL to the user and resolves with the callback URL
// the provider redirected to on the given scheme. Implementations live
// outside this package (system browser, embedded webview, test doubles).
//
// A ctx cancellation or a context.Canceled return is reported to callers as
// ErrCancelled, distinct from credential and network failures.
type Flow interface {
	Authorize(ctx context.Context, authURL, callbackScheme string) (string, error)
}

// FlowFunc adapts a function to the Flow interface.
type FlowFunc func(ctx context.Context, authURL, callbackScheme string) (string, error)

func (f FlowFunc) Authorize(ctx context.Context, authURL, callbackScheme string) (string, error) {
	return f(ctx, authURL, callbackScheme)
}
