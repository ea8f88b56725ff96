package oauth

import (
	"fmt"
	"net/url"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Config is the immutable per-provider OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	// CallbackScheme is the custom URL scheme the user agent redirects back
	// on, e.g. "myapp" for myapp://callback.
	CallbackScheme string
	// RedirectURI overrides the default {CallbackScheme}://callback.
	RedirectURI  string
	ResponseType string
	UsePKCE      bool
	// AdditionalParams are provider-specific query parameters appended, in
	// order, after the standard ones.
	AdditionalParams *orderedmap.OrderedMap[string, string]
}

// EffectiveRedirectURI is RedirectURI or the callback-scheme default.
func (c Config) EffectiveRedirectURI() string {
	if c.RedirectURI != "" {
		return c.RedirectURI
	}
	return c.CallbackScheme + "://callback"
}

func (c Config) responseType() string {
	if c.ResponseType != "" {
		return c.ResponseType
	}
	return "code"
}

// authorizeURL builds the browser-facing authorization URL. Parameter order
// is fixed: client_id, redirect_uri, response_type, state, then PKCE when
// enabled, then scope when present, then additional parameters last.
func (c Config) authorizeURL(state string, pkce *PKCE) (string, error) {
	base, err := url.Parse(c.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parsing auth URL: %w", err)
	}

	var query strings.Builder
	appendParam := func(key, value string) {
		if query.Len() > 0 {
			query.WriteByte('&')
		}
		query.WriteString(url.QueryEscape(key))
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(value))
	}

	appendParam("client_id", c.ClientID)
	appendParam("redirect_uri", c.EffectiveRedirectURI())
	appendParam("response_type", c.responseType())
	appendParam("state", state)
	if c.UsePKCE && pkce != nil {
		appendParam("code_challenge", pkce.Challenge)
		appendParam("code_challenge_method", string(pkce.Method))
	}
	if len(c.Scopes) > 0 {
		appendParam("scope", strings.Join(c.Scopes, " "))
	}
	if c.AdditionalParams != nil {
		for pair := c.AdditionalParams.Oldest(); pair != nil; pair = pair.Next() {
			appendParam(pair.Key, pair.Value)
		}
	}

	base.RawQuery = query.String()
	return base.String(), nil
}
