package oauth

import (
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"

	json "github.com/goccy/go-json"
)

// refreshHorizon is how long before expiry a token is considered in need of
// refresh.
const refreshHorizon = 5 * time.Minute

// Token is one issued credential set. Tokens are superseded, never mutated:
// each refresh produces a new value which is persisted immediately.
type Token struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	TokenType    string          `json:"token_type,omitempty"`
	ExpiresIn    int64           `json:"expires_in,omitempty"`
	Scope        string          `json:"scope,omitempty"`
	ExpiresAt    strfmt.DateTime `json:"expires_at,omitempty"`
}

// NeedsRefresh reports whether the token expires within the refresh
// horizon. Tokens without a recorded expiry never need refresh.
func (t *Token) NeedsRefresh() bool {
	expiresAt := time.Time(t.ExpiresAt)
	if expiresAt.IsZero() {
		return false
	}
	return !time.Now().Add(refreshHorizon).Before(expiresAt)
}

// Bearer renders the Authorization header value.
func (t *Token) Bearer() string {
	return "Bearer " + t.AccessToken
}

// decodeToken parses a token endpoint response body. The expiry instant is
// computed from expires_in at creation time. When the response omits
// refresh_token, prevRefreshToken is retained: providers do not rotate the
// refresh token on every refresh.
func decodeToken(body []byte, prevRefreshToken string) (*Token, error) {
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access_token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = prevRefreshToken
	}
	if tok.ExpiresIn > 0 {
		tok.ExpiresAt = strfmt.DateTime(time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second))
	}
	return &tok, nil
}

// loadToken parses a token persisted by dumpToken; expires_at is taken
// verbatim from storage.
func loadToken(raw string) (*Token, error) {
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("%w: corrupt token record: %v", ErrStorage, err)
	}
	return &tok, nil
}

func dumpToken(tok *Token) (string, error) {
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encoding token: %w", err)
	}
	return string(raw), nil
}
