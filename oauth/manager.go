package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/casualjim/converse/internal/registry"
	"github.com/casualjim/converse/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const storageKeyPrefix = "oauth.token."

// Manager owns the OAuth credential lifecycle for any number of providers:
// authorization-code + PKCE acquisition, persistence through the
// secure-storage collaborator, and refresh with exactly-once semantics under
// concurrent access. It is the only component in the module with cross-task
// shared mutable state; construct one and inject it, there is no process
// singleton.
type Manager struct {
	store Store
	flow  Flow
	hc    *http.Client
	cache registry.Registry[*Token]
	group singleflight.Group
	log   *slog.Logger
}

var (
	// WithFlow installs the user-agent collaborator used by Authenticate.
	WithFlow = opts.ForName[Manager, Flow]("flow")

	// WithHTTPClient substitutes the client used for token endpoint calls.
	WithHTTPClient = opts.ForName[Manager, *http.Client]("hc")
)

// NewManager builds a manager over the given secure store.
func NewManager(store Store, options ...opts.Option[Manager]) (*Manager, error) {
	if store == nil {
		return nil, errors.New("oauth: store is required")
	}
	m := &Manager{
		store: store,
		hc:    &http.Client{Timeout: 30 * time.Second},
		cache: registry.New[*Token](),
		log:   slog.Default().With(slogx.LoggerName("oauth")),
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	return m, nil
}

// Authenticate runs the full authorization-code flow for the provider and
// persists the resulting token.
func (m *Manager) Authenticate(ctx context.Context, providerID string, cfg Config) (*Token, error) {
	if m.flow == nil {
		return nil, errors.New("oauth: no user-agent flow configured")
	}

	var pkce *PKCE
	if cfg.UsePKCE {
		p, err := NewPKCE(MethodS256)
		if err != nil {
			return nil, err
		}
		pkce = &p
	}

	state, err := newState()
	if err != nil {
		return nil, err
	}

	authURL, err := cfg.authorizeURL(state, pkce)
	if err != nil {
		return nil, err
	}

	m.log.Debug("starting authorization flow", slog.String("provider", providerID))
	callback, err := m.flow.Authorize(ctx, authURL, cfg.CallbackScheme)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("authorization flow: %w", err)
	}

	code, err := parseCallback(callback, state)
	if err != nil {
		return nil, err
	}

	tok, err := m.exchange(ctx, cfg, code, pkce)
	if err != nil {
		return nil, err
	}
	if err := m.persist(providerID, tok); err != nil {
		return nil, err
	}
	m.log.Info("authorization complete", slog.String("provider", providerID))
	return tok, nil
}

// ValidToken returns a token fit for immediate use, refreshing it first when
// it is inside the refresh horizon. Concurrent callers for the same
// provider share a single refresh request and receive the same token.
func (m *Manager) ValidToken(ctx context.Context, providerID string, cfg Config) (*Token, error) {
	tok, err := m.current(providerID)
	if err != nil {
		return nil, err
	}
	if !tok.NeedsRefresh() {
		return tok, nil
	}
	return m.refreshShared(ctx, providerID, cfg, false)
}

// RefreshToken forces a refresh, still deduplicated across concurrent
// callers.
func (m *Manager) RefreshToken(ctx context.Context, providerID string, cfg Config) (*Token, error) {
	if _, err := m.current(providerID); err != nil {
		return nil, err
	}
	return m.refreshShared(ctx, providerID, cfg, true)
}

// HasTokens reports whether a token is stored for the provider.
func (m *Manager) HasTokens(providerID string) bool {
	if _, ok := m.cache.Get(providerID); ok {
		return true
	}
	ok, err := m.store.Exists(storageKeyPrefix + providerID)
	return err == nil && ok
}

// ClearTokens drops the cached and persisted token for the provider.
func (m *Manager) ClearTokens(providerID string) error {
	m.cache.Del(providerID)
	return m.store.Delete(storageKeyPrefix + providerID)
}

// current loads the provider's token from cache or storage.
func (m *Manager) current(providerID string) (*Token, error) {
	if tok, ok := m.cache.Get(providerID); ok {
		return tok, nil
	}
	raw, err := m.store.Read(storageKeyPrefix + providerID)
	if err != nil {
		if errors.Is(err, ErrNoTokens) {
			return nil, ErrNoTokens
		}
		return nil, err
	}
	tok, err := loadToken(raw)
	if err != nil {
		return nil, err
	}
	m.cache.Add(providerID, tok)
	return tok, nil
}

// refreshShared funnels concurrent refreshes for one provider through a
// single in-flight operation. The group entry is the pending-operation
// registry: the first caller starts the refresh, later arrivals await the
// same result.
func (m *Manager) refreshShared(ctx context.Context, providerID string, cfg Config, force bool) (*Token, error) {
	v, err, _ := m.group.Do(providerID, func() (any, error) {
		// A flight that just finished may have left a fresh token behind.
		if tok, ok := m.cache.Get(providerID); ok && !force && !tok.NeedsRefresh() {
			return tok, nil
		}
		tok, err := m.current(providerID)
		if err != nil {
			return nil, err
		}
		return m.refresh(ctx, providerID, cfg, tok)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (m *Manager) refresh(ctx context.Context, providerID string, cfg Config, prev *Token) (*Token, error) {
	if prev.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on record", ErrRefreshTokenExpired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", cfg.ClientID)
	form.Set("refresh_token", prev.RefreshToken)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	status, body, err := m.postForm(ctx, cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		// The token endpoint rejecting the grant is read as an expired
		// refresh token; re-authorization is required.
		m.log.Warn("refresh token rejected", slog.String("provider", providerID), slog.Int("status", status))
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrRefreshTokenExpired, status)
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: %w", ErrTokenRefreshFailed, &ServerError{StatusCode: status, Message: oauthErrorMessage(body)})
	}

	tok, err := decodeToken(body, prev.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	if err := m.persist(providerID, tok); err != nil {
		return nil, err
	}
	m.log.Debug("token refreshed", slog.String("provider", providerID))
	return tok, nil
}

func (m *Manager) exchange(ctx context.Context, cfg Config, code string, pkce *PKCE) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", cfg.ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", cfg.EffectiveRedirectURI())
	if pkce != nil {
		form.Set("code_verifier", pkce.Verifier)
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	status, body, err := m.postForm(ctx, cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &ServerError{StatusCode: status, Message: oauthErrorMessage(body)}
	}
	return decodeToken(body, "")
}

func (m *Manager) persist(providerID string, tok *Token) error {
	raw, err := dumpToken(tok)
	if err != nil {
		return err
	}
	if err := m.store.Save(storageKeyPrefix+providerID, raw); err != nil {
		return err
	}
	m.cache.Add(providerID, tok)
	return nil
}

func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return 0, nil, ErrCancelled
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return resp.StatusCode, body, nil
}

// parseCallback validates the callback URL against the expected state and
// extracts the authorization code. The state check runs first: a mismatch is
// ErrInvalidState even when the callback carries a valid code.
func parseCallback(raw, state string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	q := u.Query()

	if q.Get("state") != state {
		return "", ErrInvalidState
	}
	if errParam := q.Get("error"); errParam != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = errParam
		}
		return "", &ServerError{Message: msg}
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: missing code parameter", ErrInvalidCallback)
	}
	return code, nil
}

// oauthErrorMessage pulls the standard error fields out of a token endpoint
// failure body, falling back to the raw text.
func oauthErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error_description", "error"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
				return v.String()
			}
		}
	}
	return strings.TrimSpace(string(body))
}
