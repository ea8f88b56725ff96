package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoFlow plays the user agent: it lifts the state out of the
// authorization URL and immediately redirects back with the given code.
func echoFlow(code string) Flow {
	return FlowFunc(func(_ context.Context, authURL, callbackScheme string) (string, error) {
		u, err := url.Parse(authURL)
		if err != nil {
			return "", err
		}
		state := u.Query().Get("state")
		return fmt.Sprintf("%s://callback?state=%s&code=%s", callbackScheme, state, code), nil
	})
}

func testConfig(tokenURL string) Config {
	return Config{
		ClientID:       "client-1",
		AuthURL:        "https://auth.example.com/authorize",
		TokenURL:       tokenURL,
		Scopes:         []string{"chat"},
		CallbackScheme: "converse",
		UsePKCE:        true,
	}
}

func seedToken(t *testing.T, store Store, providerID string, tok *Token) {
	t.Helper()
	raw, err := dumpToken(tok)
	require.NoError(t, err)
	require.NoError(t, store.Save(storageKeyPrefix+providerID, raw))
}

func TestManager_Authenticate(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	store := NewMemStore()
	m, err := NewManager(store, WithFlow(echoFlow("the-code")))
	require.NoError(t, err)

	tok, err := m.Authenticate(context.Background(), "acme", testConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)

	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "client-1", gotForm.Get("client_id"))
	assert.Equal(t, "the-code", gotForm.Get("code"))
	assert.Equal(t, "converse://callback", gotForm.Get("redirect_uri"))
	assert.NotEmpty(t, gotForm.Get("code_verifier"))

	// Token persisted to the secure store immediately.
	assert.True(t, m.HasTokens("acme"))
	raw, err := store.Read(storageKeyPrefix + "acme")
	require.NoError(t, err)
	assert.Contains(t, raw, "at-1")
}

func TestManager_Authenticate_StateMismatch(t *testing.T) {
	flow := FlowFunc(func(_ context.Context, _, callbackScheme string) (string, error) {
		return callbackScheme + "://callback?state=forged&code=abc", nil
	})

	m, err := NewManager(NewMemStore(), WithFlow(flow))
	require.NoError(t, err)

	_, err = m.Authenticate(context.Background(), "acme", testConfig("http://unused.invalid"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestManager_Authenticate_UserCancelled(t *testing.T) {
	flow := FlowFunc(func(ctx context.Context, _, _ string) (string, error) {
		return "", context.Canceled
	})

	m, err := NewManager(NewMemStore(), WithFlow(flow))
	require.NoError(t, err)

	_, err = m.Authenticate(context.Background(), "acme", testConfig("http://unused.invalid"))
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestManager_ValidToken_NoRefreshNeeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for a fresh token")
	}))
	defer srv.Close()

	store := NewMemStore()
	seedToken(t, store, "acme", &Token{
		AccessToken:  "fresh",
		RefreshToken: "rt",
		ExpiresAt:    strfmt.DateTime(time.Now().Add(time.Hour)),
	})

	m, err := NewManager(store)
	require.NoError(t, err)

	tok, err := m.ValidToken(context.Background(), "acme", testConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
}

func TestManager_ValidToken_NoTokens(t *testing.T) {
	m, err := NewManager(NewMemStore())
	require.NoError(t, err)

	_, err = m.ValidToken(context.Background(), "acme", testConfig("http://unused.invalid"))
	assert.ErrorIs(t, err, ErrNoTokens)
}

func TestManager_ConcurrentRefreshIsDeduplicated(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		refreshes.Add(1)
		// Hold the request open long enough for every caller to pile up on
		// the pending operation.
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","expires_in":3600}`))
	}))
	defer srv.Close()

	store := NewMemStore()
	seedToken(t, store, "acme", &Token{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    strfmt.DateTime(time.Now().Add(time.Minute)),
	})

	m, err := NewManager(store)
	require.NoError(t, err)
	cfg := testConfig(srv.URL)

	const callers = 8
	tokens := make([]*Token, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.ValidToken(context.Background(), "acme", cfg)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshes.Load(), "exactly one refresh request must be issued")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-new", tokens[i].AccessToken)
	}
}

func TestManager_Refresh_PreservesRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"at-new","expires_in":3600}`))
	}))
	defer srv.Close()

	store := NewMemStore()
	seedToken(t, store, "acme", &Token{
		AccessToken:  "at-old",
		RefreshToken: "rt-keep",
		ExpiresAt:    strfmt.DateTime(time.Now().Add(-time.Minute)),
	})

	m, err := NewManager(store)
	require.NoError(t, err)

	tok, err := m.ValidToken(context.Background(), "acme", testConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok.AccessToken)
	assert.Equal(t, "rt-keep", tok.RefreshToken)

	// The superseding token is what got persisted.
	raw, err := store.Read(storageKeyPrefix + "acme")
	require.NoError(t, err)
	assert.Contains(t, raw, "rt-keep")
	assert.Contains(t, raw, "at-new")
}

func TestManager_Refresh_ExpiredRefreshToken(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		}))

		store := NewMemStore()
		seedToken(t, store, "acme", &Token{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresAt:    strfmt.DateTime(time.Now().Add(-time.Minute)),
		})

		m, err := NewManager(store)
		require.NoError(t, err)

		_, err = m.ValidToken(context.Background(), "acme", testConfig(srv.URL))
		assert.ErrorIs(t, err, ErrRefreshTokenExpired, "status %d", status)
		srv.Close()
	}
}

func TestManager_Refresh_ServerErrorIsNotExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemStore()
	seedToken(t, store, "acme", &Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    strfmt.DateTime(time.Now().Add(-time.Minute)),
	})

	m, err := NewManager(store)
	require.NoError(t, err)

	_, err = m.ValidToken(context.Background(), "acme", testConfig(srv.URL))
	assert.ErrorIs(t, err, ErrTokenRefreshFailed)
	assert.NotErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestManager_RefreshToken_Forced(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshes.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"at-forced","refresh_token":"rt-2","expires_in":3600}`))
	}))
	defer srv.Close()

	store := NewMemStore()
	seedToken(t, store, "acme", &Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    strfmt.DateTime(time.Now().Add(time.Hour)),
	})

	m, err := NewManager(store)
	require.NoError(t, err)

	tok, err := m.RefreshToken(context.Background(), "acme", testConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "at-forced", tok.AccessToken)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestManager_ClearTokens(t *testing.T) {
	store := NewMemStore()
	seedToken(t, store, "acme", &Token{AccessToken: "at", RefreshToken: "rt"})

	m, err := NewManager(store)
	require.NoError(t, err)
	require.True(t, m.HasTokens("acme"))

	require.NoError(t, m.ClearTokens("acme"))
	assert.False(t, m.HasTokens("acme"))

	_, err = m.ValidToken(context.Background(), "acme", testConfig("http://unused.invalid"))
	assert.ErrorIs(t, err, ErrNoTokens)
}
