package oauth

import (
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_NeedsRefresh(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"no expiry recorded", time.Time{}, false},
		{"well before horizon", time.Now().Add(time.Hour), false},
		{"inside horizon", time.Now().Add(2 * time.Minute), true},
		{"already expired", time.Now().Add(-time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := &Token{AccessToken: "at", ExpiresAt: strfmt.DateTime(tt.expiresAt)}
			assert.Equal(t, tt.want, tok.NeedsRefresh())
		})
	}
}

func TestDecodeToken_ComputesExpiry(t *testing.T) {
	tok, err := decodeToken([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`), "")
	require.NoError(t, err)

	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, "Bearer at", tok.Bearer())

	expiresAt := time.Time(tok.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)
}

func TestDecodeToken_RetainsPreviousRefreshToken(t *testing.T) {
	tok, err := decodeToken([]byte(`{"access_token":"new-at","expires_in":900}`), "old-rt")
	require.NoError(t, err)
	assert.Equal(t, "old-rt", tok.RefreshToken)
}

func TestDecodeToken_RequiresAccessToken(t *testing.T) {
	_, err := decodeToken([]byte(`{"token_type":"Bearer"}`), "")
	assert.Error(t, err)
}

func TestTokenPersistenceRoundTrip(t *testing.T) {
	src := &Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenType:    "Bearer",
		Scope:        "read write",
		ExpiresAt:    strfmt.DateTime(time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)),
	}

	raw, err := dumpToken(src)
	require.NoError(t, err)

	dst, err := loadToken(raw)
	require.NoError(t, err)
	assert.Equal(t, src.AccessToken, dst.AccessToken)
	assert.Equal(t, src.RefreshToken, dst.RefreshToken)
	assert.Equal(t, src.Scope, dst.Scope)
	assert.Equal(t, time.Time(src.ExpiresAt).Unix(), time.Time(dst.ExpiresAt).Unix())
}

func TestLoadToken_Corrupt(t *testing.T) {
	_, err := loadToken("{not json")
	assert.ErrorIs(t, err, ErrStorage)
}
