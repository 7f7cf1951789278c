package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	josejwt "github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactedTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		token fmt.Stringer
		want  string
	}{
		{name: "id_token", token: IDToken("secret"), want: RedactedIDToken},
		{name: "access_token", token: AccessToken("secret"), want: RedactedAccessToken},
		{name: "refresh_token", token: RefreshToken("secret"), want: RedactedRefreshToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			assert.Equal(tt.want, tt.token.String())
			assert.Equal(tt.want, fmt.Sprintf("%s", tt.token))
			got, err := json.Marshal(tt.token)
			require.NoError(err)
			assert.Equal(fmt.Sprintf("%q", tt.want), string(got))
		})
	}
}

func TestIDToken_Claims(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	_, priv := TestGenerateKeys(t)
	raw := TestSignJWT(t, priv, "", josejwt.Claims{Subject: "alice"}, map[string]interface{}{"email": "alice@example.com"})

	var claims map[string]interface{}
	require.NoError(IDToken(raw).Claims(&claims))
	assert.Equal("alice", claims["sub"])
	assert.Equal("alice@example.com", claims["email"])

	err := IDToken("").Claims(&claims)
	require.Error(err)
	assert.True(errors.Is(err, ErrInvalidParameter))

	err = IDToken(raw).Claims(nil)
	require.Error(err)
	assert.True(errors.Is(err, ErrNilParameter))
}

func TestToken_IsExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	nowFunc := func() time.Time { return now }
	tests := []struct {
		name   string
		expiry time.Time
		opt    []Option
		want   bool
	}{
		{name: "no-expiry", want: false},
		{name: "future", expiry: now.Add(time.Hour), want: false},
		{name: "past", expiry: now.Add(-time.Second), want: true},
		{name: "within-default-skew", expiry: now.Add(TokenExpirySkew / 2), want: true},
		{name: "outside-custom-skew", expiry: now.Add(TokenExpirySkew / 2), opt: []Option{WithExpirySkew(0)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			tk := &Token{accessToken: "at", expiry: tt.expiry, nowFunc: nowFunc}
			assert.Equal(tt.want, tk.IsExpired(tt.opt...))
			if len(tt.opt) == 0 {
				assert.Equal(!tt.want, tk.Valid())
			}
		})
	}
	t.Run("nil-or-empty", func(t *testing.T) {
		assert := assert.New(t)
		var tk *Token
		assert.False(tk.Valid())
		assert.False((&Token{}).Valid())
	})
}
