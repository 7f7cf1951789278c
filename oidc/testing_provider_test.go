package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_StartTestProvider(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)

	client := tp.HTTPClient()
	resp, err := client.Get(tp.Addr() + wellKnownPath)
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	var doc testDiscoveryDocument
	require.NoError(json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(tp.Addr(), doc.Issuer)
	assert.Equal(tp.Addr()+"/certs", doc.JWKSURL)
	assert.Equal(tp.Addr()+"/logout", doc.EndSessionURL)
	assert.NotEmpty(tp.CACert())
}

func TestTestProvider_Authorize(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	clientID, _ := tp.ClientCreds()

	authURL := func(mutate func(url.Values)) string {
		q := url.Values{
			"response_type":         {"code"},
			"client_id":             {clientID},
			"redirect_uri":          {testRedirect},
			"scope":                 {"openid"},
			"state":                 {"st_1"},
			"nonce":                 {"n_1"},
			"code_challenge":        {"challenge"},
			"code_challenge_method": {"S256"},
		}
		if mutate != nil {
			mutate(q)
		}
		return tp.Addr() + "/auth?" + q.Encode()
	}

	t.Run("code", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := tp.Authorize(authURL(nil))
		require.NoError(err)
		assert.True(strings.HasPrefix(got.String(), testRedirect))
		assert.Equal("st_1", got.Query().Get("state"))
		assert.NotEmpty(got.Query().Get("code"))
	})
	t.Run("missing-pkce", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := tp.Authorize(authURL(func(q url.Values) { q.Del("code_challenge") }))
		require.NoError(err)
		assert.Equal("invalid_request", got.Query().Get("error"))
		assert.Empty(got.Query().Get("code"))
	})
	t.Run("missing-openid-scope", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := tp.Authorize(authURL(func(q url.Values) { q.Set("scope", "email") }))
		require.NoError(err)
		assert.Equal("invalid_scope", got.Query().Get("error"))
	})
}

func TestTestProvider_SetAuthError(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	tp.SetAuthError("access_denied")
	p := testNewProvider(t, tp)
	r, err := NewRequest(time.Minute)
	require.NoError(err)
	authURL, err := p.AuthURL(context.Background(), r)
	require.NoError(err)
	got, err := tp.Authorize(authURL)
	require.NoError(err)
	assert.Equal("access_denied", got.Query().Get("error"))
	assert.Equal(r.State(), got.Query().Get("state"))
}

func TestTestProvider_SetAllowedRedirectURIs(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	tp.SetAllowedRedirectURIs([]string{"https://only.example.com/cb"})
	resp, err := tp.HTTPClient().Get(tp.Addr() + "/auth?redirect_uri=" + url.QueryEscape(testRedirect))
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestTestProvider_EndSessionRequests(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)

	resp, err := tp.HTTPClient().Get(tp.Addr() + "/logout?id_token_hint=abc&post_logout_redirect_uri=" + url.QueryEscape("https://rp.example.com/"))
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusFound, resp.StatusCode)
	assert.Equal("https://rp.example.com/", resp.Header.Get("Location"))

	reqs := tp.EndSessionRequests()
	require.Len(reqs, 1)
	assert.Equal("abc", reqs[0].Get("id_token_hint"))
}

func TestTestProvider_tokenErrors(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	clientID, clientSecret := tp.ClientCreds()

	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantCode   string
	}{
		{
			name:       "bad-client",
			form:       url.Values{"grant_type": {"authorization_code"}, "client_id": {"nope"}},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_client",
		},
		{
			name:       "unknown-code",
			form:       url.Values{"grant_type": {"authorization_code"}, "client_id": {clientID}, "client_secret": {clientSecret}, "code": {"code_nope"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_grant",
		},
		{
			name:       "bad-grant",
			form:       url.Values{"grant_type": {"password"}, "client_id": {clientID}, "client_secret": {clientSecret}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "unsupported_grant_type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			resp, err := tp.HTTPClient().PostForm(tp.Addr()+"/token", tt.form)
			require.NoError(err)
			defer resp.Body.Close()
			assert.Equal(tt.wantStatus, resp.StatusCode)
			var body struct {
				Code string `json:"error"`
			}
			require.NoError(json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(tt.wantCode, body.Code)
		})
	}
}
