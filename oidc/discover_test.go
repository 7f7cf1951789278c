package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpgate/oidcrp/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pub, _ := TestGenerateKeys(t)
	jwks, err := json.Marshal(TestPublicJWKS(t, "k1", pub))
	require.NoError(t, err)

	// each test case gets its own discovery document, served at /<name>.
	var srv *httptest.Server
	docs := map[string]func() interface{}{
		"valid": func() interface{} {
			return testDiscoveryDocument{
				Issuer:        srv.URL + "/valid",
				AuthURL:       srv.URL + "/auth",
				TokenURL:      srv.URL + "/token",
				JWKSURL:       srv.URL + "/certs",
				EndSessionURL: srv.URL + "/logout",
				Algorithms:    []string{"ES256"},
			}
		},
		"no-end-session": func() interface{} {
			return testDiscoveryDocument{
				Issuer:   srv.URL + "/no-end-session",
				AuthURL:  srv.URL + "/auth",
				TokenURL: srv.URL + "/token",
				JWKSURL:  srv.URL + "/certs",
			}
		},
		"issuer-mismatch": func() interface{} {
			return testDiscoveryDocument{
				Issuer:   srv.URL + "/someone-else",
				AuthURL:  srv.URL + "/auth",
				TokenURL: srv.URL + "/token",
				JWKSURL:  srv.URL + "/certs",
			}
		},
		"missing-token-endpoint": func() interface{} {
			return testDiscoveryDocument{
				Issuer:  srv.URL + "/missing-token-endpoint",
				AuthURL: srv.URL + "/auth",
				JWKSURL: srv.URL + "/certs",
			}
		},
		"bad-end-session": func() interface{} {
			return testDiscoveryDocument{
				Issuer:        srv.URL + "/bad-end-session",
				AuthURL:       srv.URL + "/auth",
				TokenURL:      srv.URL + "/token",
				JWKSURL:       srv.URL + "/certs",
				EndSessionURL: "javascript:alert(1)",
			}
		},
		"bad-jwks": func() interface{} {
			return testDiscoveryDocument{
				Issuer:   srv.URL + "/bad-jwks",
				AuthURL:  srv.URL + "/auth",
				TokenURL: srv.URL + "/token",
				JWKSURL:  srv.URL + "/certs_invalid",
			}
		},
		"not-json": func() interface{} {
			return "It's not a discovery document!"
		},
	}
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/certs":
			_, _ = w.Write(jwks)
			return
		case "/certs_invalid":
			_, _ = w.Write([]byte("It's not a keyset!"))
			return
		}
		for name, doc := range docs {
			if req.URL.Path == "/"+name+wellKnownPath {
				_ = json.NewEncoder(w).Encode(doc())
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name           string
		issuer         string
		client         *http.Client
		wantEndSession bool
		wantErr        bool
		wantIsErr      error
	}{
		{name: "valid", issuer: srv.URL + "/valid", client: srv.Client(), wantEndSession: true},
		{name: "no-end-session", issuer: srv.URL + "/no-end-session", client: srv.Client()},
		{name: "issuer-mismatch", issuer: srv.URL + "/issuer-mismatch", client: srv.Client(), wantErr: true, wantIsErr: ErrInvalidIssuer},
		{name: "missing-token-endpoint", issuer: srv.URL + "/missing-token-endpoint", client: srv.Client(), wantErr: true, wantIsErr: ErrMalformedMetadata},
		{name: "bad-end-session", issuer: srv.URL + "/bad-end-session", client: srv.Client(), wantErr: true, wantIsErr: ErrMalformedMetadata},
		{name: "bad-jwks", issuer: srv.URL + "/bad-jwks", client: srv.Client(), wantErr: true, wantIsErr: jwt.ErrInvalidKeySet},
		{name: "not-json", issuer: srv.URL + "/not-json", client: srv.Client(), wantErr: true, wantIsErr: ErrMalformedMetadata},
		{name: "not-found", issuer: srv.URL + "/nope", client: srv.Client(), wantErr: true, wantIsErr: ErrDiscovery},
		{name: "nil-client", issuer: srv.URL + "/valid", wantErr: true, wantIsErr: ErrNilParameter},
		{name: "empty-issuer", client: srv.Client(), wantErr: true, wantIsErr: ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := Discover(ctx, tt.client, tt.issuer)
			if tt.wantErr {
				require.Error(err)
				assert.True(errors.Is(err, ErrDiscovery), "every discovery error wraps ErrDiscovery")
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.issuer, got.Issuer)
			assert.Equal(srv.URL+"/auth", got.AuthURL)
			assert.Equal(srv.URL+"/token", got.TokenURL)
			assert.Equal(tt.wantEndSession, got.SupportsEndSession())
			assert.Equal([]string{"k1"}, got.Keys.KeyIDs())
		})
	}
}
