package oidc

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	josejwt "github.com/go-jose/go-jose/v3/jwt"
	"github.com/rpgate/oidcrp/oidc/internal/strutils"
	"github.com/stretchr/testify/require"
)

// Defaults used by the TestProvider.
const (
	TestDefaultSubject       = "alice@example.com"
	TestDefaultIDTokenExpiry = 5 * time.Minute
)

// TestProvider is a local TLS server that supports test provider capabilities
// which make writing tests much easier.  It implements discovery, a jwks_uri,
// the authorization endpoint, the token endpoint (authorization_code and
// refresh_token grants, with PKCE S256 enforced) and an end_session
// endpoint.
//
// The authorization endpoint never prompts: it immediately redirects to the
// request's redirect_uri with a one-time code, or with the error set by
// SetAuthError.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	allowedRedirectURIs []string
	subject             string
	customClaims        map[string]interface{}
	customAudience      string
	issuerOverride      string
	nonceOverride       string
	idTokenExpiry       time.Duration
	omitIDToken         bool
	disableEndSession   bool
	disableRefresh      bool
	authError           string
	signWithUnknownKey  bool
	nowFunc             func() time.Time

	keyID           string
	ecdsaPublicKey  string
	ecdsaPrivateKey string
	jwks            jose.JSONWebKeySet

	// codes are outstanding authorization codes and refreshTokens are the
	// refresh tokens issued, both keyed by their value.
	codes         map[string]testAuthorization
	refreshTokens map[string]string

	endSessionRequests []url.Values

	t *testing.T
}

type testAuthorization struct {
	nonce       string
	challenge   string
	redirectURI string
}

// StartTestProvider creates and starts a running TestProvider http server.
// The provider is stopped when the test completes.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:             t,
		clientID:      "test-client-id",
		clientSecret:  "test-client-secret",
		subject:       TestDefaultSubject,
		idTokenExpiry: TestDefaultIDTokenExpiry,
		codes:         map[string]testAuthorization{},
		refreshTokens: map[string]string{},
	}
	p.rotateKeys()

	p.httpServer = httptest.NewTLSServer(p)
	t.Cleanup(p.Stop)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()
	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running
// webserver, which is also its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// webserver.
func (p *TestProvider) CACert() string { return p.caCert }

// HTTPClient returns an http client which trusts the test provider's CA and
// doesn't follow redirects.
func (p *TestProvider) HTTPClient() *http.Client {
	c := p.httpServer.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

// SigningKeys returns the test provider's current keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// KeyID returns the key ID of the test provider's current signing key.
func (p *TestProvider) KeyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyID
}

// ClientCreds returns the client ID and secret the test provider accepts.
func (p *TestProvider) ClientCreds() (clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID, p.clientSecret
}

// SetClientCreds is for configuring the client information required for the
// token endpoint.  An empty clientSecret makes the client public.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetAllowedRedirectURIs allows you to configure the allowed redirect URIs
// for the authorization and token endpoints.  When none are set, every
// redirect URI is allowed.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetSubject sets the "sub" claim of the id_tokens issued.
func (p *TestProvider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = sub
}

// SetCustomClaims lets you set claims to return in the JWT issued by the
// token endpoint.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures the audience of the id_tokens issued.
func (p *TestProvider) SetCustomAudience(customAudience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// SetIssuerOverride configures the issuer reported by discovery and set in
// the id_tokens issued.  An empty override restores the default issuer.
func (p *TestProvider) SetIssuerOverride(iss string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuerOverride = iss
}

// SetNonceOverride configures the nonce set in the id_tokens issued,
// instead of the nonce from the authorization request.
func (p *TestProvider) SetNonceOverride(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceOverride = nonce
}

// SetIDTokenExpiry configures how long issued id_tokens are valid for.  A
// negative duration issues tokens which are already expired.
func (p *TestProvider) SetIDTokenExpiry(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idTokenExpiry = d
}

// SetNowFunc configures the test provider's clock.
func (p *TestProvider) SetNowFunc(fn func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFunc = fn
}

// SetAuthError makes the authorization endpoint redirect with the given
// oauth error code instead of an authorization code.  An empty code
// restores the default behavior.
func (p *TestProvider) SetAuthError(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authError = code
}

// OmitIDTokens forces the token endpoint to not return an id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// DisableEndSession removes the end_session_endpoint from discovery.
func (p *TestProvider) DisableEndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSession = true
}

// DisableRefresh stops the token endpoint from issuing refresh tokens and
// makes it reject the refresh_token grant.
func (p *TestProvider) DisableRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableRefresh = true
}

// SignWithUnknownKey makes the token endpoint sign id_tokens with a key that
// isn't published by the jwks_uri.
func (p *TestProvider) SignWithUnknownKey() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signWithUnknownKey = true
}

// RotateKeys replaces the test provider's signing key.  The new key is
// published by the jwks_uri right away.
func (p *TestProvider) RotateKeys() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotateKeys()
}

func (p *TestProvider) rotateKeys() {
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(p.t)
	id, err := NewID(WithPrefix("key"))
	require.NoError(p.t, err)
	p.keyID = id
	p.jwks = TestPublicJWKS(p.t, p.keyID, p.ecdsaPublicKey)
}

// EndSessionRequests returns the query parameters of every request received
// by the end_session endpoint.
func (p *TestProvider) EndSessionRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	reqs := make([]url.Values, len(p.endSessionRequests))
	copy(reqs, p.endSessionRequests)
	return reqs
}

// Authorize plays the user agent for an authorization request.  It sends a
// request to the authURL and returns the redirect the test provider
// responded with, which is typically the relying party's callback.
func (p *TestProvider) Authorize(authURL string) (*url.URL, error) {
	const op = "TestProvider.Authorize"
	resp, err := p.HTTPClient().Get(authURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("%s: unexpected status %s", op, resp.Status)
	}
	return resp.Location()
}

func (p *TestProvider) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}

func (p *TestProvider) issuer() string {
	if p.issuerOverride != "" {
		return p.issuerOverride
	}
	return p.Addr()
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

// writeAuthErrorResponse writes a standard OIDC authentication error response.
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthError
func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()
	redirect, err := url.Parse(qv.Get("redirect_uri"))
	if err != nil || qv.Get("redirect_uri") == "" {
		http.Error(w, errorCode, http.StatusBadRequest)
		return
	}
	rq := redirect.Query()
	rq.Set("state", qv.Get("state"))
	rq.Set("error", errorCode)
	if errorMessage != "" {
		rq.Set("error_description", errorMessage)
	}
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, req, redirect.String(), http.StatusFound)
}

// writeTokenErrorResponse writes a standard OIDC token error response.
// See: https://openid.net/specs/openid-connect-core-1_0.html#TokenErrorResponse
func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(&body)
}

// testDiscoveryDocument is the discovery document a TestProvider serves.
type testDiscoveryDocument struct {
	Issuer        string   `json:"issuer"`
	AuthURL       string   `json:"authorization_endpoint"`
	TokenURL      string   `json:"token_endpoint"`
	JWKSURL       string   `json:"jwks_uri"`
	UserInfoURL   string   `json:"userinfo_endpoint,omitempty"`
	EndSessionURL string   `json:"end_session_endpoint,omitempty"`
	Algorithms    []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.URL.Path {
	case wellKnownPath:
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := testDiscoveryDocument{
			Issuer:        p.issuer(),
			AuthURL:       p.Addr() + "/auth",
			TokenURL:      p.Addr() + "/token",
			JWKSURL:       p.Addr() + "/certs",
			EndSessionURL: p.Addr() + "/logout",
			Algorithms:    []string{string(ES256)},
		}
		if p.disableEndSession {
			reply.EndSessionURL = ""
		}
		_ = p.writeJSON(w, &reply)

	case "/auth":
		p.handleAuth(w, req)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/token":
		p.handleToken(w, req)

	case "/logout":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		p.endSessionRequests = append(p.endSessionRequests, qv)
		if redirect := qv.Get("post_logout_redirect_uri"); redirect != "" {
			http.Redirect(w, req, redirect, http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) handleAuth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	qv := req.URL.Query()
	redirectURI := qv.Get("redirect_uri")
	switch {
	case redirectURI == "":
		http.Error(w, "missing redirect_uri parameter", http.StatusBadRequest)
		return
	case len(p.allowedRedirectURIs) > 0 && !strutils.StrListContains(p.allowedRedirectURIs, redirectURI):
		http.Error(w, "redirect_uri is not allowed", http.StatusBadRequest)
		return
	case p.authError != "":
		p.writeAuthErrorResponse(w, req, p.authError, "")
		return
	case qv.Get("response_type") != "code":
		p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
		return
	case qv.Get("client_id") != p.clientID:
		p.writeAuthErrorResponse(w, req, "unauthorized_client", "")
		return
	case !strutils.StrListContains(strings.Fields(qv.Get("scope")), "openid"):
		p.writeAuthErrorResponse(w, req, "invalid_scope", "")
		return
	case qv.Get("state") == "":
		p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
		return
	case qv.Get("code_challenge") == "" || qv.Get("code_challenge_method") != string(S256):
		p.writeAuthErrorResponse(w, req, "invalid_request", "PKCE S256 is required")
		return
	}

	code, err := NewID(WithPrefix("code"))
	if err != nil {
		p.writeAuthErrorResponse(w, req, "server_error", err.Error())
		return
	}
	p.codes[code] = testAuthorization{
		nonce:       qv.Get("nonce"),
		challenge:   qv.Get("code_challenge"),
		redirectURI: redirectURI,
	}

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	rq := redirect.Query()
	rq.Set("state", qv.Get("state"))
	rq.Set("code", code)
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, req, redirect.String(), http.StatusFound)
}

func (p *TestProvider) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := req.ParseForm(); err != nil {
		p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	clientID, clientSecret, ok := req.BasicAuth()
	if !ok {
		clientID, clientSecret = req.PostForm.Get("client_id"), req.PostForm.Get("client_secret")
	}
	if clientID != p.clientID || subtle.ConstantTimeCompare([]byte(clientSecret), []byte(p.clientSecret)) != 1 {
		p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "unknown client or bad credentials")
		return
	}

	var nonce string
	switch req.PostForm.Get("grant_type") {
	case "authorization_code":
		code := req.PostForm.Get("code")
		authz, found := p.codes[code]
		// codes are single use, even when the exchange fails.
		delete(p.codes, code)
		switch {
		case !found:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
			return
		case req.PostForm.Get("redirect_uri") != authz.redirectURI:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "redirect_uri doesn't match authorization request")
			return
		case testS256Challenge(req.PostForm.Get("code_verifier")) != authz.challenge:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
		nonce = authz.nonce

	case "refresh_token":
		rt := req.PostForm.Get("refresh_token")
		if _, found := p.refreshTokens[rt]; p.disableRefresh || !found {
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
			return
		}
		delete(p.refreshTokens, rt)

	default:
		p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	if p.nonceOverride != "" {
		nonce = p.nonceOverride
	}
	reply := struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		IDToken      string `json:"id_token,omitempty"`
		RefreshToken string `json:"refresh_token,omitempty"`
	}{
		TokenType: "Bearer",
		ExpiresIn: int64(p.idTokenExpiry / time.Second),
	}
	var err error
	if reply.AccessToken, err = NewID(WithPrefix("at")); err != nil {
		p.writeTokenErrorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !p.disableRefresh {
		if reply.RefreshToken, err = NewID(WithPrefix("rt")); err != nil {
			p.writeTokenErrorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		p.refreshTokens[reply.RefreshToken] = clientID
	}
	if !p.omitIDToken {
		reply.IDToken = p.signIDToken(nonce)
	}
	_ = p.writeJSON(w, &reply)
}

func (p *TestProvider) signIDToken(nonce string) string {
	now := p.now()
	stdClaims := josejwt.Claims{
		Subject:   p.subject,
		Issuer:    p.issuer(),
		IssuedAt:  josejwt.NewNumericDate(now),
		NotBefore: josejwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    josejwt.NewNumericDate(now.Add(p.idTokenExpiry)),
		Audience:  josejwt.Audience{p.clientID},
	}
	if p.customAudience != "" {
		stdClaims.Audience = josejwt.Audience{p.customAudience}
	}
	privateClaims := map[string]interface{}{}
	for k, v := range p.customClaims {
		privateClaims[k] = v
	}
	if nonce != "" {
		privateClaims["nonce"] = nonce
	}
	if p.signWithUnknownKey {
		_, priv := TestGenerateKeys(p.t)
		return TestSignJWT(p.t, priv, p.keyID, stdClaims, privateClaims)
	}
	return TestSignJWT(p.t, p.ecdsaPrivateKey, p.keyID, stdClaims, privateClaims)
}

func testS256Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
