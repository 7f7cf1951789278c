package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/rpgate/oidcrp/oidc/internal/strutils"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
)

// Provider provides integration with an OIDC provider using the
// authorization code flow with PKCE.  It's safe for concurrent use.
//
// The provider's metadata and signing keys are discovered once, when the
// Provider is created, and cached until Rediscover is called.
type Provider struct {
	config *Config
	client *http.Client
	logger hclog.Logger

	// state holds the current metadata and the verifier built from its keys.
	// They're replaced together so a reader never sees keys from one
	// discovery paired with metadata from another.
	state atomic.Pointer[providerState]

	discoverGroup singleflight.Group
}

type providerState struct {
	metadata *ProviderMetadata
	verifier *oidc.IDTokenVerifier
}

// NewProvider creates and initializes a Provider.  Initializing the provider
// includes making http requests to the provider's issuer for discovery and
// its signing keys; a failure wraps ErrDiscovery and the caller should treat
// it as fatal.
//
// Options supported: WithLogger and WithNow.
func NewProvider(ctx context.Context, c *Config, opt ...Option) (*Provider, error) {
	const op = "NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}
	opts := getProviderOpts(opt...)
	cfg := c.clone()
	if opts.withNowFunc != nil {
		cfg.NowFunc = opts.withNowFunc
	}

	client, err := cfg.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	p := &Provider{
		config: cfg,
		client: client,
		logger: opts.withLogger.Named("provider"),
	}
	if err := p.discover(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// Rediscover fetches the provider's metadata and signing keys again and, on
// success, replaces the cached ones.  Concurrent calls share a single
// discovery.  When it fails the previously cached metadata is kept.
func (p *Provider) Rediscover(ctx context.Context) error {
	const op = "Provider.Rediscover"
	_, err, shared := p.discoverGroup.Do("discover", func() (interface{}, error) {
		return nil, p.discover(ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.logger.Debug("rediscovered provider", "issuer", p.config.Issuer, "shared", shared)
	return nil
}

func (p *Provider) discover(ctx context.Context) error {
	const op = "Provider.discover"
	ctx, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()

	md, err := Discover(ctx, p.client, p.config.Issuer)
	if err != nil {
		p.logger.Error("provider discovery failed", "issuer", p.config.Issuer, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	verifier := oidc.NewVerifier(md.Issuer, md.Keys, &oidc.Config{
		// the audience is checked against the client ID and the configured
		// audiences after verification.
		SkipClientIDCheck:    true,
		SupportedSigningAlgs: algStrings(p.config.SupportedSigningAlgs),
		Now:                  p.config.Now,
	})
	p.state.Store(&providerState{metadata: md, verifier: verifier})
	p.logger.Debug("discovered provider", "issuer", md.Issuer, "keys", md.Keys.KeyIDs(), "end_session", md.SupportsEndSession())
	return nil
}

// Metadata returns the provider's currently cached metadata.
func (p *Provider) Metadata() *ProviderMetadata {
	return p.state.Load().metadata
}

// Config returns a copy of the provider's config.
func (p *Provider) Config() *Config {
	return p.config.clone()
}

// HTTPClient returns the http client the provider uses for requests to the
// provider.
func (p *Provider) HTTPClient() *http.Client {
	return p.client
}

// AuthURL will generate a URL the caller can use to kick off an OIDC
// authorization code flow with the provider.  The URL includes the request's
// state, nonce and PKCE S256 code challenge.
//
// Options supported: WithScopes, WithPrompts, WithMaxAge and WithUILocales.
func (p *Provider) AuthURL(ctx context.Context, r Request, opt ...Option) (string, error) {
	const op = "Provider.AuthURL"
	switch {
	case r == nil:
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	case r.State() == "" || r.Nonce() == "":
		return "", fmt.Errorf("%s: request state and nonce are required: %w", op, ErrInvalidParameter)
	case r.State() == r.Nonce():
		return "", fmt.Errorf("%s: request state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	case r.PKCEVerifier() == nil:
		return "", fmt.Errorf("%s: request PKCE verifier is nil: %w", op, ErrInvalidParameter)
	case r.PKCEVerifier().Method() != S256:
		return "", fmt.Errorf("%s: %s: %w", op, r.PKCEVerifier().Method(), ErrUnsupportedChallengeMethod)
	case r.IsExpired():
		return "", fmt.Errorf("%s: request is expired: %w", op, ErrExpiredRequest)
	}
	opts := getAuthURLOpts(opt...)

	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", r.Nonce()),
		oauth2.SetAuthURLParam("code_challenge", r.PKCEVerifier().Challenge()),
		oauth2.SetAuthURLParam("code_challenge_method", string(r.PKCEVerifier().Method())),
	}
	if len(opts.withPrompts) > 0 {
		prompts := make([]string, 0, len(opts.withPrompts))
		for _, pr := range opts.withPrompts {
			prompts = append(prompts, string(pr))
		}
		prompts = strutils.RemoveDuplicatesStable(prompts, false)
		if strutils.StrListContains(prompts, string(None)) && len(prompts) > 1 {
			return "", fmt.Errorf("%s: prompt %q cannot be combined with other prompts: %w", op, None, ErrInvalidParameter)
		}
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", strings.Join(prompts, " ")))
	}
	if opts.withMaxAge != nil {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("max_age", strconv.FormatUint(uint64(*opts.withMaxAge), 10)))
	}
	if len(opts.withUILocales) > 0 {
		locales := make([]string, 0, len(opts.withUILocales))
		for _, l := range opts.withUILocales {
			locales = append(locales, l.String())
		}
		authOpts = append(authOpts, oauth2.SetAuthURLParam("ui_locales", strings.Join(locales, " ")))
	}

	oauth2Config := p.oauth2Config(opts.withScopes...)
	return oauth2Config.AuthCodeURL(r.State(), authOpts...), nil
}

// Exchange will request a token from the provider's token endpoint, using
// the authorizationCode and authorizationState it received in an earlier
// successful authentication response.
//
// The authorizationState is compared with the request's state in constant
// time, and the request must not be expired.  The returned token's id_token
// has been verified, including its nonce.
func (p *Provider) Exchange(ctx context.Context, r Request, authorizationState string, authorizationCode string) (*Token, error) {
	const op = "Provider.Exchange"
	switch {
	case r == nil:
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	case authorizationCode == "":
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	case r.PKCEVerifier() == nil:
		return nil, fmt.Errorf("%s: request PKCE verifier is nil: %w", op, ErrInvalidParameter)
	}
	if subtle.ConstantTimeCompare([]byte(r.State()), []byte(authorizationState)) != 1 {
		return nil, fmt.Errorf("%s: authentication state and authorization state are not equal: %w", op, ErrInvalidResponseState)
	}
	if r.IsExpired() {
		return nil, fmt.Errorf("%s: authentication request is expired: %w", op, ErrExpiredRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()
	oauth2Config := p.oauth2Config()
	oauth2Token, err := oauth2Config.Exchange(HTTPClientContext(ctx, p.client), authorizationCode, oauth2.VerifierOption(r.PKCEVerifier().Verifier()))
	if err != nil {
		p.logger.Debug("authorization code exchange failed", "error", err)
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w: %w", op, ErrExchangeFailed, err)
	}
	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, ErrMissingIDToken)
	}
	claims, err := p.VerifyIDToken(ctx, IDToken(rawIDToken), r.Nonce())
	if err != nil {
		return nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	return p.newToken(IDToken(rawIDToken), claims, oauth2Token), nil
}

// Refresh uses the refresh token to get new tokens from the provider.  When
// the provider returns a new id_token it's verified, except for its nonce
// which providers don't repeat on refresh.  When it doesn't, the returned
// token's IDToken is empty and its Claims are nil.
//
// When the provider doesn't rotate refresh tokens, the refresh token given is
// returned with the new token.
func (p *Provider) Refresh(ctx context.Context, refreshToken RefreshToken) (*Token, error) {
	const op = "Provider.Refresh"
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()

	oauth2Config := p.oauth2Config()
	ts := oauth2Config.TokenSource(HTTPClientContext(ctx, p.client), &oauth2.Token{RefreshToken: string(refreshToken)})
	oauth2Token, err := ts.Token()
	if err != nil {
		p.logger.Debug("token refresh failed", "error", err)
		return nil, fmt.Errorf("%s: unable to refresh tokens with provider: %w: %w", op, ErrRefreshFailed, err)
	}
	if oauth2Token.RefreshToken == "" {
		oauth2Token.RefreshToken = string(refreshToken)
	}

	rawIDToken, _ := oauth2Token.Extra("id_token").(string)
	if rawIDToken == "" {
		return p.newToken("", nil, oauth2Token), nil
	}
	claims, err := p.VerifyIDToken(ctx, IDToken(rawIDToken), "")
	if err != nil {
		return nil, fmt.Errorf("%s: refreshed id_token failed verification: %w: %w", op, ErrRefreshFailed, err)
	}
	return p.newToken(IDToken(rawIDToken), claims, oauth2Token), nil
}

// VerifyIDToken will verify the inbound id_token and return its claims.  It
// verifies the token is signed by one of the provider's cached keys with a
// supported algorithm, its issuer is the provider's, its audience includes
// the client ID or one of the configured audiences, it isn't expired, it has
// a subject, and its nonce matches.  An empty nonce skips the nonce check,
// which is only appropriate for refreshed tokens.
//
// Every error returned wraps ErrIDTokenVerificationFailed, along with a more
// specific error when one applies (ErrInvalidSignature, ErrUnsupportedAlg,
// ErrExpiredToken, ErrInvalidAudience, ErrInvalidNonce, ErrMissingClaim).
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIDToken(ctx context.Context, t IDToken, nonce string) (*IDTokenClaims, error) {
	const op = "Provider.VerifyIDToken"
	if t == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w: %w", op, ErrIDTokenVerificationFailed, ErrInvalidParameter)
	}
	st := p.state.Load()

	jws, err := jose.ParseSigned(string(t))
	if err != nil {
		return nil, fmt.Errorf("%s: malformed id_token (%s): %w: %w", op, err, ErrIDTokenVerificationFailed, ErrInvalidSignature)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%s: id_token must have exactly one signature: %w: %w", op, ErrIDTokenVerificationFailed, ErrInvalidSignature)
	}
	alg := Alg(jws.Signatures[0].Header.Algorithm)
	if !strutils.StrListContains(algStrings(p.config.SupportedSigningAlgs), string(alg)) {
		return nil, fmt.Errorf("%s: id_token signed with %q: %w: %w", op, alg, ErrIDTokenVerificationFailed, ErrUnsupportedAlg)
	}
	if _, err := st.metadata.Keys.VerifySignature(ctx, string(t)); err != nil {
		return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrIDTokenVerificationFailed, ErrInvalidSignature, err)
	}

	idt, err := st.verifier.Verify(ctx, string(t))
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, fmt.Errorf("%s: id_token expired at %s: %w: %w", op, expired.Expiry, ErrIDTokenVerificationFailed, ErrExpiredToken)
		}
		return nil, fmt.Errorf("%s: %s: %w", op, err, ErrIDTokenVerificationFailed)
	}
	if !p.validAudience(idt.Audience) {
		return nil, fmt.Errorf("%s: id_token audience %q: %w: %w", op, idt.Audience, ErrIDTokenVerificationFailed, ErrInvalidAudience)
	}
	if idt.Subject == "" {
		return nil, fmt.Errorf("%s: id_token has no sub claim: %w: %w", op, ErrIDTokenVerificationFailed, ErrMissingClaim)
	}
	if nonce != "" && subtle.ConstantTimeCompare([]byte(idt.Nonce), []byte(nonce)) != 1 {
		return nil, fmt.Errorf("%s: invalid id_token nonce: %w: %w", op, ErrIDTokenVerificationFailed, ErrInvalidNonce)
	}

	raw := map[string]interface{}{}
	if err := idt.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%s: unable to decode id_token claims: %w: %w", op, ErrIDTokenVerificationFailed, err)
	}
	return &IDTokenClaims{
		Issuer:   idt.Issuer,
		Subject:  idt.Subject,
		Audience: idt.Audience,
		Expiry:   idt.Expiry,
		IssuedAt: idt.IssuedAt,
		Nonce:    idt.Nonce,
		Raw:      raw,
	}, nil
}

// EndSessionURL builds the provider's RP-initiated logout URL.  The
// idTokenHint and postLogoutRedirect are optional.  It returns
// ErrUnsupportedEndSession when the provider has no end_session_endpoint.
//
// See: https://openid.net/specs/openid-connect-rpinitiated-1_0.html
func (p *Provider) EndSessionURL(idTokenHint IDToken, postLogoutRedirect string) (string, error) {
	const op = "Provider.EndSessionURL"
	md := p.Metadata()
	if !md.SupportsEndSession() {
		return "", fmt.Errorf("%s: %s: %w", op, md.Issuer, ErrUnsupportedEndSession)
	}
	u, err := url.Parse(md.EndSessionURL)
	if err != nil {
		return "", fmt.Errorf("%s: end_session_endpoint is invalid (%s): %w", op, err, ErrMalformedMetadata)
	}
	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", string(idTokenHint))
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Provider) validAudience(aud []string) bool {
	if strutils.StrListContains(aud, p.config.ClientID) {
		return true
	}
	for _, a := range p.config.Audiences {
		if strutils.StrListContains(aud, a) {
			return true
		}
	}
	return false
}

// oauth2Config returns an OpenID Connect aware oauth2 config.  The "openid"
// scope is always requested.
func (p *Provider) oauth2Config(extraScopes ...string) *oauth2.Config {
	md := p.Metadata()
	scopes := append([]string{oidc.ScopeOpenID}, p.config.Scopes...)
	scopes = strutils.RemoveDuplicatesStable(append(scopes, extraScopes...), false)

	style := oauth2.AuthStyleInHeader
	if p.config.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  p.config.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthURL,
			TokenURL:  md.TokenURL,
			AuthStyle: style,
		},
	}
}

func (p *Provider) newToken(idToken IDToken, claims *IDTokenClaims, t *oauth2.Token) *Token {
	return &Token{
		idToken:      idToken,
		accessToken:  AccessToken(t.AccessToken),
		refreshToken: RefreshToken(t.RefreshToken),
		expiry:       t.Expiry,
		claims:       claims,
		nowFunc:      p.config.NowFunc,
	}
}

func algStrings(algs []Alg) []string {
	s := make([]string, 0, len(algs))
	for _, a := range algs {
		s = append(s, string(a))
	}
	return s
}

// Prompt is a string value that specifies whether the provider prompts the
// end-user for reauthentication and consent.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
type Prompt string

const (
	None          Prompt = "none"
	Login         Prompt = "login"
	Consent       Prompt = "consent"
	SelectAccount Prompt = "select_account"
)

// providerOptions is the set of available options for NewProvider
type providerOptions struct {
	withNowFunc func() time.Time
	withLogger  hclog.Logger
}

func providerDefaults() providerOptions {
	return providerOptions{withLogger: hclog.NewNullLogger()}
}

func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// authURLOptions is the set of available options for Provider.AuthURL
type authURLOptions struct {
	withScopes    []string
	withPrompts   []Prompt
	withMaxAge    *uint
	withUILocales []language.Tag
}

func getAuthURLOpts(opt ...Option) authURLOptions {
	opts := authURLOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPrompts provides an optional list of values that specifies whether the
// provider prompts the end-user for reauthentication and consent.  "none"
// can't be combined with other prompts.  Valid for: Provider.AuthURL
func WithPrompts(prompts ...Prompt) Option {
	return func(o interface{}) {
		if o, ok := o.(*authURLOptions); ok {
			o.withPrompts = prompts
		}
	}
}

// WithMaxAge provides an optional maximum authentication age, in seconds,
// which is the allowable elapsed time since the end-user last actively
// authenticated with the provider.  Valid for: Provider.AuthURL
func WithMaxAge(seconds uint) Option {
	return func(o interface{}) {
		if o, ok := o.(*authURLOptions); ok {
			o.withMaxAge = &seconds
		}
	}
}

// WithUILocales provides an optional list of the end-user's preferred
// languages for the provider's user interface, in order of preference.
// Valid for: Provider.AuthURL
func WithUILocales(locales ...language.Tag) Option {
	return func(o interface{}) {
		if o, ok := o.(*authURLOptions); ok {
			o.withUILocales = locales
		}
	}
}
