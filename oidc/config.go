package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-multierror"
	"github.com/rpgate/oidcrp/oidc/internal/strutils"
	sdkhttp "github.com/rpgate/oidcrp/sdk/http"
)

// ClientSecret is an oauth client Secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// DefaultProviderTimeout bounds every request made to the provider when the
// Config does not specify a timeout.
const DefaultProviderTimeout = 10 * time.Second

// Config represents the configuration for an OIDC relying party using the
// authorization code flow with PKCE.  A Config is treated as immutable once
// it's been used to create a Provider; the Provider keeps its own copy.
type Config struct {
	// ClientID is the relying party ID.
	ClientID string

	// ClientSecret is the relying party secret.  It's optional; public
	// clients send their client_id in the token request body instead.
	ClientSecret ClientSecret

	// Scopes is a list of additional oidc scopes to request of the provider.
	// The required "openid" scope is requested by default, and does not need
	// to be part of this optional list.
	Scopes []string

	// Issuer is a case-sensitive URL string using the https scheme that
	// contains scheme, host, and optionally, port number and path components
	// and no query or fragment components.
	Issuer string

	// SupportedSigningAlgs is a list of supported signing algorithms.
	SupportedSigningAlgs []Alg

	// RedirectURL is the callback URL registered with the provider.
	RedirectURL string

	// Audiences is an optional list of additional case-sensitive strings
	// accepted in an id_token's "aud" claim.  The ClientID is always accepted.
	Audiences []string

	// ProviderCA is an optional CA certs (PEM encoded) to use when sending
	// requests to the provider.
	ProviderCA string

	// ProviderTimeout bounds each request sent to the provider.
	ProviderTimeout time.Duration

	// NowFunc is a time func that returns the current time.
	NowFunc func() time.Time
}

// NewConfig composes a new config for a provider.
//
// The "openid" scope will always be added to the list of scopes.  Options
// supported: WithProviderCA, WithProviderTimeout, WithScopes, WithAudiences
// and WithNow.
func NewConfig(issuer string, clientID string, clientSecret ClientSecret, supported []Alg, redirectURL string, opt ...Option) (*Config, error) {
	const op = "NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Issuer:               issuer,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		SupportedSigningAlgs: supported,
		RedirectURL:          redirectURL,
		Scopes:               opts.withScopes,
		Audiences:            opts.withAudiences,
		ProviderCA:           opts.withProviderCA,
		ProviderTimeout:      opts.withProviderTimeout,
		NowFunc:              opts.withNowFunc,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// Validate the provider configuration.  Among other validations, it verifies
// the issuer is not empty, but it doesn't verify the Issuer is discoverable
// via an http request.  All problems found are returned together.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}

	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client ID is empty: %w", op, ErrInvalidParameter))
	}
	if c.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("%s: discovery URL is empty: %w", op, ErrInvalidParameter))
	} else {
		u, err := url.Parse(c.Issuer)
		switch {
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("%s: issuer %s is invalid (%s): %w", op, c.Issuer, err, ErrInvalidIssuer))
		case !strutils.StrListContains([]string{"https", "http"}, u.Scheme):
			result = multierror.Append(result, fmt.Errorf("%s: issuer %s schema is not http or https: %w", op, c.Issuer, ErrInvalidIssuer))
		case u.RawQuery != "" || u.Fragment != "":
			result = multierror.Append(result, fmt.Errorf("%s: issuer %s must not have a query or fragment: %w", op, c.Issuer, ErrInvalidIssuer))
		}
	}
	if c.RedirectURL == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter))
	} else if _, err := url.Parse(c.RedirectURL); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL %s is invalid (%s): %w", op, c.RedirectURL, err, ErrInvalidParameter))
	}
	if len(c.SupportedSigningAlgs) == 0 {
		result = multierror.Append(result, fmt.Errorf("%s: supported algorithms is empty: %w", op, ErrInvalidParameter))
	}
	for _, a := range c.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			result = multierror.Append(result, fmt.Errorf("%s: unsupported algorithm %q: %w", op, a, ErrUnsupportedAlg))
		}
	}
	if c.ProviderTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: provider timeout is negative: %w", op, ErrInvalidParameter))
	}
	if c.ProviderCA != "" {
		if _, err := sdkhttp.NewClient(c.ProviderCA, c.timeout()); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", op, ErrInvalidCACert))
		}
	}
	return result.ErrorOrNil()
}

// HTTPClient creates a new http client for the provider configured.  The
// client honors the ProviderCA and ProviderTimeout.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	client, err := sdkhttp.NewClient(c.ProviderCA, c.timeout())
	if err != nil {
		if errors.Is(err, sdkhttp.ErrInvalidCertificatePem) {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
	}
	return client, nil
}

// Now returns the current time using the optional NowFunc.
func (c *Config) Now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc()
	}
	return time.Now() // fallback to this default
}

func (c *Config) timeout() time.Duration {
	if c.ProviderTimeout > 0 {
		return c.ProviderTimeout
	}
	return DefaultProviderTimeout
}

// clone returns a deep copy, so the Provider isn't affected by later changes
// to the caller's Config.
func (c *Config) clone() *Config {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Audiences = slices.Clone(c.Audiences)
	cp.SupportedSigningAlgs = slices.Clone(c.SupportedSigningAlgs)
	return &cp
}

// HTTPClientContext is a helper function that returns a new Context that
// carries the provided HTTP client. This method sets the same context key used
// by the github.com/coreos/go-oidc and golang.org/x/oauth2 packages, so the
// returned context works for those packages as well.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	// simple to implement as a wrapper for the coreos package
	return oidc.ClientContext(ctx, client)
}

// configOptions is the set of available options
type configOptions struct {
	withScopes          []string
	withAudiences       []string
	withProviderCA      string
	withProviderTimeout time.Duration
	withNowFunc         func() time.Time
}

// configDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func configDefaults() configOptions {
	return configOptions{}
}

// getConfigOpts gets the defaults and applies the opt overrides passed
// in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithProviderCA provides optional CA certs (PEM encoded) for the provider's
// config.  These certs will be used when making http requests to the
// provider.  Valid for: Config
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithProviderTimeout provides an optional timeout for each http request
// made to the provider.  Valid for: Config
func WithProviderTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderTimeout = d
		}
	}
}
