package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rpgate/oidcrp/jwt"
)

// wellKnownPath is appended to the issuer to find its discovery document.
// go-oidc builds the same path.
// See: https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderConfigurationRequest
const wellKnownPath = "/.well-known/openid-configuration"

// ProviderMetadata is the discovered configuration of a provider, including
// its signing keys.  It's immutable once discovered; a new ProviderMetadata
// is created when a provider is rediscovered.
type ProviderMetadata struct {
	// Issuer is the provider's issuer identifier, which exactly matches the
	// issuer that was requested.
	Issuer string

	AuthURL       string
	TokenURL      string
	JWKSURL       string
	UserInfoURL   string
	EndSessionURL string

	// Algorithms are the id_token signing algorithms the provider advertises.
	Algorithms []string

	// Keys is the provider's signing key set, fetched from JWKSURL during
	// discovery.
	Keys *jwt.KeySet
}

// SupportsEndSession reports whether the provider supports RP-initiated
// logout.
func (m *ProviderMetadata) SupportsEndSession() bool {
	return m != nil && m.EndSessionURL != ""
}

// discoveryClaims are the discovery document's fields which go-oidc doesn't
// expose.
type discoveryClaims struct {
	JWKSURL       string   `json:"jwks_uri"`
	EndSessionURL string   `json:"end_session_endpoint"`
	Algorithms    []string `json:"id_token_signing_alg_values_supported"`
}

// Discover fetches the provider's discovery document and signing keys.  The
// document's issuer must match the requested issuer exactly, which prevents
// a provider's metadata from being substituted by another's.
//
// Every error returned wraps ErrDiscovery.
func Discover(ctx context.Context, client *http.Client, issuer string) (*ProviderMetadata, error) {
	const op = "Discover"
	switch {
	case client == nil:
		return nil, fmt.Errorf("%s: http client is nil: %w: %w", op, ErrDiscovery, ErrNilParameter)
	case issuer == "":
		return nil, fmt.Errorf("%s: issuer is empty: %w: %w", op, ErrDiscovery, ErrInvalidParameter)
	}

	p, err := oidc.NewProvider(HTTPClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDiscovery, discoveryError(err))
	}
	var claims discoveryClaims
	if err := p.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery document (%s): %w: %w", op, err, ErrDiscovery, ErrMalformedMetadata)
	}
	endpoint := p.Endpoint()
	md := &ProviderMetadata{
		Issuer:        issuer,
		AuthURL:       endpoint.AuthURL,
		TokenURL:      endpoint.TokenURL,
		JWKSURL:       claims.JWKSURL,
		UserInfoURL:   p.UserInfoEndpoint(),
		EndSessionURL: claims.EndSessionURL,
		Algorithms:    slices.Clone(claims.Algorithms),
	}
	for name, endpoint := range map[string]string{
		"authorization_endpoint": md.AuthURL,
		"token_endpoint":         md.TokenURL,
		"jwks_uri":               md.JWKSURL,
	} {
		if err := validEndpoint(endpoint); err != nil {
			return nil, fmt.Errorf("%s: %s %s: %w: %w", op, name, err, ErrDiscovery, ErrMalformedMetadata)
		}
	}
	for name, endpoint := range map[string]string{
		"userinfo_endpoint":    md.UserInfoURL,
		"end_session_endpoint": md.EndSessionURL,
	} {
		if endpoint == "" {
			continue
		}
		if err := validEndpoint(endpoint); err != nil {
			return nil, fmt.Errorf("%s: %s %s: %w: %w", op, name, err, ErrDiscovery, ErrMalformedMetadata)
		}
	}

	if md.Keys, err = jwt.FetchKeySet(ctx, client, md.JWKSURL); err != nil {
		return nil, fmt.Errorf("%s: unable to fetch signing keys: %w: %w", op, ErrDiscovery, err)
	}
	return md, nil
}

// discoveryError adds this package's error to a go-oidc discovery error,
// which only describes what went wrong in its text.
func discoveryError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "issuer did not match"):
		return fmt.Errorf("%w: %w", ErrInvalidIssuer, err)
	case strings.Contains(msg, "failed to decode provider discovery object"):
		return fmt.Errorf("%w: %w", ErrMalformedMetadata, err)
	default:
		return err
	}
}

func validEndpoint(endpoint string) error {
	if endpoint == "" {
		return errors.New("is missing")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("is invalid: %s", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%q is not an http or https URL", endpoint)
	}
	return nil
}
