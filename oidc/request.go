package oidc

import (
	"fmt"
	"time"
)

// Request basically represents one OIDC authentication flow for a user. It
// contains the data needed to uniquely represent that one-time flow across the
// multiple interactions needed to complete the OIDC flow the user is
// attempting.
//
// State() is passed throughout the OIDC interactions to uniquely identify the
// flow's request. The State() and Nonce() cannot be equal, and will be used
// during the OIDC flow to prevent CSRF and replay attacks (see the oidc spec
// for specifics).
type Request interface {
	// State is a unique identifier and an opaque value used to maintain
	// request between the oidc request and the callback. State cannot equal
	// the Nonce.  See https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest.
	State() string

	// Nonce is a unique nonce and a string value used to associate a Client
	// session with an ID Token, and to mitigate replay attacks. Nonce cannot
	// equal the ID.
	// See https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
	// and https://openid.net/specs/openid-connect-core-1_0.html#NonceNotes.
	Nonce() string

	// PKCEVerifier is the PKCE code verifier for the request.  Every request
	// made by this package uses PKCE.
	// See: https://tools.ietf.org/html/rfc7636
	PKCEVerifier() CodeVerifier

	// IsExpired returns true if the request has expired. Implementations
	// should support a time skew (perhaps RequestExpirySkew) when checking
	// expiration.
	IsExpired(opt ...Option) bool
}

// Req represents the oidc request used for oidc flows and implements the
// Request interface.
type Req struct {
	//	state is a unique identifier and an opaque value used to maintain
	//	state between the oidc request and the callback.
	state string

	// nonce is a unique nonce and suitable for use as an oidc nonce.
	nonce string

	// expiration is the expiration time for the Request.
	expiration time.Time

	// withVerifier is the PKCE code verifier.
	withVerifier CodeVerifier

	// nowFunc is an optional function that returns the current time
	nowFunc func() time.Time
}

// ensure that Request implements the Request interface.
var _ Request = (*Req)(nil)

// NewRequest creates a new Request (*Req).
//
// The expireIn is required and it's the duration the request is valid for,
// beginning now.
//
// Supports the options: WithNow and WithPKCE.  A PKCE verifier is generated
// when one isn't provided.
func NewRequest(expireIn time.Duration, opt ...Option) (*Req, error) {
	const op = "oidc.NewRequest"
	opts := getReqOpts(opt...)
	if expireIn <= 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}
	nonce, err := NewID(WithPrefix("n"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's nonce: %w", op, err)
	}
	state, err := NewID(WithPrefix("st"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's state: %w", op, err)
	}
	verifier := opts.withVerifier
	if verifier == nil {
		if verifier, err = NewCodeVerifier(); err != nil {
			return nil, fmt.Errorf("%s: unable to generate a request's code verifier: %w", op, err)
		}
	}
	r := &Req{
		state:        state,
		nonce:        nonce,
		withVerifier: verifier,
		nowFunc:      opts.withNowFunc,
	}
	r.expiration = r.now().Add(expireIn)
	return r, nil
}

func (r *Req) State() string              { return r.state }        // State implements the Request.State() interface function.
func (r *Req) Nonce() string              { return r.nonce }        // Nonce implements the Request.Nonce() interface function.
func (r *Req) PKCEVerifier() CodeVerifier { return r.withVerifier } // PKCEVerifier implements the Request.PKCEVerifier() interface function.

// ExpiresAt returns the time the request expires.
func (r *Req) ExpiresAt() time.Time { return r.expiration }

// RequestExpirySkew defines a time skew when checking a Request's
// expiration.
const RequestExpirySkew = 1 * time.Second

// IsExpired returns true if the request has expired. Implements the
// Request.IsExpired() interface function.  Supports the WithExpirySkew
// option; RequestExpirySkew is used when none is provided.
func (r *Req) IsExpired(opt ...Option) bool {
	opts := getExpiryOpts(RequestExpirySkew, opt...)
	return !r.expiration.After(r.now().Add(opts.withExpirySkew))
}

// now returns the current time using the optional timeFn
func (r *Req) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now() // fallback to this default
}

// reqOptions is the set of available options for Req functions
type reqOptions struct {
	withNowFunc  func() time.Time
	withVerifier CodeVerifier
}

// reqDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func reqDefaults() reqOptions {
	return reqOptions{}
}

// getReqOpts gets the request defaults and applies the opt overrides passed in
func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPKCE provides an option to use a CodeVerifier with the authorization
// code flow.
//
// Valid for: Request
//
// See: https://tools.ietf.org/html/rfc7636
func WithPKCE(v CodeVerifier) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withVerifier = v
		}
	}
}
