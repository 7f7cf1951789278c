package oidc

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// WithNow provides an optional func for determining what the current time it
// is. Valid for: Config, Req and Provider.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *configOptions:
			v.withNowFunc = now
		case *reqOptions:
			v.withNowFunc = now
		case *providerOptions:
			v.withNowFunc = now
		}
	}
}

// WithExpirySkew provides an optional expiry skew duration for: Req.IsExpired
// and Token.IsExpired.
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *expiryOptions:
			v.withExpirySkew = d
		}
	}
}

// WithLogger provides an optional logger.  Valid for: Provider.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *providerOptions:
			v.withLogger = l
		}
	}
}

// WithScopes provides an optional list of scopes.  Valid for: Config and
// Provider.AuthURL.  The "openid" scope is always requested and need not be
// included.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withScopes = scopes
		case *authURLOptions:
			v.withScopes = scopes
		}
	}
}

// WithAudiences provides an optional list of additional audiences which are
// accepted when verifying an id_token's "aud" claim.  Valid for: Config.
func WithAudiences(auds ...string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withAudiences = auds
		}
	}
}

// expiryOptions is the set of available options for IsExpired funcs
type expiryOptions struct {
	withExpirySkew time.Duration
}

func getExpiryOpts(defaultSkew time.Duration, opt ...Option) expiryOptions {
	opts := expiryOptions{withExpirySkew: defaultSkew}
	ApplyOpts(&opts, opt...)
	return opts
}
