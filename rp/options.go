package rp

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rpgate/oidcrp/session"
)

// LogoutPolicy decides what Logout does when the provider has no
// end_session_endpoint.
type LogoutPolicy int

const (
	// LogoutLocalFallback clears the local session and redirects to the
	// local logout redirect.
	LogoutLocalFallback LogoutPolicy = iota

	// LogoutRequireEndSession clears the local session and returns
	// ErrUnsupportedEndSession.
	LogoutRequireEndSession
)

// String returns the policy's name.
func (p LogoutPolicy) String() string {
	switch p {
	case LogoutLocalFallback:
		return "local-fallback"
	case LogoutRequireEndSession:
		return "require-end-session"
	default:
		return "unknown"
	}
}

const (
	DefaultCookieName          = "oidcrp_session"
	DefaultSessionHeader       = "X-Session-Id"
	DefaultLocalLogoutRedirect = "/"
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

type rpOptions struct {
	withLogger              hclog.Logger
	withNowFunc             func() time.Time
	withPendingLoginTimeout time.Duration
	withLogoutPolicy        LogoutPolicy
	withLocalLogoutRedirect string
	withCookieName          string
	withCookieDomain        string
	withCookieInsecure      bool
	withSessionHeader       string
	withErrorResponse       ErrorResponseFunc
}

func rpDefaults() rpOptions {
	return rpOptions{
		withLogger:              hclog.NewNullLogger(),
		withPendingLoginTimeout: session.DefaultPendingLoginTimeout,
		withLogoutPolicy:        LogoutLocalFallback,
		withLocalLogoutRedirect: DefaultLocalLogoutRedirect,
		withCookieName:          DefaultCookieName,
		withSessionHeader:       DefaultSessionHeader,
		withErrorResponse:       DefaultErrorResponse,
	}
}

func getRPOpts(opt ...Option) rpOptions {
	opts := rpDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}

// WithNow provides an optional func for determining what the current time
// is.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok && now != nil {
			v.withNowFunc = now
		}
	}
}

// WithPendingLoginTimeout sets how long a login may wait for its callback.
// The default is 5 minutes.
func WithPendingLoginTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok && d > 0 {
			v.withPendingLoginTimeout = d
		}
	}
}

// WithLogoutPolicy sets what Logout does when the provider has no
// end_session_endpoint.  The default is LogoutLocalFallback.
func WithLogoutPolicy(p LogoutPolicy) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok {
			v.withLogoutPolicy = p
		}
	}
}

// WithLocalLogoutRedirect sets where LogoutLocalFallback sends the user.  The
// default is "/".
func WithLocalLogoutRedirect(target string) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok && target != "" {
			v.withLocalLogoutRedirect = target
		}
	}
}

// WithCookie sets the session cookie's name and domain.  An empty domain is
// a host-only cookie.
func WithCookie(name, domain string) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok && name != "" {
			v.withCookieName = name
			v.withCookieDomain = domain
		}
	}
}

// WithInsecureCookie drops the session cookie's Secure attribute, for local
// development over plain http.
func WithInsecureCookie() Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok {
			v.withCookieInsecure = true
		}
	}
}

// WithSessionHeader sets the request header read when there's no session
// cookie.  The default is X-Session-Id.
func WithSessionHeader(name string) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok && name != "" {
			v.withSessionHeader = http.CanonicalHeaderKey(name)
		}
	}
}

// WithErrorResponse sets the func which writes error responses.  The default
// is DefaultErrorResponse.
func WithErrorResponse(fn ErrorResponseFunc) Option {
	return func(o interface{}) {
		if v, ok := o.(*rpOptions); ok && fn != nil {
			v.withErrorResponse = fn
		}
	}
}
