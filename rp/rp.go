package rp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rpgate/oidcrp/oidc"
	"github.com/rpgate/oidcrp/session"
	"golang.org/x/sync/singleflight"
)

// RelyingParty authenticates the users of an http server with an OIDC
// provider.  It provides the login start and callback, the per-request auth
// gate, and RP-initiated logout.  It's safe for concurrent use.
type RelyingParty struct {
	provider *oidc.Provider
	binding  *session.Binding
	opts     rpOptions

	// refreshGroup shares a refresh between the requests of one session.
	refreshGroup singleflight.Group

	gateLogger   hclog.Logger
	loginLogger  hclog.Logger
	logoutLogger hclog.Logger
}

// RedirectTarget is where the user agent is sent next.
type RedirectTarget struct {
	URL string

	// EndSession is true when the URL is the provider's
	// end_session_endpoint.
	EndSession bool
}

// NewRelyingParty creates a RelyingParty for the provider, keeping session
// state with the binding.
//
// Options supported: WithLogger, WithNow, WithPendingLoginTimeout,
// WithLogoutPolicy, WithLocalLogoutRedirect, WithCookie, WithInsecureCookie,
// WithSessionHeader, WithErrorResponse
func NewRelyingParty(p *oidc.Provider, b *session.Binding, opt ...Option) (*RelyingParty, error) {
	const op = "rp.NewRelyingParty"
	switch {
	case p == nil:
		return nil, fmt.Errorf("%s: provider is nil: %w", op, ErrNilParameter)
	case b == nil:
		return nil, fmt.Errorf("%s: session binding is nil: %w", op, ErrNilParameter)
	}
	opts := getRPOpts(opt...)
	switch opts.withLogoutPolicy {
	case LogoutLocalFallback, LogoutRequireEndSession:
	default:
		return nil, fmt.Errorf("%s: logout policy %d is unknown: %w", op, opts.withLogoutPolicy, ErrInvalidParameter)
	}
	if _, err := safeRedirect(opts.withLocalLogoutRedirect); err != nil {
		return nil, fmt.Errorf("%s: local logout redirect: %w", op, err)
	}
	return &RelyingParty{
		provider:     p,
		binding:      b,
		opts:         opts,
		gateLogger:   opts.withLogger.Named("gate"),
		loginLogger:  opts.withLogger.Named("login"),
		logoutLogger: opts.withLogger.Named("logout"),
	}, nil
}

// Provider returns the relying party's provider.
func (rp *RelyingParty) Provider() *oidc.Provider { return rp.provider }

// SessionID returns the request's session ID, read from the session cookie
// or, when there's no cookie, the session header.
func (rp *RelyingParty) SessionID(r *http.Request) (string, bool) {
	if c, err := r.Cookie(rp.opts.withCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if id := r.Header.Get(rp.opts.withSessionHeader); id != "" {
		return id, true
	}
	return "", false
}

// ensureSessionID returns the request's session ID, creating one and
// setting its cookie when the request has none.
func (rp *RelyingParty) ensureSessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	const op = "RelyingParty.ensureSessionID"
	if id, ok := rp.SessionID(r); ok {
		return id, nil
	}
	id, err := oidc.NewID()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	http.SetCookie(w, rp.sessionCookie(id))
	return id, nil
}

func (rp *RelyingParty) sessionCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     rp.opts.withCookieName,
		Value:    id,
		Path:     "/",
		Domain:   rp.opts.withCookieDomain,
		HttpOnly: true,
		Secure:   !rp.opts.withCookieInsecure,
		// the callback is a cross-site top level navigation from the
		// provider, so Strict would drop the cookie.
		SameSite: http.SameSiteLaxMode,
	}
}

func (rp *RelyingParty) clearSessionCookie(w http.ResponseWriter) {
	c := rp.sessionCookie("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	http.SetCookie(w, c)
}

func (rp *RelyingParty) now() time.Time {
	if rp.opts.withNowFunc != nil {
		return rp.opts.withNowFunc()
	}
	return time.Now()
}

func (rp *RelyingParty) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rp.opts.withErrorResponse(w, r, HTTPStatus(err), err)
}
