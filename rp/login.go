package rp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rpgate/oidcrp/oidc"
	"github.com/rpgate/oidcrp/session"
)

// ReturnToParam is the LoginHandler query parameter naming where to send
// the user after login.
const ReturnToParam = "return_to"

// CallbackResult is the outcome of a successful callback.
type CallbackResult struct {
	// SessionID is the authenticated session's ID.  It's always a new ID,
	// so an ID planted on the user agent before login never authenticates.
	SessionID string

	// ReturnTo is the same-origin path the login was started from.
	ReturnTo string

	// Session is the new authenticated session.
	Session *session.AuthenticatedSession
}

// BeginLogin starts a login for the session.  It records a pending login,
// replacing anything the session held, and returns the provider's
// authorization URL.  The returnTo is where the callback sends the user; it
// must be a same-origin path, otherwise "/" is used.
//
// The opts are passed to oidc.Provider.AuthURL (WithPrompts, WithMaxAge,
// WithUILocales, WithScopes).
func (rp *RelyingParty) BeginLogin(ctx context.Context, sessionID string, returnTo string, opt ...oidc.Option) (*RedirectTarget, error) {
	const op = "RelyingParty.BeginLogin"
	if sessionID == "" {
		return nil, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	timeout := rp.opts.withPendingLoginTimeout
	req, err := oidc.NewRequest(timeout, oidc.WithNow(rp.opts.withNowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, err := session.NewPendingLogin(req, safeReturnTo(returnTo), timeout, session.WithNow(rp.opts.withNowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	authURL, err := rp.provider.AuthURL(ctx, req, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := rp.binding.BeginLogin(ctx, sessionID, p); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rp.loginLogger.Debug("login started", "return_to", p.ReturnTo(), "expires_at", p.ExpiresAt())
	return &RedirectTarget{URL: authURL}, nil
}

// StartLogin starts a login for the request's session, creating the session
// when the request has none, and redirects to the provider.
func (rp *RelyingParty) StartLogin(w http.ResponseWriter, r *http.Request, returnTo string) error {
	const op = "RelyingParty.StartLogin"
	id, err := rp.ensureSessionID(w, r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	target, err := rp.BeginLogin(r.Context(), id, returnTo)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	http.Redirect(w, r, target.URL, http.StatusFound)
	return nil
}

// LoginHandler starts a login, returning to the path in the return_to query
// parameter afterwards.
func (rp *RelyingParty) LoginHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rp.StartLogin(w, r, r.URL.Query().Get(ReturnToParam)); err != nil {
			rp.loginLogger.Error("unable to start login", "error", err)
			rp.writeError(w, r, err)
		}
	})
}

// Callback completes the session's login with the provider's authentication
// response.  The pending login is consumed first, so whatever the outcome it
// can't be used again.  On success the session is moved to a new ID, which
// the caller must hand to the user agent.  Every authentication failure
// wraps ErrAuthValidation; a failing session store doesn't.
func (rp *RelyingParty) Callback(ctx context.Context, sessionID string, response url.Values) (*CallbackResult, error) {
	const op = "RelyingParty.Callback"
	if sessionID == "" {
		return nil, fmt.Errorf("%s: request has no session: %w: %w", op, ErrAuthValidation, ErrNoPendingLogin)
	}
	p, err := rp.binding.ConsumePending(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNoPendingLogin):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrAuthValidation, err)
	case errors.Is(err, session.ErrExpiredPendingLogin):
		return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrAuthValidation, ErrExpiredRequest, err)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if code := response.Get("error"); code != "" {
		pe := &ProviderError{
			Code:        code,
			Description: response.Get("error_description"),
			URI:         response.Get("error_uri"),
		}
		return nil, fmt.Errorf("%s: %w: %w", op, ErrAuthValidation, pe)
	}

	tk, err := rp.provider.Exchange(ctx, p, response.Get("state"), response.Get("code"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrAuthValidation, err)
	}
	a, err := session.NewAuthenticatedSession(tk, session.WithNow(rp.opts.withNowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrAuthValidation, err)
	}
	newID, err := oidc.NewID()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := rp.binding.Authenticate(ctx, newID, a); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := rp.binding.Destroy(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &CallbackResult{SessionID: newID, ReturnTo: p.ReturnTo(), Session: a}, nil
}

// CallbackHandler handles the provider's redirect to the client's redirect
// URL.  On success the session cookie is set to the new session ID, which is
// also sent in the session header to clients which sent it that way, and
// the user is sent back to where the login started.
func (rp *RelyingParty) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			rp.writeError(w, r, fmt.Errorf("%w: %w", ErrAuthValidation, err))
			return
		}
		id, _ := rp.SessionID(r)
		res, err := rp.Callback(r.Context(), id, r.Form)
		if err != nil {
			if errors.Is(err, ErrAuthValidation) {
				rp.loginLogger.Warn("login failed", "error", err)
			} else {
				rp.loginLogger.Error("unable to complete login", "error", err)
			}
			rp.writeError(w, r, err)
			return
		}
		http.SetCookie(w, rp.sessionCookie(res.SessionID))
		if _, err := r.Cookie(rp.opts.withCookieName); err != nil {
			w.Header().Set(rp.opts.withSessionHeader, res.SessionID)
		}
		rp.loginLogger.Debug("login succeeded", "return_to", res.ReturnTo)
		http.Redirect(w, r, res.ReturnTo, http.StatusFound)
	})
}

// safeReturnTo returns the target when it's a same-origin path, and "/"
// otherwise.
func safeReturnTo(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return target
}

// safeRedirect validates a configured redirect: a path or an absolute http(s)
// URL.
func safeRedirect(target string) (string, error) {
	const op = "rp.safeRedirect"
	if safeReturnTo(target) == target {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%s: %q is invalid (%s): %w", op, target, err, ErrInvalidParameter)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s: %q must be a path or an http(s) URL: %w", op, target, ErrInvalidParameter)
	}
	return target, nil
}
