package rp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rpgate/oidcrp/session"
)

type contextKey struct{}

var gateResultKey = contextKey{}

// gateResult is what the auth gate learned about a request.
type gateResult struct {
	sessionID string
	session   *session.AuthenticatedSession

	// refreshErr is set when the session had expired and couldn't be
	// refreshed.
	refreshErr error
}

func gateResultFromContext(ctx context.Context) (*gateResult, bool) {
	g, ok := ctx.Value(gateResultKey).(*gateResult)
	return g, ok
}

// Middleware is the auth gate.  It resolves the request's session, refreshes
// an expired session which has a refresh token, and makes the session's
// claims available to ClaimsFromContext and OptionalClaims.  Requests
// without an authenticated session are passed through; use RequireAuth for
// routes which need one.  A failing session store is an error response,
// never an anonymous request.
func (rp *RelyingParty) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := gateResultFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		g, err := rp.resolve(r.Context(), r)
		if err != nil {
			rp.gateLogger.Error("unable to resolve session", "error", err)
			rp.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), gateResultKey, g)))
	})
}

// RequireAuth is the auth gate for routes which need an authenticated
// session.  Requests without one start a login which returns to the
// requested URL.  It includes Middleware, so it may be used on its own.
func (rp *RelyingParty) RequireAuth(next http.Handler) http.Handler {
	return rp.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g, _ := gateResultFromContext(r.Context())
		if g != nil && g.session != nil {
			next.ServeHTTP(w, r)
			return
		}
		if g != nil && g.refreshErr != nil {
			rp.gateLogger.Debug("session refresh failed, restarting login", "error", g.refreshErr)
		}
		returnTo := "/"
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			returnTo = r.URL.RequestURI()
		}
		if err := rp.StartLogin(w, r, returnTo); err != nil {
			rp.gateLogger.Error("unable to start login", "error", err)
			rp.writeError(w, r, err)
		}
	}))
}

// resolve looks up the request's session, refreshing it when it's expired.
// Only session store failures are returned as errors.
func (rp *RelyingParty) resolve(ctx context.Context, r *http.Request) (*gateResult, error) {
	const op = "RelyingParty.resolve"
	id, ok := rp.SessionID(r)
	if !ok {
		return &gateResult{}, nil
	}
	g := &gateResult{sessionID: id}
	rec, err := rp.binding.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a, ok := rec.Authenticated()
	if !ok {
		return g, nil
	}
	if !a.IsExpired(rp.now()) {
		if err := rp.binding.Touch(ctx, id, a); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		g.session = a
		return g, nil
	}

	res, err := rp.refresh(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	g.session, g.refreshErr = res.session, res.err
	return g, nil
}

// refreshResult is the outcome of a session refresh shared by every request
// waiting on it.  Neither field is set when the session ended meanwhile.
type refreshResult struct {
	session *session.AuthenticatedSession

	// err is why the session couldn't be refreshed.
	err error
}

// refresh refreshes the session's expired tokens.  Requests for the same
// session share one refresh, since the provider may rotate the refresh token
// and accept it only once.  Only session store failures are returned as
// errors.
func (rp *RelyingParty) refresh(ctx context.Context, id string) (*refreshResult, error) {
	const op = "RelyingParty.refresh"
	v, err, shared := rp.refreshGroup.Do(id, func() (interface{}, error) {
		// the waiting requests mustn't lose the session because the one
		// running the refresh went away.
		return rp.refreshSession(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if shared {
		rp.gateLogger.Trace("shared a session refresh")
	}
	return v.(*refreshResult), nil
}

func (rp *RelyingParty) refreshSession(ctx context.Context, id string) (*refreshResult, error) {
	// re-read, since a refresh which finished after the caller's lookup has
	// already spent the refresh token the caller saw.
	rec, err := rp.binding.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	a, ok := rec.Authenticated()
	switch {
	case !ok:
		return &refreshResult{}, nil
	case !a.IsExpired(rp.now()):
		return &refreshResult{session: a}, nil
	}

	var refreshed *session.AuthenticatedSession
	tk, err := rp.provider.Refresh(ctx, a.RefreshToken)
	if err == nil {
		refreshed, err = rp.binding.Refresh(ctx, id, a, tk)
	}
	switch {
	case err == nil:
		rp.gateLogger.Debug("session refreshed", "expiry", refreshed.Expiry)
		return &refreshResult{session: refreshed}, nil
	case errors.Is(err, session.ErrStore):
		return nil, err
	}
	// another replica may have refreshed the session meanwhile, so only the
	// tokens which failed are discarded.
	if _, derr := rp.binding.Discard(ctx, id, session.Authenticated(a)); derr != nil {
		return nil, derr
	}
	return &refreshResult{err: err}, nil
}

// ClaimsFromContext returns the claims of the request's authenticated
// session.  It returns ErrClaimsNotFound when there isn't one, or when the
// auth gate didn't run.
func ClaimsFromContext(ctx context.Context) (*session.Claims, error) {
	const op = "rp.ClaimsFromContext"
	g, ok := gateResultFromContext(ctx)
	if !ok || g.session == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrClaimsNotFound)
	}
	c := g.session.Claims
	return &c, nil
}

// OptionalClaims returns the claims of the request's authenticated session,
// if it has one.
func OptionalClaims(ctx context.Context) (*session.Claims, bool) {
	c, err := ClaimsFromContext(ctx)
	return c, err == nil
}

// SessionFromContext returns the request's authenticated session, if it has
// one.  Its access token can be used to call APIs on behalf of the user.
func SessionFromContext(ctx context.Context) (*session.AuthenticatedSession, bool) {
	g, ok := gateResultFromContext(ctx)
	if !ok || g.session == nil {
		return nil, false
	}
	return g.session, true
}
