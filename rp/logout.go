package rp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rpgate/oidcrp/oidc"
)

// Logout destroys the session's local state and returns where to send the
// user.  When the provider has an end_session_endpoint that's where, with
// the session's id_token as the id_token_hint and the optional
// postLogoutRedirect.  Otherwise the logout policy decides: the local logout
// redirect for LogoutLocalFallback, or ErrUnsupportedEndSession for
// LogoutRequireEndSession.  Local state is cleared in every case.
func (rp *RelyingParty) Logout(ctx context.Context, sessionID string, postLogoutRedirect string) (*RedirectTarget, error) {
	const op = "RelyingParty.Logout"
	var hint oidc.IDToken
	if sessionID != "" {
		prev, err := rp.binding.Destroy(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if a, ok := prev.Authenticated(); ok {
			hint = a.IDToken
		}
	}

	if !rp.provider.Metadata().SupportsEndSession() {
		switch rp.opts.withLogoutPolicy {
		case LogoutRequireEndSession:
			return nil, fmt.Errorf("%s: local session cleared: %w", op, ErrUnsupportedEndSession)
		default:
			rp.logoutLogger.Debug("provider has no end_session_endpoint, logged out locally")
			return &RedirectTarget{URL: rp.opts.withLocalLogoutRedirect}, nil
		}
	}
	u, err := rp.provider.EndSessionURL(hint, postLogoutRedirect)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &RedirectTarget{URL: u, EndSession: true}, nil
}

// LogoutHandler logs the request's session out, clears its cookie and
// redirects.  The postLogoutRedirect is sent to the provider, and must be
// registered with it.
func (rp *RelyingParty) LogoutHandler(postLogoutRedirect string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := rp.SessionID(r)
		target, err := rp.Logout(r.Context(), id, postLogoutRedirect)
		rp.clearSessionCookie(w)
		if err != nil {
			rp.logoutLogger.Error("logout failed", "error", err)
			rp.writeError(w, r, err)
			return
		}
		rp.logoutLogger.Debug("logged out", "end_session", target.EndSession)
		http.Redirect(w, r, target.URL, http.StatusFound)
	})
}
