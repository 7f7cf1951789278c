/*
Package rp authenticates the users of a net/http server with an OIDC
provider.  A RelyingParty provides:

* Middleware and RequireAuth: the per-request auth gate.  It resolves the
request's session from its cookie (or the X-Session-Id header), refreshes an
expired session which has a refresh token, and makes its claims available
to ClaimsFromContext and OptionalClaims.  RequireAuth starts a login for
requests without an authenticated session.

* LoginHandler and CallbackHandler: the login flow.  A login records a
pending login (state, nonce and PKCE verifier) for the session and redirects
to the provider.  The callback consumes the pending login exactly once,
exchanges the code and verifies the id_token before the session becomes
authenticated.

* LogoutHandler: RP-initiated logout.  Local state is always cleared; the
user is sent to the provider's end_session_endpoint when it has one.

Every login failure wraps ErrAuthValidation and is rendered as a 401.  A
failing session store is rendered as a 500, and never treated as "not logged
in".

	p, _ := oidc.NewProvider(ctx, config)
	b, _ := session.NewBinding(session.NewMemoryStore())
	relyingParty, _ := rp.NewRelyingParty(p, b)

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/oidc", relyingParty.CallbackHandler())
	r.With(relyingParty.RequireAuth).Get("/foo", func(w http.ResponseWriter, r *http.Request) {
		claims, _ := rp.ClaimsFromContext(r.Context())
		fmt.Fprintf(w, "Hello %s", claims.Subject)
	})
*/
package rp
