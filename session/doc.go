/*
Package session binds server-side session IDs to OIDC login state.

A session's Record is exactly one of: none, a PendingLogin (a login which has
been redirected to the provider) or an AuthenticatedSession (verified claims
and tokens).  Records are kept in a Store; MemoryStore, RedisStore and
PostgresStore are provided.  Every Store offers TakePending, which removes a
pending login atomically so a callback can consume it only once.

Binding layers the login lifecycle over a Store:

	store := session.NewMemoryStore()
	defer store.Close(ctx)
	b, _ := session.NewBinding(store)

	p, _ := session.NewPendingLogin(oidcRequest, "/foo", 5*time.Minute)
	_ = b.BeginLogin(ctx, sessionID, p)

	// on callback
	p, err := b.ConsumePending(ctx, sessionID)
	tk, err := provider.Exchange(ctx, p, state, code)
	a, _ := session.NewAuthenticatedSession(tk)
	_ = b.Authenticate(ctx, sessionID, a)

Failures of a store's backend wrap ErrStore.  They're never reported as a
missing session.
*/
package session
