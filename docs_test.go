package oidcrp_test

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rpgate/oidcrp/oidc"
	"github.com/rpgate/oidcrp/rp"
	"github.com/rpgate/oidcrp/session"
)

func Example_relyingParty() {
	ctx := context.Background()

	// Create a new Config
	pc, err := oidc.NewConfig(
		"https://your-issuer.com/",
		"your_client_id",
		"your_client_secret",
		[]oidc.Alg{oidc.RS256},
		"https://your-app.com/oidc",
	)
	if err != nil {
		// handle error
	}

	// Create a provider, which discovers the issuer once.
	p, err := oidc.NewProvider(ctx, pc)
	if err != nil {
		// handle error
	}

	// Keep sessions in memory.  RedisStore and PostgresStore are shared by
	// every instance of the app.
	store := session.NewMemoryStore()
	defer store.Close(ctx)
	b, err := session.NewBinding(store)
	if err != nil {
		// handle error
	}

	relyingParty, err := rp.NewRelyingParty(p, b, rp.WithLogoutPolicy(rp.LogoutLocalFallback))
	if err != nil {
		// handle error
	}

	r := chi.NewRouter()
	// the callback must be served at the config's redirect URL.
	r.Method(http.MethodGet, "/oidc", relyingParty.CallbackHandler())
	r.Method(http.MethodGet, "/logout", relyingParty.LogoutHandler("https://your-app.com/"))

	// /foo needs a login.
	r.With(relyingParty.RequireAuth).Get("/foo", func(w http.ResponseWriter, r *http.Request) {
		claims, err := rp.ClaimsFromContext(r.Context())
		if err != nil {
			http.Error(w, err.Error(), rp.HTTPStatus(err))
			return
		}
		fmt.Fprintf(w, "Hello %s", claims.Subject)
	})

	// /bar works with or without one.
	r.With(relyingParty.Middleware).Get("/bar", func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := rp.OptionalClaims(r.Context()); ok {
			fmt.Fprintf(w, "Hello %s", claims.Subject)
			return
		}
		fmt.Fprint(w, "Hello anon!")
	})

	_ = http.ListenAndServe(":8080", r)
}
