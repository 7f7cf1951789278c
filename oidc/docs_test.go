package oidc_test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rpgate/oidcrp/oidc"
	"golang.org/x/text/language"
)

func Example() {
	ctx := context.Background()

	// Create a new Config
	pc, err := oidc.NewConfig(
		"https://your-issuer.com/",
		"your_client_id",
		"your_client_secret",
		[]oidc.Alg{oidc.RS256, oidc.ES256},
		"https://your_redirect_url/oidc",
		oidc.WithScopes("email"),
	)
	if err != nil {
		// handle error
	}

	// Create a provider, which discovers the issuer's metadata and keys.
	p, err := oidc.NewProvider(ctx, pc)
	if err != nil {
		// handle error
	}

	// Create a Request for a user's authentication attempt.  It includes a
	// PKCE code verifier.
	req, err := oidc.NewRequest(5 * time.Minute)
	if err != nil {
		// handle error
	}

	// Create an auth URL
	authURL, err := p.AuthURL(ctx, req)
	if err != nil {
		// handle error
	}
	fmt.Println("open url to kick-off authentication: ", authURL)

	// Create a http.Handler for OIDC authentication response redirects
	callbackHandler := func(w http.ResponseWriter, r *http.Request) {
		// Exchange a successful authentication's authorization code and
		// authorization state (received in a callback) for a verified Token.
		t, err := p.Exchange(r.Context(), req, r.FormValue("state"), r.FormValue("code"))
		if err != nil {
			// handle error
		}
		fmt.Println("subject: ", t.Claims().Subject)
	}
	http.HandleFunc("/oidc", callbackHandler)
}

func ExampleNewConfig() {
	// Create a new Config for a public client
	pc, err := oidc.NewConfig(
		"https://your-issuer.com/",
		"your_client_id",
		"",
		[]oidc.Alg{oidc.RS256},
		"https://your_redirect_url/oidc",
		oidc.WithProviderTimeout(5*time.Second),
	)
	if err != nil {
		// handle error
	}
	fmt.Println(pc.ClientSecret == "")

	// Output:
	// true
}

func ExampleProvider_AuthURL() {
	ctx := context.Background()
	pc, err := oidc.NewConfig(
		"https://your-issuer.com/",
		"your_client_id",
		"your_client_secret",
		[]oidc.Alg{oidc.RS256},
		"https://your_redirect_url/oidc",
	)
	if err != nil {
		// handle error
	}
	p, err := oidc.NewProvider(ctx, pc)
	if err != nil {
		// handle error
	}
	req, err := oidc.NewRequest(2 * time.Minute)
	if err != nil {
		// handle error
	}

	// Ask the provider to re-authenticate the user, in French.
	authURL, err := p.AuthURL(ctx, req,
		oidc.WithPrompts(oidc.Login),
		oidc.WithMaxAge(0),
		oidc.WithUILocales(language.French),
	)
	if err != nil {
		// handle error
	}
	fmt.Println("open url to kick-off authentication: ", authURL)
}

func ExampleProvider_EndSessionURL() {
	ctx := context.Background()
	pc, err := oidc.NewConfig(
		"https://your-issuer.com/",
		"your_client_id",
		"your_client_secret",
		[]oidc.Alg{oidc.RS256},
		"https://your_redirect_url/oidc",
	)
	if err != nil {
		// handle error
	}
	p, err := oidc.NewProvider(ctx, pc)
	if err != nil {
		// handle error
	}
	logoutURL, err := p.EndSessionURL("raw-id-token", "https://your_app/")
	if err != nil {
		// the provider doesn't support RP-initiated logout
	}
	fmt.Println("redirect to: ", logoutURL)
}
