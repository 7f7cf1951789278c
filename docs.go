// oidcrp provides OpenID Connect relying party authentication for net/http
// servers.  Its packages are:
//
// * oidc: provider discovery, auth URLs, code exchange, id_token
// verification, refresh and end_session URLs.
//
// * jwt: the provider's signing key set.
//
// * session: session records and their stores (memory, Redis and
// Postgres).
//
// * rp: the auth gate middleware, and the login, callback and logout
// handlers.
//
// cmd/oidcrp is an example server which puts them together.
package oidcrp
