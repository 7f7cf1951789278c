/*
Package oidc is a package for relying parties which authenticate users with
an OIDC provider, using the authorization code flow with PKCE.

Primary types provided by the package

* Config: provides the configuration for the relying party (for example:
client ID/secret, redirect URL, supported signing algorithms, additional
scopes and audiences, the provider's CA and timeout).

* Provider: provides integration with a provider.  It discovers the
provider's metadata and signing keys once and caches them until Rediscover
is called.  It generates auth URLs, exchanges codes for tokens, verifies
id_tokens, refreshes tokens and builds end_session URLs.

* Request: represents one authentication flow for a user.  It carries the
state, nonce and PKCE code verifier needed to complete the flow, and an
expiration.

* Token: represents a verified id_token, as well as an oauth2 access_token
and refresh_token (including the access_token expiry).

* TestProvider: a local TLS provider for tests.

Every error returned by discovery wraps ErrDiscovery, and every id_token
verification error wraps ErrIDTokenVerificationFailed.  Use errors.Is to
check for the more specific errors defined by the package.
*/
package oidc
