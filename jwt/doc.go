/*
Package jwt holds the signing key sets used to verify id_tokens.

A KeySet is an immutable snapshot of a provider's published JSON Web Key Set.
It's fetched once, during discovery, and replaced as a whole when the
provider is rediscovered, so concurrent readers always verify against a
complete set of keys.
*/
package jwt
