package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrInvalidCACert              = errors.New("invalid CA certificate")
	ErrInvalidIssuer              = errors.New("invalid issuer")
	ErrDiscovery                  = errors.New("provider discovery failed")
	ErrMalformedMetadata          = errors.New("malformed provider metadata")
	ErrIDGeneratorFailed          = errors.New("id generation failed")
	ErrExpiredRequest             = errors.New("request is expired")
	ErrInvalidResponseState       = errors.New("invalid response state")
	ErrExchangeFailed             = errors.New("token exchange failed")
	ErrRefreshFailed              = errors.New("token refresh failed")
	ErrMissingIDToken             = errors.New("id_token is missing")
	ErrIDTokenVerificationFailed  = errors.New("id_token verification failed")
	ErrInvalidSignature           = errors.New("invalid signature")
	ErrExpiredToken               = errors.New("token is expired")
	ErrInvalidAudience            = errors.New("invalid audience")
	ErrInvalidNonce               = errors.New("invalid nonce")
	ErrMissingClaim               = errors.New("missing required claim")
	ErrUnsupportedAlg             = errors.New("unsupported signing algorithm")
	ErrUnsupportedChallengeMethod = errors.New("unsupported PKCE challenge method")
	ErrUnsupportedEndSession      = errors.New("provider does not support end_session")
	ErrNotFound                   = errors.New("not found")
)
