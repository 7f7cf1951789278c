package jwt

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")
	ErrInvalidKeySet    = errors.New("invalid key set")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMalformedToken   = errors.New("malformed token")
)
