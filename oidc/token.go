package oidc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpgate/oidcrp/jwt"
)

// IDToken is an oidc id_token.
// See https://openid.net/specs/openid-connect-core-1_0.html#IDToken.
type IDToken string

// RedactedIDToken is the redacted string or json for an oidc id_token.
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token.
func (t IDToken) String() string {
	return RedactedIDToken
}

// MarshalJSON will redact the token.
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIDToken)
}

// Claims retrieves the IDToken claims without verifying the token.  Only use
// it on tokens that have already been verified.
func (t IDToken) Claims(claims interface{}) error {
	const op = "IDToken.Claims"
	if len(t) == 0 {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	return jwt.UnmarshalClaims(string(t), claims)
}

// AccessToken is an oauth access_token.
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token.
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token.
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token.
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token.
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token.
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token.
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token.
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// IDTokenClaims are the claims of a verified id_token.
type IDTokenClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time
	Nonce    string

	// Raw contains every claim in the id_token, including the registered
	// ones above.
	Raw map[string]interface{}
}

// Token represents the tokens returned by a successful authorization code
// exchange or refresh.  The id_token it carries has already been verified.
type Token struct {
	idToken      IDToken
	accessToken  AccessToken
	refreshToken RefreshToken
	expiry       time.Time
	claims       *IDTokenClaims
	nowFunc      func() time.Time
}

// IDToken returns the verified id_token.
func (t *Token) IDToken() IDToken { return t.idToken }

// AccessToken returns the access_token.
func (t *Token) AccessToken() AccessToken { return t.accessToken }

// RefreshToken returns the refresh_token, which may be empty.
func (t *Token) RefreshToken() RefreshToken { return t.refreshToken }

// Claims returns the verified id_token's claims.
func (t *Token) Claims() *IDTokenClaims { return t.claims }

// Expiry returns the access_token's expiration.  A zero value means the
// provider didn't specify one.
func (t *Token) Expiry() time.Time { return t.expiry }

// TokenExpirySkew defines a time skew when checking a Token's expiration.
const TokenExpirySkew = 10 * time.Second

// IsExpired will return true if the token's access token is expired or
// about to expire.  Supports the WithExpirySkew option.
func (t *Token) IsExpired(opt ...Option) bool {
	if t.expiry.IsZero() {
		return false
	}
	opts := getExpiryOpts(TokenExpirySkew, opt...)
	return t.expiry.Round(0).Before(t.now().Add(opts.withExpirySkew))
}

// Valid will ensure that the access_token is not empty or expired.
func (t *Token) Valid() bool {
	if t == nil {
		return false
	}
	if t.accessToken == "" {
		return false
	}
	return !t.IsExpired()
}

func (t *Token) now() time.Time {
	if t.nowFunc != nil {
		return t.nowFunc()
	}
	return time.Now()
}
