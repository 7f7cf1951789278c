package session

import (
	"fmt"

	"github.com/rpgate/oidcrp/oidc"
)

// registeredClaims are the id_token claims which describe the token itself
// rather than the user, so they're not kept with a session's claims.
var registeredClaims = map[string]bool{
	"iss":     true,
	"sub":     true,
	"aud":     true,
	"exp":     true,
	"iat":     true,
	"nbf":     true,
	"jti":     true,
	"nonce":   true,
	"azp":     true,
	"at_hash": true,
	"c_hash":  true,
}

// Claims are the verified identity claims of an authenticated session.
type Claims struct {
	// Subject is the provider's identifier for the user.  It's never empty
	// for an authenticated session.
	Subject string `json:"sub"`

	// Additional holds the rest of the user's claims (email, name, groups,
	// etc).
	Additional map[string]interface{} `json:"additional,omitempty"`
}

// NewClaims returns the Claims of a verified id_token.
func NewClaims(c *oidc.IDTokenClaims) (Claims, error) {
	const op = "session.NewClaims"
	switch {
	case c == nil:
		return Claims{}, fmt.Errorf("%s: id_token claims are nil: %w", op, ErrNilParameter)
	case c.Subject == "":
		return Claims{}, fmt.Errorf("%s: subject is empty: %w", op, ErrInvalidParameter)
	}
	additional := make(map[string]interface{}, len(c.Raw))
	for k, v := range c.Raw {
		if !registeredClaims[k] {
			additional[k] = v
		}
	}
	return Claims{Subject: c.Subject, Additional: additional}, nil
}

// Get returns the named claim.  "sub" returns the Subject.
func (c Claims) Get(name string) (interface{}, bool) {
	if name == "sub" {
		return c.Subject, c.Subject != ""
	}
	v, ok := c.Additional[name]
	return v, ok
}

// String returns the named claim when it's a string.
func (c Claims) String(name string) (string, bool) {
	v, ok := c.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns the named claim when it's a list of strings, like a
// "groups" claim.  A single string is returned as a list of one.
func (c Claims) Strings(name string) ([]string, bool) {
	v, ok := c.Get(name)
	if !ok {
		return nil, false
	}
	switch vv := v.(type) {
	case string:
		return []string{vv}, true
	case []string:
		return vv, true
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
