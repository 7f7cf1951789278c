package jwt

import (
	"encoding/json"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// UnmarshalClaims decodes the payload of a compact serialized JWT into
// claims.  The signature is NOT verified, so this should only be used with
// tokens that were verified when they were received.
func UnmarshalClaims(token string, claims interface{}) error {
	const op = "jwt.UnmarshalClaims"
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	mapClaims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		return fmt.Errorf("%s: unable to parse jwt (%s): %w", op, err, ErrMalformedToken)
	}
	b, err := json.Marshal(mapClaims)
	if err != nil {
		return fmt.Errorf("%s: unable to encode claims: %w", op, err)
	}
	if err := json.Unmarshal(b, claims); err != nil {
		return fmt.Errorf("%s: unable to decode claims: %w", op, err)
	}
	return nil
}
