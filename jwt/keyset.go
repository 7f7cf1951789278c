package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"

	"github.com/go-jose/go-jose/v3"
)

// maxKeySetSize bounds the size of a JWKS document read from a provider.
const maxKeySetSize = 1 << 20

// KeySet is an immutable set of public keys used to verify the signatures of
// JWTs.  It satisfies the github.com/coreos/go-oidc KeySet interface, so it
// can back an oidc.IDTokenVerifier.
//
// Unlike a remote key set, a KeySet never fetches keys on its own.  Callers
// that need new keys build a new KeySet and replace the old one as a whole.
type KeySet struct {
	keys []jose.JSONWebKey
}

// NewKeySet returns a KeySet for the signing keys of the JSON Web Key Set.
// Keys that are explicitly for encryption, or that are private, are
// ignored.  At least one usable key is required.
func NewKeySet(jwks jose.JSONWebKeySet) (*KeySet, error) {
	const op = "jwt.NewKeySet"
	keys := make([]jose.JSONWebKey, 0, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.Valid() || !k.IsPublic() {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: no usable signing keys: %w", op, ErrInvalidKeySet)
	}
	return &KeySet{keys: keys}, nil
}

// ParseKeySet parses a JSON encoded JSON Web Key Set.
func ParseKeySet(data []byte) (*KeySet, error) {
	const op = "jwt.ParseKeySet"
	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(data, &jwks); err != nil {
		return nil, fmt.Errorf("%s: unable to decode key set (%s): %w", op, err, ErrInvalidKeySet)
	}
	ks, err := NewKeySet(jwks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ks, nil
}

// FetchKeySet retrieves the JSON Web Key Set published at jwksURL using the
// client provided.
func FetchKeySet(ctx context.Context, client *http.Client, jwksURL string) (*KeySet, error) {
	const op = "jwt.FetchKeySet"
	switch {
	case client == nil:
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	case jwksURL == "":
		return nil, fmt.Errorf("%s: jwks URL is empty: %w", op, ErrInvalidParameter)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request (%s): %w", op, err, ErrInvalidParameter)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to fetch keys: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read keys: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s returned %s: %w", op, jwksURL, resp.Status, ErrInvalidKeySet)
	}
	return ParseKeySet(body)
}

// NewStaticKeySet returns a KeySet for PEM-encoded public keys.  The given
// publicKeys must be of PEM-encoded x509 certificate or PKIX public key forms.
func NewStaticKeySet(publicKeys []string) (*KeySet, error) {
	const op = "jwt.NewStaticKeySet"
	jwks := jose.JSONWebKeySet{}
	for _, k := range publicKeys {
		key, err := parsePublicKeyPEM([]byte(k))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jwks.Keys = append(jwks.Keys, jose.JSONWebKey{Key: key, Use: "sig"})
	}
	return NewKeySet(jwks)
}

// VerifySignature parses the given JWT, verifies its signature, and returns
// its payload.  The given JWT must be of the JWS compact serialization form.
// When the token names a key ID, only keys with that ID (or without an ID)
// are tried.
func (ks *KeySet) VerifySignature(_ context.Context, token string) ([]byte, error) {
	const op = "KeySet.VerifySignature"
	jws, err := jose.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed jwt (%s): %w", op, err, ErrInvalidSignature)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one signature: %w", op, ErrInvalidSignature)
	}
	kid := jws.Signatures[0].Header.KeyID
	for _, k := range ks.keys {
		if kid != "" && k.KeyID != "" && k.KeyID != kid {
			continue
		}
		if payload, err := jws.Verify(k); err == nil {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("%s: no known key successfully validated the token signature: %w", op, ErrInvalidSignature)
}

// Len returns the number of keys in the set.
func (ks *KeySet) Len() int {
	return len(ks.keys)
}

// KeyIDs returns the IDs of the keys in the set.  Keys without an ID are
// skipped.
func (ks *KeySet) KeyIDs() []string {
	ids := make([]string, 0, len(ks.keys))
	for _, k := range ks.keys {
		if k.KeyID != "" {
			ids = append(ids, k.KeyID)
		}
	}
	return ids
}

// parsePublicKeyPEM is used to parse RSA, ECDSA and Ed25519 public keys from
// PEMs.
func parsePublicKeyPEM(data []byte) (interface{}, error) {
	const op = "jwt.parsePublicKeyPEM"
	block, _ := pem.Decode(data)
	if block != nil {
		var rawKey interface{}
		var err error
		if rawKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				rawKey = cert.PublicKey
			} else {
				return nil, fmt.Errorf("%s: unable to parse key (%s): %w", op, err, ErrInvalidParameter)
			}
		}

		switch k := rawKey.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
			return k, nil
		}
	}

	return nil, fmt.Errorf("%s: data does not contain any valid RSA, ECDSA or Ed25519 public keys: %w", op, ErrInvalidParameter)
}
