package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpgate/oidcrp/oidc"
)

// AuthenticatedSession is a session whose user has logged in.  It's created
// from a verified id_token and is destroyed on logout or expiry.
type AuthenticatedSession struct {
	// Claims are the user's verified claims.
	Claims Claims

	// Expiry is the id_token's expiration.
	Expiry time.Time

	// IDToken is the raw id_token, kept as the id_token_hint for logout.
	IDToken oidc.IDToken

	// AccessToken and RefreshToken are optional.
	AccessToken  oidc.AccessToken
	RefreshToken oidc.RefreshToken

	// AuthenticatedAt is when the callback completed.
	AuthenticatedAt time.Time
}

// NewAuthenticatedSession creates an AuthenticatedSession from the token of a
// successful code exchange.  The token's id_token must have been verified.
//
// Options supported: WithNow
func NewAuthenticatedSession(tk *oidc.Token, opt ...Option) (*AuthenticatedSession, error) {
	const op = "session.NewAuthenticatedSession"
	switch {
	case tk == nil:
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	case tk.Claims() == nil || tk.IDToken() == "":
		return nil, fmt.Errorf("%s: token has no verified id_token: %w", op, ErrInvalidParameter)
	}
	claims, err := NewClaims(tk.Claims())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getAuthenticatedOpts(opt...)
	return &AuthenticatedSession{
		Claims:          claims,
		Expiry:          tk.Claims().Expiry,
		IDToken:         tk.IDToken(),
		AccessToken:     tk.AccessToken(),
		RefreshToken:    tk.RefreshToken(),
		AuthenticatedAt: opts.now(),
	}, nil
}

// IsExpired returns true when the session's id_token has expired.
func (a *AuthenticatedSession) IsExpired(now time.Time) bool {
	return !now.Before(a.Expiry)
}

// CanRefresh returns true when the session holds a refresh token.
func (a *AuthenticatedSession) CanRefresh() bool {
	return a.RefreshToken != ""
}

// Refreshed returns a copy of the session updated with the token of a
// successful refresh.  When the token carries a new id_token, its subject
// must match the session's.  When it doesn't, the claims are kept and the
// access_token's expiry becomes the session's expiry.
func (a *AuthenticatedSession) Refreshed(tk *oidc.Token) (*AuthenticatedSession, error) {
	const op = "AuthenticatedSession.Refreshed"
	if tk == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	cp := *a
	cp.AccessToken = tk.AccessToken()
	if tk.RefreshToken() != "" {
		cp.RefreshToken = tk.RefreshToken()
	}
	if tk.Claims() == nil {
		if tk.Expiry().IsZero() {
			return nil, fmt.Errorf("%s: refresh returned neither an id_token nor an expiry: %w", op, ErrInvalidParameter)
		}
		cp.Expiry = tk.Expiry()
		return &cp, nil
	}
	claims, err := NewClaims(tk.Claims())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if claims.Subject != a.Claims.Subject {
		return nil, fmt.Errorf("%s: %w", op, ErrSubjectMismatch)
	}
	cp.Claims = claims
	cp.Expiry = tk.Claims().Expiry
	cp.IDToken = tk.IDToken()
	return &cp, nil
}

type authenticatedJSON struct {
	Claims          Claims    `json:"claims"`
	Expiry          time.Time `json:"expiry"`
	IDToken         string    `json:"id_token"`
	AccessToken     string    `json:"access_token,omitempty"`
	RefreshToken    string    `json:"refresh_token,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// MarshalJSON encodes the session for a store.  The tokens are written
// unredacted.
func (a *AuthenticatedSession) MarshalJSON() ([]byte, error) {
	return json.Marshal(authenticatedJSON{
		Claims:          a.Claims,
		Expiry:          a.Expiry,
		IDToken:         string(a.IDToken),
		AccessToken:     string(a.AccessToken),
		RefreshToken:    string(a.RefreshToken),
		AuthenticatedAt: a.AuthenticatedAt,
	})
}

// UnmarshalJSON decodes a session read from a store.
func (a *AuthenticatedSession) UnmarshalJSON(data []byte) error {
	const op = "AuthenticatedSession.UnmarshalJSON"
	var w authenticatedJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidRecord, err)
	}
	if w.Claims.Subject == "" || w.Expiry.IsZero() {
		return fmt.Errorf("%s: subject and expiry are required: %w", op, ErrInvalidRecord)
	}
	*a = AuthenticatedSession{
		Claims:          w.Claims,
		Expiry:          w.Expiry,
		IDToken:         oidc.IDToken(w.IDToken),
		AccessToken:     oidc.AccessToken(w.AccessToken),
		RefreshToken:    oidc.RefreshToken(w.RefreshToken),
		AuthenticatedAt: w.AuthenticatedAt,
	}
	return nil
}

type authenticatedOptions struct {
	withNowFunc func() time.Time
}

func (o authenticatedOptions) now() time.Time {
	if o.withNowFunc != nil {
		return o.withNowFunc()
	}
	return time.Now()
}

func getAuthenticatedOpts(opt ...Option) authenticatedOptions {
	var opts authenticatedOptions
	ApplyOpts(&opts, opt...)
	return opts
}
