package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpgate/oidcrp/oidc"
)

// DefaultPendingLoginTimeout is the idle window of a pending login when none
// is given.
const DefaultPendingLoginTimeout = 5 * time.Minute

// PendingLogin is a login which has been redirected to the provider and is
// waiting for its callback.  It's consumed exactly once, and is discarded
// when its idle window passes.
//
// PendingLogin implements oidc.Request, so it can be passed directly to
// oidc.Provider.Exchange.
type PendingLogin struct {
	state     string
	nonce     string
	verifier  oidc.CodeVerifier
	returnTo  string
	createdAt time.Time
	expiresAt time.Time
	nowFunc   func() time.Time
}

var _ oidc.Request = (*PendingLogin)(nil)

// NewPendingLogin creates a PendingLogin for the request.  The returnTo is
// where the user is sent after a successful callback, and timeout is the
// pending login's idle window (DefaultPendingLoginTimeout when it's zero).
//
// Options supported: WithNow
func NewPendingLogin(r oidc.Request, returnTo string, timeout time.Duration, opt ...Option) (*PendingLogin, error) {
	const op = "session.NewPendingLogin"
	switch {
	case r == nil:
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	case r.State() == "" || r.Nonce() == "":
		return nil, fmt.Errorf("%s: request state and nonce are required: %w", op, ErrInvalidParameter)
	case r.PKCEVerifier() == nil:
		return nil, fmt.Errorf("%s: request PKCE verifier is nil: %w", op, ErrInvalidParameter)
	case timeout < 0:
		return nil, fmt.Errorf("%s: timeout is negative: %w", op, ErrInvalidParameter)
	}
	if timeout == 0 {
		timeout = DefaultPendingLoginTimeout
	}
	opts := getPendingOpts(opt...)
	p := &PendingLogin{
		state:    r.State(),
		nonce:    r.Nonce(),
		verifier: r.PKCEVerifier(),
		returnTo: returnTo,
		nowFunc:  opts.withNowFunc,
	}
	p.createdAt = p.now()
	p.expiresAt = p.createdAt.Add(timeout)
	return p, nil
}

// State implements the oidc.Request.State() interface function.
func (p *PendingLogin) State() string { return p.state }

// Nonce implements the oidc.Request.Nonce() interface function.
func (p *PendingLogin) Nonce() string { return p.nonce }

// PKCEVerifier implements the oidc.Request.PKCEVerifier() interface function.
func (p *PendingLogin) PKCEVerifier() oidc.CodeVerifier { return p.verifier }

// ReturnTo is where the user is sent after a successful callback.
func (p *PendingLogin) ReturnTo() string { return p.returnTo }

// CreatedAt is when the login was started.
func (p *PendingLogin) CreatedAt() time.Time { return p.createdAt }

// ExpiresAt is when the login's idle window ends.
func (p *PendingLogin) ExpiresAt() time.Time { return p.expiresAt }

// IsExpired returns true once the pending login's idle window has passed.
// Implements the oidc.Request.IsExpired() interface function; a skew given
// with oidc.WithExpirySkew is ignored since the idle window is exact.
func (p *PendingLogin) IsExpired(...oidc.Option) bool {
	return !p.now().Before(p.expiresAt)
}

func (p *PendingLogin) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}

type pendingJSON struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	Verifier  string    `json:"code_verifier"`
	ReturnTo  string    `json:"return_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MarshalJSON encodes the pending login for a store.  Unlike the oidc token
// types, nothing is redacted.
func (p *PendingLogin) MarshalJSON() ([]byte, error) {
	return json.Marshal(pendingJSON{
		State:     p.state,
		Nonce:     p.nonce,
		Verifier:  p.verifier.Verifier(),
		ReturnTo:  p.returnTo,
		CreatedAt: p.createdAt,
		ExpiresAt: p.expiresAt,
	})
}

// UnmarshalJSON decodes a pending login read from a store.
func (p *PendingLogin) UnmarshalJSON(data []byte) error {
	const op = "PendingLogin.UnmarshalJSON"
	var w pendingJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidRecord, err)
	}
	if w.State == "" || w.Nonce == "" || w.ExpiresAt.IsZero() {
		return fmt.Errorf("%s: state, nonce and expiration are required: %w", op, ErrInvalidRecord)
	}
	v, err := oidc.RestoreCodeVerifier(w.Verifier)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidRecord, err)
	}
	*p = PendingLogin{
		state:     w.State,
		nonce:     w.Nonce,
		verifier:  v,
		returnTo:  w.ReturnTo,
		createdAt: w.CreatedAt,
		expiresAt: w.ExpiresAt,
		nowFunc:   p.nowFunc,
	}
	return nil
}

type pendingOptions struct {
	withNowFunc func() time.Time
}

func getPendingOpts(opt ...Option) pendingOptions {
	var opts pendingOptions
	ApplyOpts(&opts, opt...)
	return opts
}
