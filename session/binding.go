package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rpgate/oidcrp/oidc"
)

// DefaultSessionTTL is how long a store keeps an authenticated session which
// can be refreshed.
const DefaultSessionTTL = 24 * time.Hour

// pendingRetention is how long a store keeps a pending login after its idle
// window, so a late callback is reported as expired rather than missing.
const pendingRetention = time.Minute

// Binding binds session IDs to their login state.  It enforces the
// transitions none -> pending -> authenticated -> none on top of a Store,
// and never reports a store failure as "not logged in".
type Binding struct {
	store       Store
	sessionTTL  time.Duration
	idleTimeout time.Duration
	nowFunc     func() time.Time
	logger      hclog.Logger
}

// NewBinding creates a Binding over the store.
//
// Options supported: WithNow, WithLogger, WithSessionTTL, WithIdleTimeout
func NewBinding(store Store, opt ...Option) (*Binding, error) {
	const op = "session.NewBinding"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, ErrNilParameter)
	}
	opts := getBindingOpts(opt...)
	return &Binding{
		store:       store,
		sessionTTL:  opts.withSessionTTL,
		idleTimeout: opts.withIdleTimeout,
		nowFunc:     opts.withNowFunc,
		logger:      opts.withLogger.Named("binding"),
	}, nil
}

// Store returns the binding's store.
func (b *Binding) Store() Store { return b.store }

// Lookup returns the session's current record.  An unknown session, an
// expired pending login and an expired session which can't be refreshed all
// read as None; the latter two are deleted, unless the session has moved on
// to another login meanwhile.  An expired session holding a refresh token is
// returned as is, so the caller can refresh it.
func (b *Binding) Lookup(ctx context.Context, id string) (Record, error) {
	const op = "Binding.Lookup"
	r, err := b.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return None(), nil
	case err != nil:
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	now := b.now()
	stale := false
	switch r.State() {
	case StatePending:
		p, _ := r.Pending()
		stale = !now.Before(p.ExpiresAt())
	case StateAuthenticated:
		a, _ := r.Authenticated()
		stale = a.IsExpired(now) && !a.CanRefresh()
	}
	if !stale {
		return r, nil
	}
	b.logger.Debug("discarding expired session record", "state", r.State())
	if _, err := b.store.DeleteIf(ctx, id, r); err != nil {
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	return None(), nil
}

// BeginLogin records the pending login for the session, replacing whatever
// the session held.  The store drops it shortly after its idle window ends.
func (b *Binding) BeginLogin(ctx context.Context, id string, p *PendingLogin) error {
	const op = "Binding.BeginLogin"
	if p == nil {
		return fmt.Errorf("%s: pending login is nil: %w", op, ErrNilParameter)
	}
	ttl := p.ExpiresAt().Sub(b.now())
	if ttl <= 0 {
		return fmt.Errorf("%s: %w", op, ErrExpiredPendingLogin)
	}
	if err := b.store.Set(ctx, id, Pending(p), ttl+pendingRetention); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ConsumePending takes the session's pending login.  It succeeds at most
// once per pending login, even when called concurrently.  It returns
// ErrNoPendingLogin when there's nothing to take and ErrExpiredPendingLogin
// when the pending login's idle window has passed; in both cases the session
// no longer holds a pending login.
func (b *Binding) ConsumePending(ctx context.Context, id string) (*PendingLogin, error) {
	const op = "Binding.ConsumePending"
	p, err := b.store.TakePending(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("%s: %w", op, ErrNoPendingLogin)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.nowFunc = b.nowFunc
	if p.IsExpired() {
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredPendingLogin)
	}
	return p, nil
}

// Authenticate records the authenticated session.  A session which can't be
// refreshed is kept no longer than its id_token is valid, and with an idle
// timeout no session is kept longer than that without a Touch.
func (b *Binding) Authenticate(ctx context.Context, id string, a *AuthenticatedSession) error {
	const op = "Binding.Authenticate"
	switch {
	case a == nil:
		return fmt.Errorf("%s: authenticated session is nil: %w", op, ErrNilParameter)
	case a.Claims.Subject == "":
		return fmt.Errorf("%s: subject is empty: %w", op, ErrInvalidParameter)
	}
	ttl := b.ttl(a)
	if ttl <= 0 {
		return fmt.Errorf("%s: session is already expired: %w", op, ErrInvalidParameter)
	}
	if err := b.store.Set(ctx, id, Authenticated(a), ttl); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Refresh updates the session with the token of a successful refresh and
// stores it.  It returns ErrSubjectMismatch, and leaves the store untouched,
// when the refreshed id_token is for a different user.
func (b *Binding) Refresh(ctx context.Context, id string, a *AuthenticatedSession, tk *oidc.Token) (*AuthenticatedSession, error) {
	const op = "Binding.Refresh"
	if a == nil {
		return nil, fmt.Errorf("%s: authenticated session is nil: %w", op, ErrNilParameter)
	}
	refreshed, err := a.Refreshed(tk)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := b.Authenticate(ctx, id, refreshed); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return refreshed, nil
}

// Touch restarts the idle timeout of the session holding a.  It does nothing
// without an idle timeout, or once the session holds another login.
func (b *Binding) Touch(ctx context.Context, id string, a *AuthenticatedSession) error {
	const op = "Binding.Touch"
	if a == nil {
		return fmt.Errorf("%s: authenticated session is nil: %w", op, ErrNilParameter)
	}
	if b.idleTimeout <= 0 {
		return nil
	}
	ttl := b.ttl(a)
	if ttl <= 0 {
		return nil
	}
	if _, err := b.store.Extend(ctx, id, Authenticated(a), ttl); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Discard deletes the session's record only while it still holds the same
// login as r, so a login which replaced r is kept.  It reports whether the
// record was deleted.
func (b *Binding) Discard(ctx context.Context, id string, r Record) (bool, error) {
	const op = "Binding.Discard"
	ok, err := b.store.DeleteIf(ctx, id, r)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

// Destroy deletes the session's record and returns what it held, so logout
// can still use the id_token as a hint.
func (b *Binding) Destroy(ctx context.Context, id string) (Record, error) {
	const op = "Binding.Destroy"
	r, err := b.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidRecord):
		r = None()
	case err != nil:
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := b.store.Delete(ctx, id); err != nil {
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// ttl is how long the store keeps the authenticated session.
func (b *Binding) ttl(a *AuthenticatedSession) time.Duration {
	ttl := b.sessionTTL
	if b.idleTimeout > 0 && b.idleTimeout < ttl {
		ttl = b.idleTimeout
	}
	if !a.CanRefresh() {
		if d := a.Expiry.Sub(b.now()); d < ttl {
			ttl = d
		}
	}
	return ttl
}

func (b *Binding) now() time.Time {
	if b.nowFunc != nil {
		return b.nowFunc()
	}
	return time.Now()
}

type bindingOptions struct {
	withNowFunc     func() time.Time
	withLogger      hclog.Logger
	withSessionTTL  time.Duration
	withIdleTimeout time.Duration
}

func bindingDefaults() bindingOptions {
	return bindingOptions{
		withLogger:     hclog.NewNullLogger(),
		withSessionTTL: DefaultSessionTTL,
	}
}

func getBindingOpts(opt ...Option) bindingOptions {
	opts := bindingDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithSessionTTL sets how long an authenticated session which can be
// refreshed is kept.  Valid for: NewBinding.
func WithSessionTTL(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*bindingOptions); ok && d > 0 {
			v.withSessionTTL = d
		}
	}
}

// WithIdleTimeout drops an authenticated session which goes unused for the
// duration; each Touch restarts it.  Valid for: NewBinding.
func WithIdleTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*bindingOptions); ok && d > 0 {
			v.withIdleTimeout = d
		}
	}
}
