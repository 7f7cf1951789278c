package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// State is the state of a session record.
type State string

const (
	StateNone          State = "none"
	StatePending       State = "pending"
	StateAuthenticated State = "authenticated"
)

// Record is the state bound to a session ID.  A record is exactly one of:
// none, a pending login or an authenticated session.  The zero value is
// none.
type Record struct {
	pending       *PendingLogin
	authenticated *AuthenticatedSession
}

// None returns a record with no login.
func None() Record { return Record{} }

// Pending returns a record holding a pending login.
func Pending(p *PendingLogin) Record { return Record{pending: p} }

// Authenticated returns a record holding an authenticated session.
func Authenticated(a *AuthenticatedSession) Record { return Record{authenticated: a} }

// State returns the record's state.
func (r Record) State() State {
	switch {
	case r.pending != nil:
		return StatePending
	case r.authenticated != nil:
		return StateAuthenticated
	default:
		return StateNone
	}
}

// Pending returns the record's pending login, if it has one.
func (r Record) Pending() (*PendingLogin, bool) {
	return r.pending, r.pending != nil
}

// Authenticated returns the record's authenticated session, if it has one.
func (r Record) Authenticated() (*AuthenticatedSession, bool) {
	return r.authenticated, r.authenticated != nil
}

type recordJSON struct {
	State         State                 `json:"state"`
	Pending       *PendingLogin         `json:"pending,omitempty"`
	Authenticated *AuthenticatedSession `json:"authenticated,omitempty"`
}

// MarshalJSON encodes the record for a store.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		State:         r.State(),
		Pending:       r.pending,
		Authenticated: r.authenticated,
	})
}

// UnmarshalJSON decodes a record read from a store.  The state must agree
// with the payload present.
func (r *Record) UnmarshalJSON(data []byte) error {
	const op = "Record.UnmarshalJSON"
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidRecord, err)
	}
	if w.Pending != nil && w.Authenticated != nil {
		return fmt.Errorf("%s: record is both pending and authenticated: %w", op, ErrInvalidRecord)
	}
	rec := Record{pending: w.Pending, authenticated: w.Authenticated}
	if rec.State() != w.State {
		return fmt.Errorf("%s: state %q does not match its payload: %w", op, w.State, ErrInvalidRecord)
	}
	*r = rec
	return nil
}

func encodeRecord(r Record) ([]byte, error) {
	const op = "session.encodeRecord"
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidRecord, err)
	}
	return b, nil
}

func decodeRecord(b []byte) (Record, error) {
	const op = "session.decodeRecord"
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		if errors.Is(err, ErrInvalidRecord) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%s: %w: %w", op, ErrInvalidRecord, err)
	}
	return r, nil
}

// recordField is a payload field and the value a conditional store
// operation expects it to hold.
type recordField struct {
	name  string
	value string
}

// matchFields are the payload fields which tell one login from another: a
// pending login's state, an authenticated session's tokens.  The names are
// the fields' JSON names.
func (r Record) matchFields() []recordField {
	switch {
	case r.pending != nil:
		return []recordField{{name: "state", value: r.pending.State()}}
	case r.authenticated != nil:
		return []recordField{
			{name: "id_token", value: string(r.authenticated.IDToken)},
			{name: "refresh_token", value: string(r.authenticated.RefreshToken)},
		}
	default:
		return nil
	}
}

// sameLogin reports whether both records hold the same login.
func (r Record) sameLogin(o Record) bool {
	return r.State() == o.State() && slices.Equal(r.matchFields(), o.matchFields())
}
