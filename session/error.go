package session

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")

	// ErrNotFound means there's no record for a session ID.  Stores also
	// return it from TakePending when the record isn't a pending login.
	ErrNotFound = errors.New("not found")

	// ErrStore wraps every failure of a store's backend.  It must never be
	// treated as "not logged in".
	ErrStore = errors.New("session store error")

	ErrInvalidRecord       = errors.New("invalid session record")
	ErrNoPendingLogin      = errors.New("no pending login")
	ErrExpiredPendingLogin = errors.New("pending login is expired")
	ErrSubjectMismatch     = errors.New("subject changed")
)
