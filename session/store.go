package session

import (
	"context"
	"fmt"
	"time"
)

// Store persists session records by session ID.  Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the record for the ID.  It returns ErrNotFound when there
	// isn't one.
	Get(ctx context.Context, id string) (Record, error)

	// Set stores the record for the ID, replacing any existing record.  The
	// record is dropped by the store once ttl passes.
	Set(ctx context.Context, id string, r Record, ttl time.Duration) error

	// Delete removes the ID's record.  Deleting an unknown ID isn't an
	// error.
	Delete(ctx context.Context, id string) error

	// TakePending atomically removes and returns the ID's pending login.
	// When two callers race for the same pending login, at most one of them
	// gets it.  It returns ErrNotFound when the ID's record isn't pending,
	// and leaves a non-pending record untouched.
	TakePending(ctx context.Context, id string) (*PendingLogin, error)

	// DeleteIf removes the ID's record only while it still holds the same
	// login as r: the same pending login, or an authenticated session with
	// the same tokens.  It reports whether a record was removed.
	DeleteIf(ctx context.Context, id string, r Record) (bool, error)

	// Extend resets the ttl of the ID's record only while it still holds the
	// same login as r.  It reports whether the record was extended.
	Extend(ctx context.Context, id string, r Record, ttl time.Duration) (bool, error)

	// Close releases the store's resources.
	Close(ctx context.Context) error
}

func validID(id string) bool {
	return id != ""
}

// validMatch checks the arguments of a conditional store operation.
func validMatch(id string, r Record) error {
	switch {
	case !validID(id):
		return fmt.Errorf("session id is empty: %w", ErrInvalidParameter)
	case r.State() == StateNone:
		return fmt.Errorf("record to match holds no login: %w", ErrInvalidParameter)
	}
	return nil
}
