package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpgate/oidcrp/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable time source shared by a test's stores and
// bindings.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPendingLogin(t *testing.T, returnTo string, opt ...Option) *PendingLogin {
	t.Helper()
	r, err := oidc.NewRequest(time.Minute)
	require.NoError(t, err)
	p, err := NewPendingLogin(r, returnTo, time.Minute, opt...)
	require.NoError(t, err)
	return p
}

func testAuthenticatedSession(t *testing.T, subject string, expiry time.Time) *AuthenticatedSession {
	t.Helper()
	return &AuthenticatedSession{
		Claims:          Claims{Subject: subject, Additional: map[string]interface{}{"email": subject + "@example.com"}},
		Expiry:          expiry.UTC(),
		IDToken:         "header.payload.signature",
		AccessToken:     "access",
		RefreshToken:    "refresh",
		AuthenticatedAt: time.Now().Truncate(time.Second).UTC(),
	}
}

// testStore runs the behavior every Store must have.  Each subtest gets its
// own session IDs, so the store may be shared.
func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get-missing", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := s.Get(ctx, testID(t))
		require.Error(err)
		assert.Truef(errors.Is(err, ErrNotFound), "wanted \"%s\" but got \"%s\"", ErrNotFound, err)
	})
	t.Run("set-get-delete", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		a := testAuthenticatedSession(t, "alice", time.Now().Add(time.Hour))
		require.NoError(s.Set(ctx, id, Authenticated(a), time.Hour))

		got, err := s.Get(ctx, id)
		require.NoError(err)
		assert.Equal(StateAuthenticated, got.State())
		gotA, ok := got.Authenticated()
		require.True(ok)
		assert.Equal(a.Claims.Subject, gotA.Claims.Subject)
		assert.Equal(a.IDToken, gotA.IDToken)
		assert.Equal(a.RefreshToken, gotA.RefreshToken)
		assert.True(a.Expiry.Equal(gotA.Expiry))

		require.NoError(s.Delete(ctx, id))
		_, err = s.Get(ctx, id)
		assert.True(errors.Is(err, ErrNotFound))
		require.NoError(s.Delete(ctx, id), "deleting a missing id is not an error")
	})
	t.Run("set-replaces", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		require.NoError(s.Set(ctx, id, Pending(testPendingLogin(t, "/foo")), time.Hour))
		require.NoError(s.Set(ctx, id, Authenticated(testAuthenticatedSession(t, "bob", time.Now().Add(time.Hour))), time.Hour))
		got, err := s.Get(ctx, id)
		require.NoError(err)
		assert.Equal(StateAuthenticated, got.State())
	})
	t.Run("take-pending", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		p := testPendingLogin(t, "/foo")
		require.NoError(s.Set(ctx, id, Pending(p), time.Hour))

		got, err := s.TakePending(ctx, id)
		require.NoError(err)
		assert.Equal(p.State(), got.State())
		assert.Equal(p.Nonce(), got.Nonce())
		assert.Equal(p.PKCEVerifier().Verifier(), got.PKCEVerifier().Verifier())
		assert.Equal(p.PKCEVerifier().Challenge(), got.PKCEVerifier().Challenge())
		assert.Equal("/foo", got.ReturnTo())

		_, err = s.TakePending(ctx, id)
		assert.True(errors.Is(err, ErrNotFound), "a pending login is taken only once")
		_, err = s.Get(ctx, id)
		assert.True(errors.Is(err, ErrNotFound))
	})
	t.Run("take-not-pending", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		require.NoError(s.Set(ctx, id, Authenticated(testAuthenticatedSession(t, "alice", time.Now().Add(time.Hour))), time.Hour))
		_, err := s.TakePending(ctx, id)
		require.Error(err)
		assert.True(errors.Is(err, ErrNotFound))

		got, err := s.Get(ctx, id)
		require.NoError(err, "a record which isn't pending is left alone")
		assert.Equal(StateAuthenticated, got.State())
	})
	t.Run("concurrent-take-pending", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		require.NoError(s.Set(ctx, id, Pending(testPendingLogin(t, "/foo")), time.Hour))

		const callers = 16
		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.TakePending(ctx, id)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrNotFound):
					losses.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(int32(1), wins.Load())
		assert.Equal(int32(callers-1), losses.Load())
	})
	t.Run("delete-if", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		a := testAuthenticatedSession(t, "alice", time.Now().Add(time.Hour))
		require.NoError(s.Set(ctx, id, Authenticated(a), time.Hour))

		rotated := *a
		rotated.RefreshToken = "refresh-2"
		ok, err := s.DeleteIf(ctx, id, Authenticated(&rotated))
		require.NoError(err)
		assert.False(ok, "a session with other tokens is a different login")
		ok, err = s.DeleteIf(ctx, id, Pending(testPendingLogin(t, "/foo")))
		require.NoError(err)
		assert.False(ok)
		_, err = s.Get(ctx, id)
		require.NoError(err)

		ok, err = s.DeleteIf(ctx, id, Authenticated(a))
		require.NoError(err)
		assert.True(ok)
		_, err = s.Get(ctx, id)
		assert.True(errors.Is(err, ErrNotFound))
		ok, err = s.DeleteIf(ctx, id, Authenticated(a))
		require.NoError(err)
		assert.False(ok, "nothing left to delete")
	})
	t.Run("delete-if-pending", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		stale, fresh := testPendingLogin(t, "/foo"), testPendingLogin(t, "/bar")
		require.NoError(s.Set(ctx, id, Pending(fresh), time.Hour))

		ok, err := s.DeleteIf(ctx, id, Pending(stale))
		require.NoError(err)
		assert.False(ok, "a newer pending login is kept")
		ok, err = s.DeleteIf(ctx, id, Pending(fresh))
		require.NoError(err)
		assert.True(ok)
	})
	t.Run("extend", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		id := testID(t)
		a := testAuthenticatedSession(t, "alice", time.Now().Add(time.Hour))
		require.NoError(s.Set(ctx, id, Authenticated(a), time.Hour))

		ok, err := s.Extend(ctx, id, Authenticated(a), 2*time.Hour)
		require.NoError(err)
		assert.True(ok)
		other := testAuthenticatedSession(t, "alice", time.Now().Add(time.Hour))
		other.IDToken = "other.id.token"
		ok, err = s.Extend(ctx, id, Authenticated(other), 2*time.Hour)
		require.NoError(err)
		assert.False(ok)
		ok, err = s.Extend(ctx, testID(t), Authenticated(a), 2*time.Hour)
		require.NoError(err)
		assert.False(ok, "a missing record isn't created")
	})
	t.Run("invalid-parameters", func(t *testing.T) {
		assert := assert.New(t)
		_, err := s.Get(ctx, "")
		assert.True(errors.Is(err, ErrInvalidParameter))
		assert.True(errors.Is(s.Set(ctx, "", None(), time.Hour), ErrInvalidParameter))
		assert.True(errors.Is(s.Set(ctx, testID(t), None(), 0), ErrInvalidParameter))
		assert.True(errors.Is(s.Delete(ctx, ""), ErrInvalidParameter))
		_, err = s.TakePending(ctx, "")
		assert.True(errors.Is(err, ErrInvalidParameter))
		_, err = s.DeleteIf(ctx, "", Pending(testPendingLogin(t, "/foo")))
		assert.True(errors.Is(err, ErrInvalidParameter))
		_, err = s.DeleteIf(ctx, testID(t), None())
		assert.True(errors.Is(err, ErrInvalidParameter))
		_, err = s.Extend(ctx, testID(t), Pending(testPendingLogin(t, "/foo")), 0)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
}

func testID(t *testing.T) string {
	t.Helper()
	id, err := oidc.NewID(oidc.WithPrefix("s"))
	require.NoError(t, err)
	return id
}
