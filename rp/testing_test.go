package rp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rpgate/oidcrp/oidc"
	"github.com/rpgate/oidcrp/session"
	"github.com/stretchr/testify/require"
)

const (
	testRedirect           = "https://rp.example.com/oidc"
	testPostLogoutRedirect = "https://rp.example.com/"
)

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

// testEnv is a relying party wired to a TestProvider, with every component
// sharing one clock.
type testEnv struct {
	tp      *oidc.TestProvider
	rp      *RelyingParty
	store   *session.MemoryStore
	binding *session.Binding
	clock   *testClock
	app     http.Handler
}

type testEnvOpts struct {
	clientID    string
	setup       func(tp *oidc.TestProvider)
	rpOpts      []Option
	bindingOpts []session.Option
}

func newTestEnv(t *testing.T, o testEnvOpts) *testEnv {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()
	clock := newTestClock()

	tp := oidc.StartTestProvider(t)
	tp.SetNowFunc(clock.Now)
	if o.clientID != "" {
		tp.SetClientCreds(o.clientID, "test-secret")
	}
	if o.setup != nil {
		o.setup(tp)
	}
	clientID, clientSecret := tp.ClientCreds()
	cfg, err := oidc.NewConfig(tp.Addr(), clientID, oidc.ClientSecret(clientSecret), []oidc.Alg{oidc.ES256}, testRedirect,
		oidc.WithProviderCA(tp.CACert()), oidc.WithNow(clock.Now))
	require.NoError(err)
	p, err := oidc.NewProvider(ctx, cfg)
	require.NoError(err)

	store := session.NewMemoryStore(session.WithNow(clock.Now))
	t.Cleanup(func() { _ = store.Close(ctx) })
	b, err := session.NewBinding(store, append([]session.Option{session.WithNow(clock.Now)}, o.bindingOpts...)...)
	require.NoError(err)
	r, err := NewRelyingParty(p, b, append([]Option{WithNow(clock.Now)}, o.rpOpts...)...)
	require.NoError(err)

	return &testEnv{
		tp:      tp,
		rp:      r,
		store:   store,
		binding: b,
		clock:   clock,
		app:     testApp(r),
	}
}

// testApp is the demo application: /foo needs a login, /bar shows the user
// when there is one.
func testApp(r *RelyingParty) http.Handler {
	mux := chi.NewRouter()
	mux.Method(http.MethodGet, "/oidc", r.CallbackHandler())
	mux.Method(http.MethodGet, "/login", r.LoginHandler())
	mux.Method(http.MethodGet, "/logout", r.LogoutHandler(testPostLogoutRedirect))
	mux.With(r.RequireAuth).Get("/foo", func(w http.ResponseWriter, req *http.Request) {
		c, err := ClaimsFromContext(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "foo %s", c.Subject)
	})
	mux.With(r.Middleware).Get("/bar", func(w http.ResponseWriter, req *http.Request) {
		if c, ok := OptionalClaims(req.Context()); ok {
			fmt.Fprintf(w, "bar %s", c.Subject)
			return
		}
		fmt.Fprint(w, "bar anonymous")
	})
	return mux
}

// testBrowser is a user agent with a cookie jar of one session cookie.
type testBrowser struct {
	t       *testing.T
	app     http.Handler
	cookie  *http.Cookie
	headers http.Header
}

func (e *testEnv) browser(t *testing.T) *testBrowser {
	return &testBrowser{t: t, app: e.app, headers: http.Header{}}
}

func (b *testBrowser) get(target string) *httptest.ResponseRecorder {
	b.t.Helper()
	u, err := url.Parse(target)
	require.NoError(b.t, err)
	req := httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
	for k, v := range b.headers {
		req.Header[k] = v
	}
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	rec := httptest.NewRecorder()
	b.app.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name != DefaultCookieName {
			continue
		}
		if c.MaxAge < 0 || c.Value == "" {
			b.cookie = nil
			continue
		}
		b.cookie = c
	}
	return rec
}

func (b *testBrowser) sessionID() string {
	if b.cookie == nil {
		return ""
	}
	return b.cookie.Value
}

// login follows a complete login which starts at path, and returns the
// callback's response.
func (b *testBrowser) login(tp *oidc.TestProvider, path string) *httptest.ResponseRecorder {
	b.t.Helper()
	require := require.New(b.t)
	start := b.get(path)
	require.Equal(http.StatusFound, start.Code)
	callback, err := tp.Authorize(start.Header().Get("Location"))
	require.NoError(err)
	return b.get(callback.String())
}

// testFailingStore fails every call.
type testFailingStore struct{}

var errTestStoreDown = errors.New("store is down")

func (testFailingStore) Get(context.Context, string) (session.Record, error) {
	return session.Record{}, errors.Join(session.ErrStore, errTestStoreDown)
}

func (testFailingStore) Set(context.Context, string, session.Record, time.Duration) error {
	return errors.Join(session.ErrStore, errTestStoreDown)
}

func (testFailingStore) Delete(context.Context, string) error {
	return errors.Join(session.ErrStore, errTestStoreDown)
}

func (testFailingStore) TakePending(context.Context, string) (*session.PendingLogin, error) {
	return nil, errors.Join(session.ErrStore, errTestStoreDown)
}

func (testFailingStore) DeleteIf(context.Context, string, session.Record) (bool, error) {
	return false, errors.Join(session.ErrStore, errTestStoreDown)
}

func (testFailingStore) Extend(context.Context, string, session.Record, time.Duration) (bool, error) {
	return false, errors.Join(session.ErrStore, errTestStoreDown)
}

func (testFailingStore) Close(context.Context) error { return nil }

// testTamperingTransport corrupts the signature of id_tokens in token
// endpoint responses.
type testTamperingTransport struct {
	next     http.RoundTripper
	tampered atomic.Bool
}

func (tt *testTamperingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := tt.next.RoundTrip(req)
	if err != nil || !strings.HasSuffix(req.URL.Path, "/token") || resp.StatusCode != http.StatusOK {
		return resp, err
	}
	defer resp.Body.Close()
	body := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if idToken, ok := body["id_token"].(string); ok {
		parts := strings.Split(idToken, ".")
		sig := []byte(parts[2])
		i := len(sig) / 2
		if sig[i] == 'A' {
			sig[i] = 'B'
		} else {
			sig[i] = 'A'
		}
		parts[2] = string(sig)
		body["id_token"] = strings.Join(parts, ".")
		tt.tampered.Store(true)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
	resp.ContentLength = int64(len(b))
	resp.Header.Del("Content-Length")
	return resp, nil
}

// testRacingStore runs afterGet once, right after the next Get, like another
// replica writing the session between this one's read and write.
type testRacingStore struct {
	session.Store

	mu       sync.Mutex
	afterGet func()
}

func (s *testRacingStore) Get(ctx context.Context, id string) (session.Record, error) {
	r, err := s.Store.Get(ctx, id)
	s.mu.Lock()
	f := s.afterGet
	s.afterGet = nil
	s.mu.Unlock()
	if f != nil {
		f()
	}
	return r, err
}
