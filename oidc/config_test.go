package oidc

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSecret_String(t *testing.T) {
	t.Parallel()
	t.Run("redacted", func(t *testing.T) {
		assert := assert.New(t)
		const want = RedactedClientSecret
		secret := ClientSecret("bob's phone number")
		assert.Equalf(want, secret.String(), "ClientSecret.String() = %v, want %v", secret.String(), want)
		assert.Equal(want, fmt.Sprintf("%v", secret))
	})
}

func TestClientSecret_MarshalJSON(t *testing.T) {
	t.Parallel()
	t.Run("redacted", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		want := fmt.Sprintf(`"%s"`, RedactedClientSecret)
		secret := ClientSecret("bob's phone number")
		got, err := secret.MarshalJSON()
		require.NoError(err)
		assert.Equalf([]byte(want), got, "ClientSecret.MarshalJSON() = %s, want %s", got, want)
	})
}

func TestNewConfig(t *testing.T) {
	t.Parallel()
	testCaPem := TestGenerateCA(t, []string{"localhost"})
	testNow := func() time.Time {
		return time.Now().Add(-1 * time.Minute)
	}

	type args struct {
		issuer       string
		clientID     string
		clientSecret ClientSecret
		supported    []Alg
		redirectURL  string
		opt          []Option
	}
	tests := []struct {
		name      string
		args      args
		want      *Config
		wantErr   bool
		wantIsErr error
	}{
		{
			name: "valid-with-all-valid-opts",
			args: args{
				issuer:       "http://YOUR_ISSUER/",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
				redirectURL:  "http://YOUR_REDIRECT_URL",
				opt: []Option{
					WithAudiences("YOUR_AUD1", "YOUR_AUD2"),
					WithScopes("email", "profile"),
					WithProviderCA(testCaPem),
					WithProviderTimeout(3 * time.Second),
					WithNow(testNow),
				},
			},
			want: &Config{
				Issuer:               "http://YOUR_ISSUER/",
				ClientID:             "YOUR_CLIENT_ID",
				ClientSecret:         "YOUR_CLIENT_SECRET",
				SupportedSigningAlgs: []Alg{RS512},
				RedirectURL:          "http://YOUR_REDIRECT_URL",
				Audiences:            []string{"YOUR_AUD1", "YOUR_AUD2"},
				Scopes:               []string{"email", "profile"},
				ProviderCA:           testCaPem,
				ProviderTimeout:      3 * time.Second,
				NowFunc:              testNow,
			},
		},
		{
			name: "valid-public-client",
			args: args{
				issuer:      "https://YOUR_ISSUER/",
				clientID:    "YOUR_CLIENT_ID",
				supported:   []Alg{ES256, EdDSA},
				redirectURL: "https://YOUR_REDIRECT_URL/oidc",
			},
			want: &Config{
				Issuer:               "https://YOUR_ISSUER/",
				ClientID:             "YOUR_CLIENT_ID",
				SupportedSigningAlgs: []Alg{ES256, EdDSA},
				RedirectURL:          "https://YOUR_REDIRECT_URL/oidc",
			},
		},
		{
			name: "empty-issuer",
			args: args{
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
				redirectURL:  "http://YOUR_REDIRECT_URL",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "issuer-bad-scheme",
			args: args{
				issuer:       "ftp://YOUR_ISSUER/",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
				redirectURL:  "http://YOUR_REDIRECT_URL",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidIssuer,
		},
		{
			name: "issuer-with-query",
			args: args{
				issuer:       "https://YOUR_ISSUER/?tenant=1",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
				redirectURL:  "http://YOUR_REDIRECT_URL",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidIssuer,
		},
		{
			name: "empty-client-id",
			args: args{
				issuer:       "http://YOUR_ISSUER/",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
				redirectURL:  "http://YOUR_REDIRECT_URL",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "empty-redirect",
			args: args{
				issuer:       "http://YOUR_ISSUER/",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "no-algs",
			args: args{
				issuer:       "http://YOUR_ISSUER/",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				redirectURL:  "http://YOUR_REDIRECT_URL",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "unsupported-alg",
			args: args{
				issuer:       "http://YOUR_ISSUER/",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{"HS256"},
				redirectURL:  "http://YOUR_REDIRECT_URL",
			},
			wantErr:   true,
			wantIsErr: ErrUnsupportedAlg,
		},
		{
			name: "bad-ca",
			args: args{
				issuer:       "http://YOUR_ISSUER/",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
				redirectURL:  "http://YOUR_REDIRECT_URL",
				opt:          []Option{WithProviderCA("bad certs")},
			},
			wantErr:   true,
			wantIsErr: ErrInvalidCACert,
		},
		{
			name: "negative-timeout",
			args: args{
				issuer:       "http://YOUR_ISSUER/",
				clientID:     "YOUR_CLIENT_ID",
				clientSecret: "YOUR_CLIENT_SECRET",
				supported:    []Alg{RS512},
				redirectURL:  "http://YOUR_REDIRECT_URL",
				opt:          []Option{WithProviderTimeout(-time.Second)},
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewConfig(tt.args.issuer, tt.args.clientID, tt.args.clientSecret, tt.args.supported, tt.args.redirectURL, tt.args.opt...)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want.Issuer, got.Issuer)
			assert.Equal(tt.want.ClientID, got.ClientID)
			assert.Equal(tt.want.ClientSecret, got.ClientSecret)
			assert.Equal(tt.want.SupportedSigningAlgs, got.SupportedSigningAlgs)
			assert.Equal(tt.want.RedirectURL, got.RedirectURL)
			assert.Equal(tt.want.Audiences, got.Audiences)
			assert.Equal(tt.want.Scopes, got.Scopes)
			assert.Equal(tt.want.ProviderCA, got.ProviderCA)
			assert.Equal(tt.want.ProviderTimeout, got.ProviderTimeout)
			testAssertEqualFunc(t, tt.want.NowFunc, got.NowFunc, "NowFunc = %p,want %p", tt.want.NowFunc, got.NowFunc)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	// Validate testing is covered by TestNewConfig() but there are a few more
	// cases to check here.
	t.Parallel()
	t.Run("nil-config", func(t *testing.T) {
		assert := assert.New(t)
		var c *Config
		err := c.Validate()
		assert.Truef(errors.Is(err, ErrNilParameter), "Config.Validate() = %v, want %v", err, ErrNilParameter)
	})
	t.Run("reports-every-problem", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := &Config{SupportedSigningAlgs: []Alg{"none"}}
		err := c.Validate()
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidParameter))
		assert.True(errors.Is(err, ErrUnsupportedAlg))
		assert.Contains(err.Error(), "client ID is empty")
		assert.Contains(err.Error(), "redirect URL is empty")
	})
}

func TestConfig_HTTPClient(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c, err := NewConfig("https://example.com/", "test-id", "test-secret", []Alg{ES256}, "https://example.com/callback",
		WithProviderTimeout(2*time.Second),
	)
	require.NoError(err)
	client, err := c.HTTPClient()
	require.NoError(err)
	assert.Equal(2*time.Second, client.Timeout)

	c.ProviderCA = "not a cert"
	_, err = c.HTTPClient()
	require.Error(err)
	assert.True(errors.Is(err, ErrInvalidCACert))
}

func TestConfig_clone(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c, err := NewConfig("https://example.com/", "test-id", "test-secret", []Alg{ES256}, "https://example.com/callback",
		WithScopes("email"),
		WithAudiences("other"),
	)
	require.NoError(err)
	cp := c.clone()
	c.Scopes[0] = "profile"
	c.Audiences[0] = "changed"
	c.SupportedSigningAlgs[0] = RS256
	assert.Equal([]string{"email"}, cp.Scopes)
	assert.Equal([]string{"other"}, cp.Audiences)
	assert.Equal([]Alg{ES256}, cp.SupportedSigningAlgs)
}

func Test_WithProviderCA(t *testing.T) {
	t.Parallel()
	testCaPem := TestGenerateCA(t, []string{"localhost"})
	assert := assert.New(t)
	opts := getConfigOpts(WithProviderCA(testCaPem))
	testOpts := configDefaults()
	testOpts.withProviderCA = testCaPem
	assert.Equal(opts, testOpts)
}

func Test_WithProviderTimeout(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	opts := getConfigOpts(WithProviderTimeout(time.Minute))
	testOpts := configDefaults()
	testOpts.withProviderTimeout = time.Minute
	assert.Equal(opts, testOpts)
}

func TestConfig_Now(t *testing.T) {
	tests := []struct {
		name    string
		nowFunc func() time.Time
		want    func() time.Time
		skew    time.Duration
	}{
		{
			name:    "default-time",
			nowFunc: nil,
			want:    time.Now,
			skew:    1 * time.Millisecond,
		},
		{
			name:    "time-travel-backward",
			nowFunc: func() time.Time { return time.Now().Add(-10 * time.Millisecond) },
			want:    func() time.Time { return time.Now().Add(-10 * time.Millisecond) },
			skew:    1 * time.Millisecond,
		},
		{
			name:    "time-travel-forward",
			nowFunc: func() time.Time { return time.Now().Add(10 * time.Millisecond) },
			want:    func() time.Time { return time.Now().Add(10 * time.Millisecond) },
			skew:    1 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			c := &Config{NowFunc: tt.nowFunc}
			assert.True(c.Now().Before(tt.want()))
			assert.True(c.Now().Add(tt.skew).After(tt.want()))
		})
	}
}

func testAssertEqualFunc(t *testing.T, wantFunc, gotFunc interface{}, format string, args ...interface{}) {
	t.Helper()
	if wantFunc == nil && gotFunc == nil {
		return
	}
	want := reflect.ValueOf(wantFunc).Pointer()
	got := reflect.ValueOf(gotFunc).Pointer()
	assert.Equalf(t, want, got, format, args...)
}
