package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rpgate/oidcrp/oidc"
	"github.com/rpgate/oidcrp/rp"
	"gopkg.in/yaml.v3"
)

// Config is the example server's configuration.  It's read from a YAML file,
// then environment variables override it and fill in defaults.
type Config struct {
	Listen   string `yaml:"listen" env:"OIDCRP_LISTEN" env-default:":8080" validate:"required,hostname_port"`
	LogLevel string `yaml:"log_level" env:"OIDCRP_LOG_LEVEL" env-default:"info" validate:"oneof=trace debug info warn error"`
	LogJSON  bool   `yaml:"log_json" env:"OIDCRP_LOG_JSON"`

	// ShutdownTimeout bounds the wait for in-flight requests on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"OIDCRP_SHUTDOWN_TIMEOUT" env-default:"10s" validate:"gt=0"`

	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Logout   LogoutConfig   `yaml:"logout"`
	Store    StoreConfig    `yaml:"store"`
}

type ProviderConfig struct {
	Issuer       string `yaml:"issuer" env:"OIDCRP_ISSUER" validate:"required,url"`
	ClientID     string `yaml:"client_id" env:"OIDCRP_CLIENT_ID" validate:"required"`
	ClientSecret string `yaml:"client_secret" env:"OIDCRP_CLIENT_SECRET"`
	RedirectURL  string `yaml:"redirect_url" env:"OIDCRP_REDIRECT_URL" env-default:"http://localhost:8080/oidc" validate:"required,url"`

	Scopes      []string `yaml:"scopes" env:"OIDCRP_SCOPES"`
	Audiences   []string `yaml:"audiences" env:"OIDCRP_AUDIENCES"`
	SigningAlgs []string `yaml:"signing_algs" env:"OIDCRP_SIGNING_ALGS" env-default:"RS256" validate:"min=1,dive,oneof=RS256 RS384 RS512 ES256 ES384 ES512 PS256 PS384 PS512 EdDSA"`

	// CAFile is an optional PEM file of CAs trusted for provider requests.
	CAFile  string        `yaml:"ca_file" env:"OIDCRP_PROVIDER_CA_FILE" validate:"omitempty,file"`
	Timeout time.Duration `yaml:"timeout" env:"OIDCRP_PROVIDER_TIMEOUT" env-default:"10s" validate:"gt=0"`
}

type SessionConfig struct {
	CookieName     string        `yaml:"cookie_name" env:"OIDCRP_COOKIE_NAME" env-default:"oidcrp_session"`
	CookieDomain   string        `yaml:"cookie_domain" env:"OIDCRP_COOKIE_DOMAIN"`
	InsecureCookie bool          `yaml:"insecure_cookie" env:"OIDCRP_INSECURE_COOKIE"`
	Header         string        `yaml:"header" env:"OIDCRP_SESSION_HEADER" env-default:"X-Session-Id"`
	TTL            time.Duration `yaml:"ttl" env:"OIDCRP_SESSION_TTL" env-default:"24h" validate:"gt=0"`
	PendingTimeout time.Duration `yaml:"pending_timeout" env:"OIDCRP_PENDING_TIMEOUT" env-default:"5m" validate:"gt=0"`

	// IdleTimeout logs out a session which goes unused for the duration.
	// Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"OIDCRP_SESSION_IDLE_TIMEOUT" validate:"gte=0"`
}

type LogoutConfig struct {
	Policy        string `yaml:"policy" env:"OIDCRP_LOGOUT_POLICY" env-default:"local-fallback" validate:"oneof=local-fallback require-end-session"`
	LocalRedirect string `yaml:"local_redirect" env:"OIDCRP_LOCAL_LOGOUT_REDIRECT" env-default:"/"`

	// PostLogoutRedirect is sent to the provider's end_session_endpoint, and
	// must be registered with it.
	PostLogoutRedirect string `yaml:"post_logout_redirect" env:"OIDCRP_POST_LOGOUT_REDIRECT" validate:"omitempty,url"`
}

type StoreConfig struct {
	Type string `yaml:"type" env:"OIDCRP_STORE" env-default:"memory" validate:"oneof=memory redis postgres"`

	// URL is the redis:// or postgres:// URL of the store.
	URL       string `yaml:"url" env:"OIDCRP_STORE_URL" validate:"required_unless=Type memory,omitempty,url"`
	KeyPrefix string `yaml:"key_prefix" env:"OIDCRP_STORE_KEY_PREFIX"`
	Table     string `yaml:"table" env:"OIDCRP_STORE_TABLE"`

	// CleanupInterval is how often the memory and postgres stores drop
	// expired records.  Redis expires them itself.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"OIDCRP_STORE_CLEANUP_INTERVAL" env-default:"1m" validate:"gt=0"`
}

// LoadConfig reads the config file at path, which may be empty, and applies
// environment overrides and defaults.  Unknown keys in the file are errors.
func LoadConfig(path string) (*Config, error) {
	const op = "main.LoadConfig"
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: unable to parse %s: %w", op, path, err)
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%s: unable to read environment: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// Validate checks the config's fields.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// OIDCConfig returns the provider's client config.
func (c *Config) OIDCConfig() (*oidc.Config, error) {
	const op = "Config.OIDCConfig"
	algs := make([]oidc.Alg, 0, len(c.Provider.SigningAlgs))
	for _, a := range c.Provider.SigningAlgs {
		algs = append(algs, oidc.Alg(a))
	}
	opts := []oidc.Option{
		oidc.WithProviderTimeout(c.Provider.Timeout),
		oidc.WithScopes(c.Provider.Scopes...),
		oidc.WithAudiences(c.Provider.Audiences...),
	}
	if c.Provider.CAFile != "" {
		pem, err := os.ReadFile(c.Provider.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to read provider CA: %w", op, err)
		}
		opts = append(opts, oidc.WithProviderCA(string(pem)))
	}
	oc, err := oidc.NewConfig(c.Provider.Issuer, c.Provider.ClientID, oidc.ClientSecret(c.Provider.ClientSecret), algs, c.Provider.RedirectURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return oc, nil
}

// RPOptions returns the relying party's options.
func (c *Config) RPOptions() []rp.Option {
	opts := []rp.Option{
		rp.WithPendingLoginTimeout(c.Session.PendingTimeout),
		rp.WithCookie(c.Session.CookieName, c.Session.CookieDomain),
		rp.WithSessionHeader(c.Session.Header),
		rp.WithLocalLogoutRedirect(c.Logout.LocalRedirect),
	}
	if c.Session.InsecureCookie {
		opts = append(opts, rp.WithInsecureCookie())
	}
	if c.Logout.Policy == rp.LogoutRequireEndSession.String() {
		opts = append(opts, rp.WithLogoutPolicy(rp.LogoutRequireEndSession))
	}
	return opts
}
