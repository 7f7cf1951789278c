package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/hashicorp/go-hclog"
	"github.com/rpgate/oidcrp/oidc"
	"github.com/rpgate/oidcrp/rp"
	"github.com/rpgate/oidcrp/session"
)

// server is the example application: /foo needs a login, /bar greets
// whoever is there, and /logout ends the session.
type server struct {
	cfg     *Config
	logger  hclog.Logger
	store   session.Store
	rp      *rp.RelyingParty
	handler http.Handler
}

// newServer discovers the provider and opens the session store.  A provider
// which can't be discovered is fatal.
func newServer(ctx context.Context, cfg *Config, logger hclog.Logger) (*server, error) {
	const op = "main.newServer"
	oc, err := cfg.OIDCConfig()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, err := oidc.NewProvider(ctx, oc, oidc.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b, err := session.NewBinding(store,
		session.WithSessionTTL(cfg.Session.TTL),
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	r, err := rp.NewRelyingParty(p, b, append(cfg.RPOptions(), rp.WithLogger(logger))...)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s := &server{
		cfg:    cfg,
		logger: logger,
		store:  store,
		rp:     r,
	}
	s.handler = s.routes()
	return s, nil
}

func openStore(ctx context.Context, cfg StoreConfig, logger hclog.Logger) (session.Store, error) {
	const op = "main.openStore"
	switch cfg.Type {
	case "redis":
		opts := []session.Option{session.WithLogger(logger)}
		if cfg.KeyPrefix != "" {
			opts = append(opts, session.WithKeyPrefix(cfg.KeyPrefix))
		}
		s, err := session.OpenRedisStore(ctx, cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return s, nil
	case "postgres":
		opts := []session.Option{session.WithLogger(logger), session.WithJanitorInterval(cfg.CleanupInterval)}
		if cfg.Table != "" {
			opts = append(opts, session.WithTableName(cfg.Table))
		}
		s, err := session.OpenPostgresStore(ctx, cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return s, nil
	case "memory", "":
		return session.NewMemoryStore(session.WithLogger(logger), session.WithJanitorInterval(cfg.CleanupInterval)), nil
	default:
		return nil, fmt.Errorf("%s: unknown store type %q", op, cfg.Type)
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger.Named("http")))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/oidc", s.rp.CallbackHandler())
	r.Method(http.MethodGet, "/login", s.rp.LoginHandler())
	r.Get("/bar", s.rp.Middleware(http.HandlerFunc(s.bar)).ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(s.rp.RequireAuth)
		r.Get("/foo", s.foo)
		r.Method(http.MethodGet, "/logout", s.rp.LogoutHandler(s.cfg.Logout.PostLogoutRedirect))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, "ok")
	})
	return r
}

func (s *server) foo(w http.ResponseWriter, r *http.Request) {
	c, err := rp.ClaimsFromContext(r.Context())
	if err != nil {
		rp.DefaultErrorResponse(w, r, rp.HTTPStatus(err), err)
		return
	}
	render.PlainText(w, r, fmt.Sprintf("Hello %s", c.Subject))
}

func (s *server) bar(w http.ResponseWriter, r *http.Request) {
	if c, ok := rp.OptionalClaims(r.Context()); ok {
		render.PlainText(w, r, fmt.Sprintf("Hello %s! You are already logged in from another handler.", c.Subject))
		return
	}
	render.PlainText(w, r, "Hello anon!")
}

// run serves until ctx is done, then shuts down gracefully.
func (s *server) run(ctx context.Context) error {
	const op = "server.run"
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Listen, "issuer", s.cfg.Provider.Issuer, "store", s.cfg.Store.Type)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *server) Close(ctx context.Context) error {
	return s.store.Close(ctx)
}

// requestLogger logs each request once it's been served.
func requestLogger(logger hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
