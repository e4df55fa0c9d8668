// Package app wires the murmur server runtime: config, logging, stores,
// HTTP routes and the session event gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"murmur/cmd/identity"
	authapi "murmur/cmd/internal/auth/api"
	"murmur/cmd/internal/auth/federated"
	"murmur/cmd/internal/auth/session"
	"murmur/cmd/internal/auth/throttle"
	"murmur/cmd/internal/realtime"
	"murmur/cmd/security/password"
)

// App is the murmur server runtime. It owns the stores, the HTTP handler and
// their shutdown.
type App struct {
	cfg Config
	log Logger

	accounts identity.Store
	pool     *pgxpool.Pool
	redis    *redis.Client

	handler http.Handler
}

// New constructs a fully wired App. Failures close anything already opened.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	hasher, err := NewTokenHasher(cfg)
	if err != nil {
		return nil, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}

	a.accounts, a.pool, err = openAccounts(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var limiter throttle.Limiter
	limiter, a.redis, err = openLimiter(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := realtime.NewHub(log, registry)
	sessions := session.NewService(cfg.Session(), a.accounts,
		session.WithHasher(hasher),
		session.WithPublisher(hub),
		session.WithMetrics(session.NewMetrics(registry)),
		session.WithLogger(log),
	)

	opts := []authapi.HandlerOption{authapi.WithLimiter(limiter)}
	if g := cfg.Google(); g.Enabled() {
		provider, err := federated.NewGoogleProvider(g)
		if err != nil {
			return nil, err
		}
		opts = append(opts, authapi.WithFederated(provider, federated.NewResolver(a.accounts, log)))
		log.Info("federated.enabled", "provider", provider.Name())
	}

	auth, err := authapi.NewHandler(log, cfg.Auth(), a.accounts, identity.NewPasswords(pwCfg), sessions, opts...)
	if err != nil {
		return nil, err
	}
	ws, err := realtime.NewWSGateway(log, hub, sessions, cfg.Gateway())
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:      log,
		cfg:      cfg,
		accounts: a.accounts,
		registry: registry,
		auth:     auth,
		ws:       ws,
	})
	a.handler = WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log)

	log.Info("app.ready",
		"store", cfg.StoreBackend(),
		"token_hmac", hasher.HMAC(),
		"throttle", a.redis != nil,
	)
	return a, nil
}

// Handler returns the fully wrapped root handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Stores are closed on the way out.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"events_url", wsBaseURL(base)+eventsPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.close(closeCtx)

	a.log.Info("server.stopped")
	return err
}

func (a *App) close(ctx context.Context) {
	if a.accounts != nil {
		if err := a.accounts.Close(ctx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
