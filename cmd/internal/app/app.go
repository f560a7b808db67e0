// Package app wires the bazaar server runtime: config, logging, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"bazaar/cmd/internal/auth/session"
	"bazaar/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the bazaar server runtime: it owns HTTP server wiring and realtime dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	httpM    *HTTPMetrics

	svc  *realtime.Service
	ws   *realtime.WSGateway
	rest *realtime.HTTPHandler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: reg,
		httpM:    NewHTTPMetrics(reg),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	validator, err := a.newValidator()
	if err != nil {
		a.closePool()
		return nil, err
	}

	opts := []realtime.ServiceOption{
		realtime.WithLogger(log),
		realtime.WithMetrics(realtime.NewMetrics(reg)),
	}
	if validator != nil {
		opts = append(opts, realtime.WithValidator(validator))
	}

	a.svc = realtime.NewService(store, cfg.Realtime, opts...)
	a.ws = realtime.NewWSGateway(a.svc)
	a.rest = realtime.NewHTTPHandler(a.svc)
	return a, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) (realtime.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return realtime.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, err
	}

	// Ownership model: the app owns the pool; PostgresStore.Close() is a no-op.
	store, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}
	if a.cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.log.Info("db.schema.ensured", "schema", a.cfg.DBSchema)
	}

	a.dbPool = pool
	a.dbEnabled = true
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return store, nil
}

// newValidator builds the PASETO-backed credential validator when a public key
// is configured. Without one, realtime falls back to its dev validator only
// when auth is not required.
func (a *App) newValidator() (realtime.CredentialValidator, error) {
	scfg, err := session.LoadConfigFromEnv()
	if err != nil {
		if a.cfg.Realtime.RequireAuth {
			return nil, fmt.Errorf("realtime auth required: %w", err)
		}
		a.log.Warn("auth.dev_validator", "reason", "no access token key configured")
		return nil, nil
	}

	verifier, err := session.NewPasetoV4PublicVerifier(scfg)
	if err != nil {
		return nil, err
	}

	var store session.Store
	if scfg.CheckSessionRow && a.dbPool != nil {
		store = session.NewPostgresStore(a.dbPool, scfg.Schema)
	}
	svc := session.NewService(verifier, store)

	return realtime.CredentialValidatorFunc(func(ctx context.Context, token string) (realtime.Identity, error) {
		claims, err := svc.ValidateAccessToken(ctx, token)
		if err != nil {
			return realtime.Identity{}, err
		}
		device := claims.DeviceID
		if device == "" {
			// One auth session per device.
			device = claims.SessionID
		}
		return realtime.Identity{UserID: claims.UserID, DeviceID: device}, nil
	}), nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, httpDeps{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		gatherer:  a.registry,
		ws:        a.ws,
		rest:      a.rest,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.httpM)
}

// Run starts the HTTP server and the realtime sweepers, and blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.closePool()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
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
		err := a.svc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) closePool() {
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
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

// runtimeBaseURL turns a listen address into a URL clients on this host can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
