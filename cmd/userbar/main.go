// Package main is the entry point for the userbar server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/aggregator"
	"github.com/pitabwire/userbar/internal/cache"
	"github.com/pitabwire/userbar/internal/config"
	"github.com/pitabwire/userbar/internal/displayname"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/internal/identity"
	"github.com/pitabwire/userbar/internal/observability"
	"github.com/pitabwire/userbar/internal/panel"
	"github.com/pitabwire/userbar/internal/transport"
	"github.com/pitabwire/userbar/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "userbar", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Identity store.
	identities, identityCloser, err := buildIdentityStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("identity store initialization failed", zap.Error(err))
		return 1
	}
	if identityCloser != nil {
		defer identityCloser()
	}

	// Step 5: User data cache.
	store, cacheCloser, err := buildCacheStore(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Error("cache initialization failed", zap.Error(err))
		return 1
	}
	if cacheCloser != nil {
		defer cacheCloser()
	}
	instrumented := cache.Instrument(store, metrics)

	// Step 6: Role table and extension points.
	var roles *displayname.RoleTable
	if cfg.Display.RoleNamesFile != "" {
		roles, err = displayname.LoadRoleTable(cfg.Display.RoleNamesFile)
		if err != nil {
			logger.Error("role table load failed", zap.Error(err))
			return 1
		}
	}

	reg := hooks.NewRegistry()
	reg.OnError(observability.HookErrorHandler(logger, metrics))
	if err := registerHooks(reg, cfg, metrics, logger); err != nil {
		logger.Error("extension registration failed", zap.Error(err))
		return 1
	}

	// Step 7: Aggregator and renderer. The aggregator subscribes to the host
	// events, so it is built before the registry is frozen.
	names := displayname.NewFormatter(reg, roles)
	agg := aggregator.New(identities, instrumented, reg, names,
		aggregator.WithLogger(logger),
		aggregator.WithMetrics(metrics),
	)
	renderer := panel.NewRenderer(reg,
		panel.WithGlyph(cfg.Display.SummaryGlyph),
		panel.WithCapabilityCap(cfg.Display.CapabilityCap),
	)
	reg.Freeze()

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{}
	if hc, ok := identities.(observability.HealthChecker); ok {
		readiness.IdentityStore = hc
	}
	if cfg.Cache.Driver == "redis" {
		readiness.CacheStore = instrumented.(observability.HealthChecker)
	}

	var eventToken string
	if cfg.Events.Enabled {
		eventToken = os.Getenv(cfg.Events.TokenEnv)
		if eventToken == "" {
			logger.Warn("event token not set, host event webhooks disabled",
				zap.String("env", cfg.Events.TokenEnv),
			)
		}
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		UserData:     agg,
		Renderer:     renderer,
		Hooks:        reg,
		EventToken:   eventToken,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var tables reloadTargets
	if fs, ok := identities.(*identity.FileStore); ok {
		tables.users = fs
	}
	if roles != nil {
		tables.roles = roles
	}
	go reloadOnHangup(bgCtx, logger, reg, tables)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.Duration("cache_ttl", agg.TTL()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildIdentityStore creates the identity store based on config.
func buildIdentityStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (identity.Store, func(), error) {
	switch cfg.Driver {
	case "file", "":
		store, err := identity.NewFileStore(cfg.File)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using file identity store",
			zap.String("file", cfg.File),
			zap.Int("users", store.Len()),
		)
		return store, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("identity store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("identity store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("identity store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("identity store: ping: %w", err)
		}

		logger.Info("using postgres identity store")
		return identity.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported identity store driver: %q", cfg.Driver)
	}
}

// buildCacheStore creates the user data cache based on config.
func buildCacheStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		store, err := cache.NewMemoryStore(cfg.MaxEntries)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using in-memory cache", zap.Int("max_entries", cfg.MaxEntries))
		return store, nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("cache: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			// Reads degrade to recomputation while redis is down, so a
			// failed ping only warns.
			logger.Warn("redis ping failed", zap.String("addr", addr), zap.Error(err))
		}
		logger.Info("using redis cache", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return cache.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache driver: %q", cfg.Driver)
	}
}

// userReloader is the file identity store seen by the reload loop.
type userReloader interface {
	Reload() ([]model.Identity, error)
}

// syncer reloads a file-backed table.
type syncer interface {
	Sync() error
}

type reloadTargets struct {
	users userReloader
	roles syncer
}

func (t reloadTargets) empty() bool { return t.users == nil && t.roles == nil }

// reloadOnHangup re-reads the file identity store and role table on SIGHUP.
func reloadOnHangup(ctx context.Context, logger *zap.Logger, reg *hooks.Registry, t reloadTargets) {
	if t.empty() {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadTables(ctx, logger, reg, t)
		}
	}
}

// reloadTables performs one reload. A failed reload keeps the previous
// contents. Every identity whose profile changed fires ProfileUpdated so its
// cached user data is dropped. Role label changes are not tracked per user
// and reach cached entries when they expire.
func reloadTables(ctx context.Context, logger *zap.Logger, reg *hooks.Registry, t reloadTargets) {
	var changed []model.Identity
	if t.users != nil {
		ids, err := t.users.Reload()
		if err != nil {
			logger.Error("reload failed", zap.String("target", "identity"), zap.Error(err))
		}
		changed = ids
	}
	if t.roles != nil {
		if err := t.roles.Sync(); err != nil {
			logger.Error("reload failed", zap.String("target", "roles"), zap.Error(err))
		}
	}
	for _, id := range changed {
		reg.ProfileUpdated.Fire(ctx, id)
	}
	logger.Info("reloaded file tables", zap.Int("changed_identities", len(changed)))
}
