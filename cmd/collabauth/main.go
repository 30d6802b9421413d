package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"collabauth/internal/api"
	"collabauth/internal/audit"
	"collabauth/internal/authx"
	"collabauth/internal/cache"
	"collabauth/internal/config"
	"collabauth/internal/directory"
	"collabauth/internal/observability"
	"collabauth/internal/oidc"
	"collabauth/internal/provision"
)

func main() {
	logCfg := observability.ConfigFromEnv()
	logger := observability.NewLogger(logCfg)

	configPath := flag.String("config", envOr("COLLABAUTH_CONFIG", ""), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	// Initialize Sentry if a DSN is configured.
	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized",
				"environment", envOr("SENTRY_ENVIRONMENT", "production"),
				"release", envOr("APP_VERSION", "dev"),
			)
			sentryEnabled = true
		}
	}

	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled", "namespace", metricsCfg.Namespace, "version", metricsCfg.Version)
	} else {
		logger.Info("metrics disabled")
	}

	dir, err := selectDirectory(cfg, logger)
	if err != nil {
		logger.Error("directory initialization failed", "error", err)
		os.Exit(1)
	}

	cacheFactory, err := selectCacheFactory(cfg, logger)
	if err != nil {
		logger.Error("cache initialization failed", "error", err)
		os.Exit(1)
	}

	sessions, err := selectSessionStore(cfg, cacheFactory, logger)
	if err != nil {
		logger.Error("session store initialization failed", "error", err)
		os.Exit(1)
	}

	auditLogger, err := selectAuditLogger(cfg, logger)
	if err != nil {
		logger.Error("audit initialization failed", "error", err)
		os.Exit(1)
	}

	logouts := authx.NewLogoutSessionStore(cacheFactory)

	// The OIDC provider is optional: without one the server still serves
	// sessions created elsewhere and the health and config endpoints.
	var (
		provider *oidc.Provider
		verifier *authx.SessionVerifier
		bearer   *authx.BearerAuthenticator
	)
	accounts := provision.NewService(cfg.Provider, dir, logger, metrics)
	if cfg.ProviderConfigured() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		provider, err = oidc.NewProvider(ctx, cfg.Provider)
		if err != nil {
			cancel()
			logger.Error("provider discovery failed", "provider_url", cfg.Provider.ProviderURL, "error", err)
			os.Exit(1)
		}
		validator, err := oidc.NewTokenValidator(ctx, provider, logger)
		cancel()
		if err != nil {
			logger.Error("token validator initialization failed", "error", err)
			os.Exit(1)
		}
		verifier = authx.NewSessionVerifier(provider, validator,
			authx.NewVerificationCache(cacheFactory, authx.NamespaceSessionVerification, metrics),
			logouts, sessions, logger, metrics)
		bearer = authx.NewBearerAuthenticator(provider, validator,
			authx.NewVerificationCache(cacheFactory, authx.NamespaceBearerVerification, metrics),
			accounts, dir, logger, metrics)
		logger.Info("oidc provider configured",
			"provider_url", cfg.Provider.ProviderURL,
			"client_id", cfg.Provider.ClientID,
			"mode", cfg.Provider.LookupMode(),
		)
	} else {
		logger.Info("no oidc provider configured; login endpoints disabled")
	}

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Options{
		Provider:  provider,
		Verifier:  verifier,
		Bearer:    bearer,
		Sessions:  sessions,
		Logouts:   logouts,
		Accounts:  accounts,
		Directory: dir,
		Audit:     auditLogger,
		Logger:    logger,
		Metrics:   metrics,
		Session:   cfg.Session,
	})
	rateCfg := api.RateLimitConfig{RequestsPerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst}
	if rateCfg.Enabled() {
		srv.SetLoginRateLimit(rateCfg)
		logger.Info("login rate limiting configured",
			"requests_per_second", rateCfg.RequestsPerSecond, "burst", rateCfg.Burst)
	} else {
		logger.Info("login rate limiting disabled")
	}
	srv.RegisterRoutes()

	// Background session cleanup every 15 minutes. The cache-backed store
	// expires entries on its own; this only matters for the memory store.
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			n, err := sessions.Cleanup(context.Background())
			if err != nil {
				logger.Warn("session cleanup error", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
		}
	}()

	handler := api.ApplyMiddlewares(
		mux,
		api.RequestIDMiddleware(),
		api.LoggingMiddleware(logger, metrics),
		srv.SessionMiddleware(),
	)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("collabauth listening", "addr", cfg.ListenAddr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	logger.Info("shutting down server", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	closeAll(logger, dir, auditLogger)

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}

	logger.Info("shutdown complete")
}

// selectDirectory builds the account directory named by the configuration.
func selectDirectory(cfg *config.Config, logger observability.Logger) (directory.Directory, error) {
	switch cfg.Directory.Driver {
	case config.DirectorySQLite:
		logger.Info("using sqlite directory", "dsn", cfg.Directory.DSN)
		return directory.NewSQLiteDirectory(cfg.Directory.DSN)
	case config.DirectoryPostgres:
		logger.Info("using postgres directory")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return directory.NewPostgresDirectory(ctx, cfg.Directory.DSN)
	default:
		logger.Info("using in-memory directory; accounts do not survive restarts")
		return directory.NewMemoryDirectory(), nil
	}
}

// selectCacheFactory builds the cache backend. Redis lets several server
// instances share sessions and verification state.
func selectCacheFactory(cfg *config.Config, logger observability.Logger) (cache.Factory, error) {
	if cfg.Cache.Driver == config.CacheRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			DB:       cfg.Cache.RedisDB,
			Password: cfg.Cache.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		logger.Info("using redis cache", "addr", cfg.Cache.RedisAddr, "db", cfg.Cache.RedisDB)
		return cache.NewRedisFactory(client, cfg.Cache.KeyPrefix)
	}
	logger.Info("using in-memory cache")
	return cache.NewMemoryFactory(), nil
}

// selectSessionStore keeps sessions in the shared cache when one is
// configured, sealed at rest when a seal key is set.
func selectSessionStore(cfg *config.Config, f cache.Factory, logger observability.Logger) (authx.SessionStore, error) {
	if cfg.Cache.Driver != config.CacheRedis {
		return authx.NewMemorySessionStore(), nil
	}
	var sealer *authx.Sealer
	if cfg.Session.SealKey != "" {
		key, err := cfg.SealKeyBytes()
		if err != nil {
			return nil, err
		}
		sealer, err = authx.NewSealer(key)
		if err != nil {
			return nil, err
		}
		logger.Info("session sealing enabled")
	} else {
		logger.Warn("sessions stored in redis without sealing; set the session seal key")
	}
	return authx.NewCacheSessionStore(f, sealer), nil
}

func selectAuditLogger(cfg *config.Config, logger observability.Logger) (audit.Logger, error) {
	if cfg.AuditDSN != "" {
		logger.Info("using sqlite audit log", "dsn", cfg.AuditDSN)
		return audit.NewSQLiteLogger(cfg.AuditDSN)
	}
	logger.Info("using in-memory audit log")
	return audit.NewMemoryLogger(), nil
}

// closeAll closes every backend that holds a connection.
func closeAll(logger observability.Logger, closers ...any) {
	for _, c := range closers {
		closer, ok := c.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			logger.Error("error closing backend", "error", err)
		}
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
