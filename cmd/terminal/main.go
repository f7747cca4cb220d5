package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/analytics"
	"kasirinaja/terminal/internal/auth"
	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/config"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/httpapi"
	"kasirinaja/terminal/internal/logging"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/reconcile"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/remote/memory"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/session"
)

const (
	cleanupInterval = 5 * time.Minute
	summaryTTL      = 5 * time.Minute
)

func main() {
	if len(os.Args) == 3 && os.Args[1] == "hash-pin" {
		if err := printPINHash(os.Args[2]); err != nil {
			log.Fatalf("hash pin: %v", err)
		}
		return
	}

	// A missing .env file is fine; the environment may be set by the service manager.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := logging.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("terminal stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	syncMetrics := metrics.NewSync(registry)

	inbox := resilience.NewInbox(50)
	errs := resilience.NewHandler(resilience.Options{
		Locale:    cfg.App.Locale,
		Notifier:  inbox,
		Confirmer: inbox,
		Logger:    logger,
		Metrics:   syncMetrics,
	})

	openCtx, cancelOpen := context.WithTimeout(ctx, 10*time.Second)
	backend, broadcaster, err := openBackend(openCtx, cfg.Storage, cfg.Session.TerminalID)
	cancelOpen()
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}()
	logger.Info("storage ready", zap.String("driver", cfg.Storage.Driver))

	cm := cache.NewManager(backend, cache.Config{
		Namespace:        cfg.Storage.Namespace,
		MaxItemBytes:     cfg.Storage.MaxItemBytes,
		MaxBackups:       cfg.Storage.MaxBackups,
		Quota:            cfg.Storage.QuotaBytes,
		CleanupThreshold: cfg.Storage.CleanupThreshold,
		Logger:           logger,
		Metrics:          syncMetrics,
		Reporter:         errs,
	})
	errs.SetMirror(cm)
	errs.OnKind(resilience.KindStorage, cm.Remediate)

	if purged, err := cm.PurgeCorrupted(ctx); err != nil {
		logger.Warn("purge corrupted entries", zap.Error(err))
	} else if purged > 0 {
		logger.Warn("purged corrupted entries", zap.Int("count", purged))
	}
	if _, err := cm.AutoCleanup(ctx); err != nil {
		logger.Warn("storage cleanup", zap.Error(err))
	}

	catalog := reconcile.New(cm, remoteAPI(cfg.API, logger), reconcile.Options{
		DefaultStoreID: cfg.Session.DefaultStoreID,
		RefreshTimeout: cfg.Sync.RefreshTimeout,
		Logger:         logger,
		Metrics:        syncMetrics,
		Reporter:       errs,
	})
	register := session.New(cm, catalog, session.Options{
		TerminalID:     cfg.Session.TerminalID,
		WalkInCustomer: cfg.Session.WalkInCustomer,
		TaxRate:        cfg.Session.TaxRate,
		PollInterval:   cfg.Session.PollInterval,
		Broadcaster:    broadcaster,
		Logger:         logger,
		Metrics:        syncMetrics,
	})
	svc := service.New(catalog, register, analytics.NewEngine(cm, summaryTTL), service.Options{
		Reporter: errs,
		PIN:      auth.NewPINChecker(cfg.Auth.ManagerPINHash),
		Logger:   logger,
	})

	verifier := auth.NewVerifier(cfg.Auth.TokenSecret)
	user := terminalUser(verifier, cfg.API.AccessToken, logger)
	if err := svc.Start(service.WithUser(ctx, user), user); err != nil {
		errs.Handle(ctx, err, map[string]any{"task": "start"})
	}
	errs.SetReload(svc.Reload)

	errs.Go(ctx, "session_watch", register.Watch)
	errs.Go(ctx, "catalog_sync", func(ctx context.Context) error {
		return catalog.Run(ctx, cfg.Sync.RefreshInterval)
	})
	errs.Go(ctx, "storage_cleanup", func(ctx context.Context) error {
		return cleanupLoop(ctx, cm, cleanupInterval)
	})

	api := httpapi.New(svc, httpapi.Options{
		Verifier:      verifier,
		Errors:        errs,
		Inbox:         inbox,
		Cache:         cm,
		Gatherer:      registry,
		AllowedOrigin: cfg.App.AllowedOrigin,
		Logger:        logger,
	})
	server := &http.Server{
		Addr:              cfg.App.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("terminal listening",
			zap.String("addr", server.Addr),
			zap.String("terminal", register.TerminalID()),
			zap.String("store", catalog.CurrentStoreID()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	catalog.Wait()
	logger.Info("terminal stopped")
	return nil
}

// openBackend returns the durable storage for the configured driver and the
// broadcaster terminals sharing it use for session notices.
func openBackend(ctx context.Context, cfg config.StorageConfig, terminalID string) (cache.Backend, cache.Broadcaster, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return cache.NewMemory(cfg.QuotaBytes), cache.NewMemoryBroadcaster(), nil
	case config.DriverSQLite:
		backend, err := cache.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return backend, cache.NewMemoryBroadcaster(), nil
	case config.DriverPostgres:
		backend, err := cache.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres storage: %w", err)
		}
		// Terminals on postgres rely on the session poll alone.
		return backend, nil, nil
	case config.DriverRedis:
		backend := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := backend.Ping(ctx); err != nil {
			_ = backend.Close()
			return nil, nil, fmt.Errorf("redis unavailable: %w", err)
		}
		return backend, cache.NewRedisBroadcaster(backend, cfg.Namespace+":session-events"), nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q for terminal %s", cfg.Driver, terminalID)
}

// remoteAPI talks to the configured server, or to a seeded in-process
// server in demo mode.
func remoteAPI(cfg config.APIConfig, logger *zap.Logger) remote.API {
	if cfg.BaseURL == "" {
		logger.Warn("KASIR_API_BASE_URL not set, running against the demo catalog")
		return memory.NewSeeded()
	}
	return remote.NewClient(remote.Config{
		BaseURL:     cfg.BaseURL,
		AccessToken: cfg.AccessToken,
		Timeout:     cfg.Timeout,
		RetryCount:  cfg.RetryCount,
		PageLimit:   cfg.PageLimit,
	}, logger)
}

// terminalUser resolves the operator from the access token the terminal was
// provisioned with.
func terminalUser(verifier *auth.Verifier, accessToken string, logger *zap.Logger) domain.User {
	if accessToken != "" {
		user, err := verifier.Parse(accessToken)
		if err == nil {
			return user
		}
		logger.Warn("access token rejected, continuing as terminal operator", zap.Error(err))
	}
	return domain.User{ID: "terminal", Username: "terminal", Role: domain.RoleManager}
}

func cleanupLoop(ctx context.Context, cm *cache.Manager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := cm.AutoCleanup(ctx); err != nil {
				return resilience.Wrap(resilience.KindStorage, err, "storage cleanup failed")
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if secret := cfg.Auth.TokenSecret; secret != "" && len(secret) < 32 {
		return fmt.Errorf("KASIR_AUTH_SECRET must be at least 32 characters")
	}
	if hash := cfg.Auth.ManagerPINHash; hash != "" && !auth.IsPINHash(hash) {
		return fmt.Errorf("KASIR_MANAGER_PIN_HASH must be a bcrypt hash; generate one with `terminal hash-pin <pin>`")
	}
	if cfg.App.Env != "production" {
		return nil
	}
	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("KASIR_AUTH_SECRET is required in production")
	}
	if cfg.Auth.ManagerPINHash == "" {
		return fmt.Errorf("KASIR_MANAGER_PIN_HASH is required in production")
	}
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("KASIR_API_BASE_URL is required in production")
	}
	return nil
}

func printPINHash(pin string) error {
	if err := auth.ValidatePINStrength(pin); err != nil {
		return err
	}
	hash, err := auth.HashPIN(pin)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
