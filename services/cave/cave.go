// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cave assembles the CAVE dashboard server.
//
// # Description
//
// The server keeps one session state per user, serves it over a WebSocket
// at /ws/, runs the configured app's command handler on each mutation,
// and periodically copies the live session cache to a persistent backup
// store.
//
//	browser ──ws──▶ handlers ──▶ command.Executor ──▶ app handler
//	                   │                │
//	                   ▼                ▼
//	               session.Store ◀── validation
//	                   │
//	     cache (badger or sqlite) ──backup.Scheduler──▶ storage.Store
package cave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/cave/pkg/extensions"
	"github.com/AleutianAI/cave/services/cave/apps"
	"github.com/AleutianAI/cave/services/cave/backup"
	"github.com/AleutianAI/cave/services/cave/cache"
	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/config"
	"github.com/AleutianAI/cave/services/cave/handlers"
	"github.com/AleutianAI/cave/services/cave/middleware"
	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/routes"
	"github.com/AleutianAI/cave/services/cave/session"
	"github.com/AleutianAI/cave/services/cave/storage"
	badgerstore "github.com/AleutianAI/cave/services/cave/storage/badger"
	"github.com/AleutianAI/cave/services/cave/storage/gcs"
	"github.com/AleutianAI/cave/services/cave/storage/sqlite"
)

// =============================================================================
// Interface
// =============================================================================

// Service is a runnable CAVE server.
type Service interface {
	// Run serves HTTP and runs background tasks until ctx is cancelled or
	// the listener fails, then shuts down gracefully.
	//
	// # Outputs
	//
	//   - error: Nil on a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the Gin engine, for tests.
	Router() *gin.Engine

	// RunBackup performs one backup cycle immediately.
	RunBackup(ctx context.Context) (backup.Result, error)
}

// =============================================================================
// Implementation
// =============================================================================

// service wires every component.
//
// # Thread Safety
//
// Read-only after New returns.
type service struct {
	config        config.Config
	opts          extensions.ServiceOptions
	metrics       *observability.Metrics
	router        *gin.Engine
	cache         cache.Cache
	backupStore   storage.Store
	sessions      *session.Store
	registry      *command.Registry
	executor      *command.Executor
	hub           *handlers.Hub
	scheduler     *backup.Scheduler
	tracerCleanup func(context.Context)
	stopApps      context.CancelFunc
}

// New builds a Service from cfg.
//
// # Description
//
// Initialisation order:
//  1. Tracing (disabled when no endpoint is configured)
//  2. Live cache and backup store
//  3. App registry and the executor for the configured app
//  4. Auth: a JWT provider when a secret is set, no-op otherwise
//  5. Hub, dispatcher, backup scheduler and routes
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - opts: Extension overrides. Nil derives providers from cfg.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Any component failed to start; everything opened so far is
//     released.
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config:  cfg,
		metrics: observability.Default(),
	}
	ok := false
	defer func() {
		if !ok {
			s.cleanup()
		}
	}()

	cleanup, err := observability.InitTracer(context.Background(), cfg.Telemetry.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.cache, err = OpenCache(cfg.Cache); err != nil {
		return nil, err
	}
	if s.backupStore, err = OpenBackupStore(context.Background(), cfg.Backup); err != nil {
		return nil, err
	}
	s.sessions = session.NewStore(s.cache, s.backupStore, cfg.Cache.TTL).WithMetrics(s.metrics)

	appCtx, stopApps := context.WithCancel(context.Background())
	s.stopApps = stopApps
	s.registry, err = apps.NewRegistry(appCtx, apps.Config{
		WeatherURL:  cfg.Apps.WeatherURL,
		HTTPTimeout: cfg.Apps.HTTPTimeout,
		StaticPath:  cfg.Apps.StaticPath,
	})
	if err != nil {
		return nil, err
	}
	handler, err := s.registry.Get(cfg.Server.App)
	if err != nil {
		return nil, err
	}
	s.executor = command.NewExecutor(command.ExecutorConfig{
		App:     cfg.Server.App,
		Handler: handler,
		Strict:  cfg.Validation.Strict,
		Metrics: s.metrics,
	})

	if opts != nil {
		s.opts = opts.WithDefaults()
	} else {
		s.opts = defaultOptions(cfg.Auth)
	}

	s.hub = handlers.NewHub(s.metrics)
	s.scheduler = backup.NewScheduler(s.cache, s.backupStore, backup.Config{
		Interval: cfg.Cache.BackupInterval,
		Prefix:   session.KeyPrefix,
		Metrics:  s.metrics,
	})

	s.initRouter()
	ok = true
	return s, nil
}

// OpenCache opens the live cache named by cfg.Store.
func OpenCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Store {
	case config.CacheMemory, "":
		return cache.NewBadgerCache()
	case config.CacheSQLite:
		c, err := cache.NewSQLiteCache(cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Shared cache ready", "store", cfg.Store, "path", cfg.Path)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache store %q", cfg.Store)
	}
}

// OpenBackupStore opens the store named by cfg.Store. "none" returns a
// store that discards writes.
func OpenBackupStore(ctx context.Context, cfg config.BackupConfig) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreBadger:
		store, err := badgerstore.OpenStore(badgerstore.DefaultConfig(cfg.Path))
		if err != nil {
			return nil, fmt.Errorf("open badger backup store: %w", err)
		}
		slog.Info("Backup store ready", "store", cfg.Store, "path", cfg.Path)
		return store, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite backup store: %w", err)
		}
		slog.Info("Backup store ready", "store", cfg.Store, "path", cfg.Path)
		return store, nil
	case config.StoreGCS:
		store, err := gcs.Open(ctx, gcs.Config{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("open gcs backup store: %w", err)
		}
		slog.Info("Backup store ready", "store", cfg.Store, "bucket", cfg.Bucket)
		return store, nil
	case config.StoreNone, "":
		slog.Warn("No backup store configured, sessions will not survive restarts")
		return storage.NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown backup store %q", cfg.Store)
	}
}

func defaultOptions(auth config.AuthConfig) extensions.ServiceOptions {
	opts := extensions.DefaultOptions().
		WithAudit(&extensions.SlogAuditLogger{Logger: slog.Default()})
	if auth.JWTSecret == "" {
		slog.Warn("No JWT secret configured, every connection is the local user")
		return opts
	}
	return opts.
		WithAuth(middleware.NewJWTAuthProvider([]byte(auth.JWTSecret))).
		WithAuthz(&extensions.RoleAuthzProvider{})
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx is cancelled.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run()
		return nil
	})

	if err := s.scheduler.Start(gctx); err != nil {
		s.hub.Stop()
		return fmt.Errorf("start backup scheduler: %w", err)
	}

	g.Go(func() error {
		slog.Info("Starting CAVE server", "port", s.config.Server.Port, "app", s.config.Server.App)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down CAVE server")

		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		s.hub.Stop()
		if stopErr := s.scheduler.Stop(); stopErr != nil {
			slog.Warn("Backup scheduler stop error", "error", stopErr)
		}
		if _, backupErr := s.scheduler.RunNow(shutdownCtx); backupErr != nil {
			slog.Warn("Final backup failed", "error", backupErr)
		}
		return err
	})

	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) RunBackup(ctx context.Context) (backup.Result, error) {
	return s.scheduler.RunNow(ctx)
}

// =============================================================================
// Private Methods
// =============================================================================

func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(observability.ServiceName))

	dispatcher := handlers.NewDispatcher(handlers.DispatcherConfig{
		Store:    s.sessions,
		Executor: s.executor,
		Hub:      s.hub,
		Options:  s.opts,
		Metrics:  s.metrics,
	})
	ws := handlers.NewWebSocketHandler(handlers.WebSocketConfig{
		Dispatcher: dispatcher,
		Hub:        s.hub,
		Metrics:    s.metrics,
		RateLimit:  s.config.Server.RateLimit,
		Burst:      s.config.Server.RateBurst,
	})

	routes.SetupRoutes(s.router, routes.Deps{
		App:       s.config.Server.App,
		AppNames:  s.registry.Names(),
		Hub:       s.hub,
		WebSocket: ws,
		Backup:    s.scheduler,
		Sessions:  s.sessions,
	}, s.opts)
}

// cleanup releases everything New opened. Safe on a partially built service.
func (s *service) cleanup() {
	if s.stopApps != nil {
		s.stopApps()
	}
	if s.backupStore != nil {
		if err := s.backupStore.Close(); err != nil {
			slog.Warn("Backup store close error", "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			slog.Warn("Cache close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
