package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"contact-aggregator/internal/api"
	"contact-aggregator/internal/api/handlers"
	"contact-aggregator/internal/auth"
	"contact-aggregator/internal/config"
	"contact-aggregator/internal/db"
	"contact-aggregator/internal/health"
	"contact-aggregator/internal/identity"
	"contact-aggregator/internal/logger"
	"contact-aggregator/internal/nickname"
	"contact-aggregator/internal/repository"
	"contact-aggregator/internal/scheduler"
	"contact-aggregator/internal/service"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load and validate configuration first (before logger)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Logger)

	logger.Info().
		Str("environment", cfg.Logger.Environment).
		Str("log_level", cfg.Logger.Level).
		Bool("aggregation_enabled", cfg.Aggregation.Enabled).
		Msg("configuration loaded successfully")

	logger.Info().Msg("running database migrations")
	if err := db.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	logger.Info().Msg("database connected successfully")

	// Repositories
	rawContactRepo := repository.NewRawContactRepository(database)
	lookupRepo := repository.NewLookupRepository(database)
	nicknameRepo := repository.NewNicknameRepository(database)

	nicknames, err := nickname.New(nicknameRepo, nickname.WithCacheSize(cfg.Aggregation.NicknameCacheSize))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create nickname cache")
	}
	if err := nicknames.Preload(ctx); err != nil {
		// retried lazily on first lookup
		logger.Warn().Err(err).Msg("failed to preload nickname filter")
	}

	// Services
	aggregationService := service.NewAggregationService(
		cfg.Aggregation,
		rawContactRepo,
		lookupRepo,
		identity.NewLookupBuilder(nicknames),
	)

	aggregationHandler := handlers.NewAggregationHandler(aggregationService, nicknames)

	var cronScheduler *scheduler.Scheduler
	if cfg.Aggregation.Enabled {
		cronScheduler = scheduler.NewScheduler(aggregationService, cfg.Aggregation.SweepSpec, cfg.Aggregation.SweepBatchSize)
		if err := cronScheduler.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start scheduler")
		}
		defer cronScheduler.Stop()
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(api.RequestIDMiddleware())
	router.Use(api.LoggingMiddleware())
	router.Use(api.CORSMiddleware(cfg.CORS))
	router.Use(api.RecoveryMiddleware())

	router.GET("/health", health.Handler(database, cfg.Database.HealthTimeout))

	v1 := router.Group("/api/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.External))
	aggregationHandler.RegisterRoutes(v1)

	addr := cfg.GetBindAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("failed to bind listener")
	}

	srv := &http.Server{
		Addr:    ln.Addr().String(),
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("starting server")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	stats := nicknames.Stats()
	logger.Info().Interface("nickname_cache", stats).Msg("server exited")
}
