package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"masterflow/backend/internal/api"
	"masterflow/backend/internal/config"
	"masterflow/backend/internal/logging"
	"masterflow/backend/internal/repository"
	"masterflow/backend/internal/services"
	"masterflow/backend/internal/tls"
)

func main() {
	root := &cobra.Command{
		Use:   "masterflow",
		Short: "Flow orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatalf("command failed: %v", err)
	}
}

func serve(ctx context.Context) error {
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("configuration loaded", "db_host", cfg.DB.Host, "executor_url", cfg.Executor.URL)

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer dbPool.Close()
	logger.Info("database connected")

	// Repository layer
	masterStore := repository.NewPostgresMasterFlowStore(dbPool)
	domainStore := repository.NewPostgresDomainFlowStore(dbPool)
	gapStore := repository.NewPostgresGapStore(dbPool)
	assetStore := repository.NewPostgresAssetDataStore(dbPool)

	// Service layer
	depURL := cfg.Analyzer.DependencyURL
	if depURL == "" {
		depURL = cfg.Executor.URL
	}
	deps := services.NewHTTPDependencyProvider(depURL)
	analyzer := services.NewGapAnalyzer(assetStore, gapStore, deps,
		cfg.Analyzer.MaxDepth, cfg.Analyzer.MaxVisited, logger)
	machine, err := services.NewPhaseMachine(analyzer)
	if err != nil {
		return fmt.Errorf("phase plans invalid: %w", err)
	}
	executor := services.NewHTTPPhaseExecutor(cfg.Executor.URL, cfg.Executor.Timeout)
	recovery := services.NewRecoveryHandler(0, 0, logger)
	orch := services.NewOrchestrator(dbPool, masterStore, domainStore, gapStore,
		machine, executor, analyzer, recovery, logger)

	logger.Info("service layer initialized")

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("masterflow"))

	apiGroup := e.Group("/api/v1")
	api.RegisterHandlers(apiGroup, api.NewServer(orch))

	e.GET("/healthz", func(c echo.Context) error {
		if err := dbPool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	addr := cfg.HTTP.Addr
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute, // phase execution can run minutes-scale
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) && len(cfg.TLS.Hostnames) > 0 {
				if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
					logger.Error("failed to generate self-signed cert", "error", err)
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}
		logger.Info("server stopped gracefully")
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
