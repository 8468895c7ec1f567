package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/iotfoundry/tenantflow/internal/api"
	"github.com/iotfoundry/tenantflow/internal/config"
	"github.com/iotfoundry/tenantflow/internal/engine"
	"github.com/iotfoundry/tenantflow/internal/influx"
	"github.com/iotfoundry/tenantflow/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}
	logger.Info("connected to database")

	dockerEngine, err := engine.NewDocker(config.ContainerImage(), logger)
	if err != nil {
		logger.Fatal("failed to create container engine client", zap.Error(err))
	}

	influxClient := influxdb2.NewClient(config.InfluxURL(), config.InfluxToken())
	defer influxClient.Close()
	buckets := influx.NewProvisioner(influxClient, config.InfluxOrgID(), store.NewInfluxStore(pool), logger)

	app := api.NewApp(pool, dockerEngine, buckets, logger)

	// Re-derive broker files from the store before serving: a broker
	// restarted with stale files converges on store contents here.
	syncCtx, cancel := context.WithTimeout(ctx, config.EngineTimeout())
	if err := app.Provisioner.Sync(syncCtx); err != nil {
		logger.Warn("initial broker sync failed", zap.Error(err))
	}
	cancel()

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
