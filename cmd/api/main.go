// Command api runs the intake HTTP surface: job submission, polling,
// download, and schedule CRUD. It follows the teacher's api/main.go
// startup shape (config, database, queue, metrics server, then block on
// serving) generalized to the gin engine internal/httpapi builds.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lorenzovborges/reportsys/internal/config"
	"github.com/lorenzovborges/reportsys/internal/httpapi"
	"github.com/lorenzovborges/reportsys/internal/observability"
	"github.com/lorenzovborges/reportsys/internal/queue"
	"github.com/lorenzovborges/reportsys/internal/storage"
	"github.com/lorenzovborges/reportsys/internal/store"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoStore, err := store.NewMongoStore(ctx, cfg.MongoWriteURI, cfg.MongoReadURI, cfg.MongoDatabase)
	if err != nil {
		slog.Error("failed to connect to mongo", "error", err)
		return
	}
	defer mongoStore.Close(context.Background())

	mqClient, err := queue.New(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to set up rabbitmq topology", "error", err)
		return
	}

	policy := storage.PolicyOptional
	if cfg.StoragePolicyRequired {
		policy = storage.PolicyRequired
	}
	storageAdapter, err := storage.New(ctx, storage.Config{
		Bucket:                cfg.S3Bucket,
		Region:                cfg.S3Region,
		Endpoint:              cfg.S3Endpoint,
		AccessKeyID:           cfg.S3AccessKeyID,
		SecretAccessKey:       cfg.S3SecretAccessKey,
		EnableExternalStorage: cfg.EnableExternalStorage,
		Policy:                policy,
		SignedURLTTL:          cfg.SignedURLTTL,
		FilesystemDir:         cfg.ReportTmpDir + "/artifacts",
	})
	if err != nil {
		slog.Error("failed to initialize storage adapter", "error", err)
		return
	}

	observability.StartMetricsServer(cfg.MetricsAddr)

	server := &httpapi.Server{
		Cfg: httpapi.Config{
			APIKeyHeader:   cfg.APIKeyHeader,
			TenantIDHeader: cfg.TenantIDHeader,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
		},
		Jobs:      mongoStore,
		Schedules: mongoStore,
		Queue:     mqClient,
		Storage:   storageAdapter,
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	go func() {
		slog.Info("intake http server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("intake http server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, stopping intake server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("intake server shutdown error", "error", err)
	}
	slog.Info("intake server stopped gracefully")
}
