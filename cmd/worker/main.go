// Command worker runs the job processor's consumer pool and the
// schedule ticker inside one process, following the teacher's
// worker/main.go shape: context.WithCancel plus a sync.WaitGroup for
// graceful shutdown, and a bounded pool of goroutines pulling off one
// delivery channel rather than one goroutine per job type (the core has
// a single job shape, not several).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/config"
	"github.com/lorenzovborges/reportsys/internal/observability"
	"github.com/lorenzovborges/reportsys/internal/processor"
	"github.com/lorenzovborges/reportsys/internal/queue"
	"github.com/lorenzovborges/reportsys/internal/storage"
	"github.com/lorenzovborges/reportsys/internal/store"
	"github.com/lorenzovborges/reportsys/internal/ticker"
)

// shuttingDown guards shutdown idempotency per §5: multiple termination
// signals, or a signal racing an already-in-progress shutdown, must not
// double-close collaborators.
var shuttingDown atomic.Bool

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())

	mongoStore, err := store.NewMongoStore(ctx, cfg.MongoWriteURI, cfg.MongoReadURI, cfg.MongoDatabase)
	if err != nil {
		slog.Error("failed to connect to mongo", "error", err)
		return
	}

	mqClient, err := queue.New(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}

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

	proc := &processor.Processor{
		Jobs:    mongoStore,
		Source:  mongoStore,
		Storage: storageAdapter,
		Logger:  logger,
		Cfg: processor.Config{
			BatchSize:                 1000,
			DefaultChunks:             cfg.DefaultChunks,
			PartitionMaxConcurrency:   cfg.PartitionMaxConcurrency,
			PartitionCapMax:           cfg.PartitionCapMax,
			MaxGroups:                 cfg.MaxGroups,
			StreamingAccumulator:      true,
			DocumentMaxRows:           cfg.DocumentMaxRows,
			BufferBytes:               cfg.BufferBytes,
			SourceCollectionAllowlist: cfg.SourceCollectionAllowlist,
			DefaultSourceCollection:   cfg.DefaultSourceCollection,
			ZipMultipass:              cfg.ZipMultipass,
			ReportTmpDir:              cfg.ReportTmpDir,
			ReportTmpMaxBytes:         cfg.ReportTmpMaxBytes,
		},
	}

	sched := ticker.New(ticker.Config{
		PollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		RetentionDays: cfg.RetentionDays,
	}, mongoStore, mongoStore, mqClient, logger)

	observability.StartMetricsServer(cfg.MetricsAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runConsumerPool(ctx, proc, mqClient, cfg.MaxJobConcurrency, logger)
	}()

	sched.Start(ctx)

	logger.Info("worker started", "concurrency", cfg.MaxJobConcurrency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdown(cancel, sched, &wg, mqClient, mongoStore, logger)
}

// shutdown drains the worker pool and closes collaborators in the order
// §5 specifies: stop the ticker, drain the worker pool, close the
// queue, then the datastore connections. It is idempotent via
// shuttingDown so a second signal is a no-op.
func shutdown(cancel context.CancelFunc, sched *ticker.Ticker, wg *sync.WaitGroup, mqClient *queue.Client, mongoStore *store.MongoStore, logger *slog.Logger) {
	if !shuttingDown.CompareAndSwap(false, true) {
		return
	}
	logger.Info("shutdown signal received, draining worker pool...")

	sched.Stop()
	cancel()
	wg.Wait()

	if err := mqClient.Close(); err != nil {
		logger.Error("error closing rabbitmq connection", "error", err)
	}
	if err := mongoStore.Close(context.Background()); err != nil {
		logger.Error("error closing mongo connections", "error", err)
	}
	logger.Info("worker stopped gracefully")
}

// runConsumerPool starts a bounded pool of goroutines pulling off a
// single delivery channel, matching the teacher's startWorker shape
// with WORKER_CONCURRENCY generalized to cfg.MaxJobConcurrency.
func runConsumerPool(ctx context.Context, proc *processor.Processor, mqClient *queue.Client, concurrency int, logger *slog.Logger) {
	if concurrency <= 0 {
		concurrency = 10
	}
	deliveries, err := mqClient.Consume("reportsys-worker")
	if err != nil {
		logger.Error("failed to start consuming jobs", "error", err)
		return
	}

	var inner sync.WaitGroup
	inner.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer inner.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					handleDelivery(ctx, proc, mqClient, d, logger)
				}
			}
		}()
	}
	inner.Wait()
}

// handleDelivery drives one message through the processor and applies
// §5's retry policy: 5 attempts, exponential backoff base 2s, on any
// failure other than a silently-dropped NotFound.
func handleDelivery(ctx context.Context, proc *processor.Processor, mqClient *queue.Client, d queue.Delivery, logger *slog.Logger) {
	l := logger.With("job_id", d.Message.ReportJobID, "tenant_id", d.Message.TenantID, "attempt", d.Attempt)

	err := proc.Process(context.Background(), d.Message)
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			l.Error("failed to ack delivery", "error", ackErr)
		}
		return
	}

	if apperr.Is(err, apperr.ErrNotFound) {
		l.Info("job not found, dropping message")
		d.Ack()
		return
	}

	if d.Attempt >= queue.MaxAttempts {
		l.Warn("job failed after all retries, sending to dead-letter queue", "error", err)
		d.Nack()
		return
	}

	l.Error("job processing failed, scheduling retry", "error", err)
	if retryErr := mqClient.PublishRetry(ctx, d.Message, d.Attempt); retryErr != nil {
		l.Error("failed to publish retry, dead-lettering instead", "error", retryErr)
		d.Nack()
		return
	}
	d.Ack()
}
