package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/pressurenet/readings-aggregator/internal/aggregation"
	"github.com/pressurenet/readings-aggregator/internal/config"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/pressurenet/readings-aggregator/internal/core/storage/awsclient"
	"github.com/pressurenet/readings-aggregator/internal/core/storage/dynamo"
	"github.com/pressurenet/readings-aggregator/internal/core/storage/memory"
	"github.com/pressurenet/readings-aggregator/internal/core/storage/postgres"
	"github.com/pressurenet/readings-aggregator/internal/core/storage/s3store"
	"github.com/pressurenet/readings-aggregator/internal/core/storage/sqsqueue"
	"github.com/pressurenet/readings-aggregator/internal/handlers"
	"github.com/pressurenet/readings-aggregator/internal/metrics"
	"github.com/pressurenet/readings-aggregator/internal/migrations"
	"github.com/pressurenet/readings-aggregator/internal/server"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "aggregator.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("Aggregator stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 0. Bootstrap logger until the configured one is known
	slog.SetDefault(newLogger("info", "text"))

	// 1. Load Configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log.Level, cfg.Log.Format))
	metrics.BuildInfo.WithLabelValues(version, commit).Set(1)

	granularities, err := cfg.Aggregation.ParsedGranularities()
	if err != nil {
		return err
	}
	retry, err := cfg.Retry.Policy()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize AWS clients
	clients, err := awsclient.New(ctx, awsclient.Options{
		Region:          cfg.AWS.Region,
		Endpoint:        cfg.AWS.Endpoint,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ForcePathStyle:  cfg.AWS.ForcePathStyle,
	})
	if err != nil {
		return err
	}

	waitTime, _ := time.ParseDuration(cfg.Queue.WaitTime)
	visibility, err := config.Duration("queue.visibility_timeout", cfg.Queue.VisibilityTimeout)
	if err != nil {
		return err
	}
	queue := sqsqueue.New(clients.SQS, sqsqueue.Options{
		URL:               cfg.Queue.URL,
		WaitTime:          waitTime,
		VisibilityTimeout: visibility,
		Retry:             retry,
	})
	store := s3store.New(clients.S3, retry)

	// 3. Initialize statistics index
	checks := []server.HealthChecker{}
	var index storage.IndexWriter
	switch cfg.Statistics.Backend {
	case config.BackendDynamoDB:
		index = dynamo.New(clients.DynamoDB, dynamo.Options{
			PartitionKeyAttr: cfg.Statistics.PartitionKeyAttr,
			RangeKeyAttr:     cfg.Statistics.RangeKeyAttr,
			Retry:            retry,
		})
	case config.BackendPostgres:
		db, err := postgres.Open(cfg.Statistics.DSN, cfg.Statistics.MaxOpenConns, cfg.Statistics.MaxIdleConns)
		if err != nil {
			return err
		}
		defer db.Close()

		// 3.1. Run Database Migrations
		if err := migrations.Run(db, cfg.Statistics.AutoMigrate); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		adapter := postgres.NewIndexAdapter(db, retry)
		checks = append(checks, adapter)
		index = adapter
	}

	// 4. Build the handler chain
	chain, err := handlers.BuildChain(cfg.Streams, handlers.ChainDeps{
		Store:         store,
		Index:         index,
		Granularities: granularities,
		SharingLevels: cfg.Aggregation.SharingLevels,
		PrivateBucket: cfg.Storage.PrivateBucket,
		Root:          cfg.Storage.ArchiveRoot,
		Compress:      cfg.Storage.Compress,
		Table:         cfg.Statistics.Table,
	})
	if err != nil {
		return fmt.Errorf("failed to build handler chain: %w", err)
	}

	// 5. Initialize the aggregator and drain loop
	persistedTTL, _ := config.Duration("aggregation.persisted_ttl", cfg.Aggregation.PersistedTTL)
	bufferExpiry, _ := config.Duration("aggregation.buffer_expiry", cfg.Aggregation.BufferExpiry)
	pollInterval, _ := config.Duration("queue.poll_interval", cfg.Queue.PollInterval)
	shutdownTimeout, _ := config.Duration("aggregation.shutdown_timeout", cfg.Aggregation.ShutdownTimeout)
	stallAfter, _ := config.Duration("aggregation.stall_after", cfg.Aggregation.StallAfter)

	agg, err := aggregation.NewAggregator(memory.NewWindowBuffer(), chain, aggregation.Options{
		Granularities:     granularities,
		WorkerCount:       cfg.Aggregation.WorkerCount,
		PersistedTTL:      persistedTTL,
		PersistedCapacity: uint64(cfg.Aggregation.PersistedCapacity),
		BufferExpiry:      bufferExpiry,
	})
	if err != nil {
		return err
	}
	defer agg.Close()

	drainer := aggregation.NewDrainer(queue, agg, aggregation.DrainOptions{
		BatchSize:       cfg.Queue.BatchSize,
		PollInterval:    pollInterval,
		ShutdownTimeout: shutdownTimeout,
		StallAfter:      stallAfter,
	})
	checks = append([]server.HealthChecker{drainer}, checks...)

	slog.Info("Aggregator initialized",
		"version", version,
		"queue", cfg.Queue.URL,
		"granularities", len(granularities),
		"handlers", chain.Names(),
		"statistics_backend", cfg.Statistics.Backend,
	)

	// 6. Start Services
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return drainer.Start(gctx)
	})
	if cfg.Server.Enabled {
		srv := server.New(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), cfg.Server.Mode, checks...)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	<-gctx.Done()
	slog.Info("Shutting down, waiting for final flush...")
	return g.Wait()
}

func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}
