package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/analytics/services/ingest/config"
	"example.com/analytics/services/ingest/internal/cache"
	"example.com/analytics/services/ingest/internal/database"
	"example.com/analytics/services/ingest/internal/metrics"
	"example.com/analytics/services/ingest/internal/models"
	"example.com/analytics/services/ingest/internal/queue"
	"example.com/analytics/services/ingest/internal/repositories"
	"example.com/analytics/services/ingest/internal/search"
	"example.com/analytics/services/ingest/internal/services"
	"example.com/analytics/services/ingest/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes queued events and persists them to the event store`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close(db)
	defer database.Close(readOnlyDB)

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return err
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the durable queue
	eventQueue, err := queue.New(cfg.Redis, queue.Options{
		Name:        cfg.Queue.Name,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		Concurrency: cfg.Queue.Concurrency,
		JobTimeout:  cfg.Queue.JobTimeout,
		StallCheck:  cfg.Queue.StalledCheck,
	})
	if err != nil {
		return err
	}
	defer eventQueue.Close()
	eventQueue.Notify(services.NewQueueMonitor(metricsCollector))

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = &tracing.NewRelicTracer{}
	}

	// Initialize Elasticsearch client when enabled
	var indexer services.EventIndexer
	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			indexer = elasticClient
		}
	}

	// Initialize services
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	ingestService := services.NewIngestService(eventQueue, eventRepo, redisCache, indexer, metricsCollector, tracer, cfg.Stats)

	// Start the queue consumers
	g.Go(func() error {
		log.Info().
			Str("queue", cfg.Queue.Name).
			Int("concurrency", cfg.Queue.Concurrency).
			Msg("Starting queue consumers")
		return eventQueue.Process(ctx, ingestService.ProcessEventJob)
	})

	// Start the maintenance cron: queue depth gauges and backend health
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(30*time.Second),
			gocron.NewTask(func() {
				reportQueueHealth(ctx, eventQueue, db, metricsCollector)
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// reportQueueHealth refreshes queue depth gauges and backend health checks
func reportQueueHealth(ctx context.Context, q *queue.Queue, db *gorm.DB, m *metrics.Metrics) {
	counts, err := q.Counts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read queue depths")
		m.SetHealth("queue", false)
	} else {
		m.SetHealth("queue", true)
		for state, depth := range counts {
			m.SetGauge("queue_"+state, depth)
		}
		if counts["failed"] > 0 {
			log.Warn().Int64("failed", counts["failed"]).Msg("Queue holds jobs that exhausted retries")
		}
	}

	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	m.SetHealth("database", err == nil)
	if err != nil {
		log.Error().Err(err).Msg("Event store health check failed")
	}
}
