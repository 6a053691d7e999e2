package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/analytics/services/ingest/config"
	"example.com/analytics/services/ingest/internal/api"
	"example.com/analytics/services/ingest/internal/cache"
	"example.com/analytics/services/ingest/internal/database"
	"example.com/analytics/services/ingest/internal/metrics"
	"example.com/analytics/services/ingest/internal/models"
	"example.com/analytics/services/ingest/internal/queue"
	"example.com/analytics/services/ingest/internal/repositories"
	"example.com/analytics/services/ingest/internal/search"
	"example.com/analytics/services/ingest/internal/services"
	"example.com/analytics/services/ingest/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the ingestion API server",
	Long:  `Start the HTTP API server that validates incoming analytics events, queues them for persistence and serves aggregated statistics`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	// Initialize and start the server
	server := api.NewServer(cfg, ingestService, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
