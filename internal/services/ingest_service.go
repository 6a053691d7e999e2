package services

import (
	"context"
	"encoding/json"
	"time"

	"example.com/analytics/services/ingest/config"
	"example.com/analytics/services/ingest/internal/cache"
	"example.com/analytics/services/ingest/internal/metrics"
	"example.com/analytics/services/ingest/internal/models"
	"example.com/analytics/services/ingest/internal/queue"
	"example.com/analytics/services/ingest/internal/tracing"
	"example.com/analytics/services/ingest/internal/validation"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventQueue is the durable queue as seen by the ingestion side
type EventQueue interface {
	Submit(ctx context.Context, payload interface{}) (*queue.Job, error)
}

// EventStore is the durable event collection
type EventStore interface {
	Create(ctx context.Context, event *models.StoredEvent) error
	CountEvents(ctx context.Context, siteID string, from, to time.Time) (int64, error)
	CountUniqueUsers(ctx context.Context, siteID string, from, to time.Time) (int64, error)
	TopPaths(ctx context.Context, siteID string, from, to time.Time, limit int) ([]models.PathCount, error)
}

// EventIndexer is the optional secondary search index
type EventIndexer interface {
	IndexEvent(ctx context.Context, event *models.StoredEvent) error
	SearchEvents(ctx context.Context, siteID, term string, limit int) ([]map[string]interface{}, error)
}

// IngestService owns event acceptance, worker-side persistence and the
// read-only reporting queries
type IngestService struct {
	queue    EventQueue
	events   EventStore
	cache    *cache.RedisCache
	indexer  EventIndexer
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
	statsCfg config.StatsConfig
}

// NewIngestService creates a new ingest service
func NewIngestService(
	q EventQueue,
	events EventStore,
	c *cache.RedisCache,
	indexer EventIndexer,
	m *metrics.Metrics,
	tracer tracing.Tracer,
	statsCfg config.StatsConfig,
) *IngestService {
	if statsCfg.TopPathsLimit <= 0 {
		statsCfg.TopPathsLimit = 10
	}
	return &IngestService{
		queue:    q,
		events:   events,
		cache:    c,
		indexer:  indexer,
		metrics:  m,
		tracer:   tracer,
		statsCfg: statsCfg,
	}
}

// EnqueueEvent submits a validated event to the durable queue and returns
// the job handle. It never waits on the event store.
func (s *IngestService) EnqueueEvent(ctx context.Context, payload models.EventPayload) (*queue.Job, error) {
	job, err := s.queue.Submit(ctx, payload)
	if err != nil {
		s.metrics.IncrementCounter("queue_submit_errors")
		return nil, errors.Wrap(err, "failed to queue event")
	}

	s.metrics.IncrementCounter("events_accepted")

	log.Debug().
		Str("job_id", job.ID).
		Str("site_id", payload.SiteID).
		Str("event_type", payload.EventType).
		Msg("Event queued for processing")

	return job, nil
}

// ProcessEventJob is the worker's processing function: it translates one
// queue job into a stored event. Failures are propagated unmodified so the
// queue runtime drives retries; the service keeps no retry logic of its own.
func (s *IngestService) ProcessEventJob(ctx context.Context, job *queue.Job) (*queue.Result, error) {
	txn := s.tracer.StartTransaction("process-event-job")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "job_id", job.ID)

	started := time.Now()

	var payload models.EventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrapf(err, "failed to decode payload of job %s", job.ID)
	}

	timestamp := time.Now().UTC()
	if payload.Timestamp != "" {
		parsed, err := validation.ParseTimestamp(payload.Timestamp)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return nil, errors.Wrapf(err, "failed to parse timestamp of job %s", job.ID)
		}
		timestamp = parsed
	}

	event := &models.StoredEvent{
		ID:        uuid.New(),
		SiteID:    payload.SiteID,
		EventType: payload.EventType,
		Path:      nullable(payload.Path),
		UserID:    nullable(payload.UserID),
		Timestamp: timestamp,
		CreatedAt: time.Now().UTC(),
		DedupeKey: job.ID,
	}

	span := s.tracer.StartSpan("insert-event", txn)
	err := s.events.Create(ctx, event)
	span.End()

	if err != nil {
		s.metrics.IncrementCounter("store_insert_errors")
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	// Secondary index is best-effort; the store insert is the source of truth
	if s.indexer != nil {
		indexSpan := s.tracer.StartSpan("index-event", txn)
		if err := s.indexer.IndexEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to index event")
		}
		indexSpan.End()
	}

	s.metrics.IncrementCounter("events_stored")
	s.metrics.RecordTimer("event_persist_ms", time.Since(started).Milliseconds())

	log.Info().
		Str("job_id", job.ID).
		Str("event_id", event.ID.String()).
		Str("site_id", event.SiteID).
		Msg("Event persisted")

	return &queue.Result{
		StoredID:    event.ID.String(),
		ProcessedAt: time.Now().UTC(),
	}, nil
}

// GetDailyStats aggregates one site's events over the full UTC day
func (s *IngestService) GetDailyStats(ctx context.Context, siteID string, day time.Time) (*models.DailyStats, error) {
	txn := s.tracer.StartTransaction("get-daily-stats")
	defer s.tracer.EndTransaction(txn)

	cacheKey := cache.GetStatsCacheKey(siteID, day)
	if s.cache != nil {
		var cached models.DailyStats
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			s.metrics.IncrementCounter("stats_cache_hits")
			return &cached, nil
		}
	}

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24*time.Hour - time.Millisecond)

	total, err := s.events.CountEvents(ctx, siteID, from, to)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to compute total views")
	}

	unique, err := s.events.CountUniqueUsers(ctx, siteID, from, to)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to compute unique users")
	}

	topPaths, err := s.events.TopPaths(ctx, siteID, from, to, s.statsCfg.TopPathsLimit)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to compute top paths")
	}
	if topPaths == nil {
		topPaths = []models.PathCount{}
	}

	stats := &models.DailyStats{
		TotalViews:  total,
		UniqueUsers: unique,
		TopPaths:    topPaths,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, stats, s.statsCfg.CacheTTL); err != nil {
			log.Debug().Err(err).Str("site_id", siteID).Msg("Failed to cache stats")
		}
	}

	return stats, nil
}

// SearchEvents looks up a site's events in the secondary index
func (s *IngestService) SearchEvents(ctx context.Context, siteID, term string) ([]map[string]interface{}, error) {
	if s.indexer == nil {
		return nil, errors.New("event search is not enabled")
	}
	return s.indexer.SearchEvents(ctx, siteID, term, 50)
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
