package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"example.com/analytics/services/ingest/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ackTimeout bounds the bookkeeping writes that follow a delivery attempt.
// It is independent of the handler's deadline: a timed-out attempt must
// still be able to record its retry.
const ackTimeout = 10 * time.Second

// leaseGrace extends a job's lease past the handler deadline so the
// acknowledgment writes finish before the lease is considered expired.
const leaseGrace = 10 * time.Second

// Options configures a durable queue
type Options struct {
	Name        string
	MaxAttempts int
	BackoffBase time.Duration
	Concurrency int
	JobTimeout  time.Duration
	StallCheck  time.Duration
}

func (o *Options) withDefaults() {
	if o.Name == "" {
		o.Name = "events"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.StallCheck <= 0 {
		o.StallCheck = 30 * time.Second
	}
}

// Result is what a processing function reports back on success
type Result struct {
	StoredID    string    `json:"stored_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ProcessFunc handles one delivered job. Returning nil marks the job
// completed; returning an error triggers the queue's retry policy. Delivery
// is at-least-once: the same job may be handed to the function again if a
// prior attempt never acknowledged.
type ProcessFunc func(ctx context.Context, job *Job) (*Result, error)

// Observer is notified synchronously at job lifecycle points. For a failed
// attempt, final reports whether the retry budget is exhausted.
type Observer interface {
	JobSubmitted(job *Job)
	JobStarted(job *Job)
	JobCompleted(job *Job, result *Result)
	JobFailed(job *Job, err error, final bool)
}

// Queue is a Redis-backed durable work queue with exponential retry backoff.
// Jobs survive process restarts; completed jobs are purged immediately while
// failed jobs are retained for inspection.
type Queue struct {
	client    *redis.Client
	opts      Options
	observers []Observer
}

// New connects to Redis and returns a queue handle
func New(cfg config.RedisConfig, opts Options) (*Queue, error) {
	opts.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &Queue{client: client, opts: opts}, nil
}

// Notify registers an observer. Observers must be registered before Submit
// or Process is first called.
func (q *Queue) Notify(o Observer) {
	q.observers = append(q.observers, o)
}

func (q *Queue) key(part string) string {
	return fmt.Sprintf("queue:%s:%s", q.opts.Name, part)
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// Submit persists a job in the waiting state and returns its handle. The
// caller gets an acknowledgment as soon as the job is durable in Redis,
// before any processing happens.
func (q *Queue) Submit(ctx context.Context, payload interface{}) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job payload")
	}

	job := &Job{
		ID:          uuid.New().String(),
		Payload:     data,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), job.fields())
	pipe.LPush(ctx, q.key("wait"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to submit job")
	}

	for _, o := range q.observers {
		o.JobSubmitted(job)
	}

	return job, nil
}

// Process runs consumer goroutines against the queue until ctx is canceled.
// On cancellation consumers stop reserving new jobs but in-flight handlers
// run to completion before Process returns. Jobs a previous process reserved
// and never acknowledged are rescued before consumption starts.
func (q *Queue) Process(ctx context.Context, fn ProcessFunc) error {
	if err := q.rescueStalled(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to rescue stalled jobs on startup")
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < q.opts.Concurrency; i++ {
		g.Go(func() error {
			return q.consume(gctx, fn)
		})
	}

	g.Go(func() error {
		return q.promote(gctx)
	})

	g.Go(func() error {
		return q.watchStalled(gctx)
	})

	return g.Wait()
}

// consume reserves jobs one at a time and runs the processing function
func (q *Queue) consume(ctx context.Context, fn ProcessFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Atomically move the oldest waiting job onto the active list
		id, err := q.client.BRPopLPush(ctx, q.key("wait"), q.key("active"), time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to reserve job")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		q.runJob(id, fn)
	}
}

// runJob executes one delivery attempt. The handler runs on a detached
// context so a shutdown signal never aborts an in-flight store insert.
func (q *Queue) runJob(id string, fn ProcessFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.JobTimeout)
	defer cancel()

	job, err := q.loadJob(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("Failed to load reserved job")
		q.client.LRem(ctx, q.key("active"), 1, id)
		return
	}

	job.State = StateActive
	job.Attempts++
	job.LeaseUntil = time.Now().UTC().Add(q.opts.JobTimeout + leaseGrace)
	if err := q.client.HSet(ctx, q.jobKey(id),
		"state", string(StateActive),
		"attempts", strconv.Itoa(job.Attempts),
		"lease_until", job.LeaseUntil.Format(time.RFC3339Nano),
	).Err(); err != nil {
		// At-least-once still holds; the attempt proceeds on stale bookkeeping
		log.Warn().Err(err).Str("job_id", id).Msg("Failed to record job activation")
	}

	for _, o := range q.observers {
		o.JobStarted(job)
	}

	result, procErr := fn(ctx, job)

	// Acknowledgment runs on its own context: the attempt's deadline may
	// already be spent, and a timed-out job still needs its retry recorded
	ackCtx, ackCancel := context.WithTimeout(context.Background(), ackTimeout)
	defer ackCancel()

	if procErr == nil {
		q.complete(ackCtx, job, result)
		return
	}
	q.retryOrFail(ackCtx, job, procErr)
}

// complete acknowledges a successful job. Completed jobs are not retained.
func (q *Queue) complete(ctx context.Context, job *Job, result *Result) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		// The job may be redelivered; the worker's idempotency key absorbs it
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to acknowledge completed job")
		return
	}

	job.State = StateCompleted
	for _, o := range q.observers {
		o.JobCompleted(job, result)
	}
}

// retryOrFail schedules another attempt with exponential backoff, or marks
// the job failed once the attempt budget is spent. Failed jobs stay in Redis
// so operators can see what could not be persisted.
func (q *Queue) retryOrFail(ctx context.Context, job *Job, procErr error) {
	job.LastError = procErr.Error()

	if job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.jobKey(job.ID), "state", string(StateFailed), "last_error", job.LastError)
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.LPush(ctx, q.key("failed"), job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
		}

		log.Error().
			Err(procErr).
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("Job failed after all retries")

		for _, o := range q.observers {
			o.JobFailed(job, procErr, true)
		}
		return
	}

	delay := backoffDelay(q.opts.BackoffBase, job.Attempts)
	job.State = StateWaiting
	job.NextRetryAt = time.Now().UTC().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID),
		"state", string(StateWaiting),
		"last_error", job.LastError,
		"next_retry_at", job.NextRetryAt.Format(time.RFC3339Nano),
	)
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{
		Score:  float64(job.NextRetryAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to schedule job retry")
	}

	log.Warn().
		Err(procErr).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Dur("retry_in", delay).
		Msg("Job attempt failed, retry scheduled")

	for _, o := range q.observers {
		o.JobFailed(job, procErr, false)
	}
}

// promote periodically moves delayed jobs whose retry time has passed back
// onto the waiting list
func (q *Queue) promote(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := q.promoteDue(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to scan delayed jobs")
		}
	}
}

// promoteDue runs one promotion pass over the delayed set
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return errors.Wrap(err, "failed to scan delayed jobs")
	}

	for _, id := range ids {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.LPush(ctx, q.key("wait"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("Failed to promote delayed job")
		}
	}
	return nil
}

// watchStalled periodically rescues jobs whose consumer died mid-attempt
func (q *Queue) watchStalled(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.StallCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := q.rescueStalled(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to rescue stalled jobs")
		}
	}
}

// rescueStalled returns stuck jobs from the active list to the waiting list.
// A job is stalled when its lease expired or was never taken, meaning the
// consumer that reserved it died before acknowledging. Redelivery after a
// partial success is absorbed by the worker's idempotency key.
func (q *Queue) rescueStalled(ctx context.Context) error {
	ids, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "failed to scan active jobs")
	}

	now := time.Now().UTC()
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			// Nothing left to deliver, drop the orphaned reservation
			q.client.LRem(ctx, q.key("active"), 1, id)
			continue
		}
		if job.LeaseUntil.After(now) {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.LRem(ctx, q.key("active"), 1, id)
		pipe.LPush(ctx, q.key("wait"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("Failed to rescue stalled job")
			continue
		}

		log.Warn().Str("job_id", id).Msg("Rescued stalled job")
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	return parseJob(id, fields)
}

// FailedJobs returns the jobs that exhausted their retries, newest first
func (q *Queue) FailedJobs(ctx context.Context) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, q.key("failed"), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed jobs")
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("Skipping unreadable failed job")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts reports queue depth per state bucket
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.TxPipeline()
	waiting := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to read queue depths")
	}

	return map[string]int64{
		"waiting": waiting.Val(),
		"active":  active.Val(),
		"delayed": delayed.Val(),
		"failed":  failed.Val(),
	}, nil
}

// Ping checks the Redis connection
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}
