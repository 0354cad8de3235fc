// Package conversion is the durable delivery queue between attribution and
// the conversion API. Jobs are rows in the job table; the table is the only
// lock, so several ProcessQueue calls may run at once against one store.
package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/convrelay/internal/alerting"
	"github.com/shohag/convrelay/internal/config"
	"github.com/shohag/convrelay/internal/convapi"
	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/storage"
)

const (
	MessageQueued           = "queued"
	MessageAlreadyQueued    = "already queued"
	MessageAlreadyProcessed = "already processed"
)

type Sender interface {
	Send(ctx context.Context, req convapi.Request) (*convapi.Result, error)
}

// BrandLookup supplies the per-brand API key a conversion is sent with.
type BrandLookup interface {
	GetBrand(ctx context.Context, id string) (*models.Brand, error)
}

type EnqueueResult struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
}

type RetryResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Queue struct {
	store       storage.JobStore
	brands      BrandLookup
	sender      Sender
	notifier    alerting.Notifier
	schedule    []time.Duration
	maxAttempts int
	batchSize   int
	concurrency int
	now         func() time.Time
	log         zerolog.Logger
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func NewQueue(cfg config.DeliveryConfig, store storage.JobStore, brands BrandLookup, sender Sender, notifier alerting.Notifier, log zerolog.Logger, opts ...Option) *Queue {
	schedule := cfg.RetrySchedule
	if len(schedule) == 0 {
		schedule = config.DefaultRetrySchedule
	}
	if notifier == nil {
		notifier = alerting.Nop{}
	}

	q := &Queue{
		store:       store,
		brands:      brands,
		sender:      sender,
		notifier:    notifier,
		schedule:    schedule,
		maxAttempts: positive(cfg.MaxAttempts, models.DefaultMaxAttempts),
		batchSize:   positive(cfg.BatchSize, 20),
		concurrency: positive(cfg.Concurrency, 1),
		now:         time.Now,
		log:         log.With().Str("component", "conversion_queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// JobID is the idempotency key for a conversion. Without both parts there is
// nothing stable to key on, so a fresh id is used.
func JobID(brandID, externalOrderID string) string {
	if brandID == "" || externalOrderID == "" {
		return models.NewID("conv")
	}
	return "conv_" + brandID + "_" + externalOrderID
}

// Enqueue inserts a pending job, or reports the state of the job that
// already holds this key without touching it.
func (q *Queue) Enqueue(ctx context.Context, payload models.ConversionPayload, contextRef string) (EnqueueResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("encode conversion payload: %w", err)
	}

	now := q.now().UTC()
	job := &models.ConversionJob{
		JobID:       JobID(payload.BrandID, payload.ExternalOrderID),
		Status:      models.JobPending,
		MaxAttempts: q.maxAttempts,
		NextRetryAt: now,
		Payload:     data,
		ContextRef:  contextRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return EnqueueResult{}, err
	}
	if inserted {
		q.log.Info().Str("job_id", job.JobID).Str("context_ref", contextRef).Msg("conversion queued")
		return EnqueueResult{JobID: job.JobID, Status: models.JobPending, Message: MessageQueued}, nil
	}

	existing, err := q.store.GetJob(ctx, job.JobID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if existing == nil {
		return EnqueueResult{}, fmt.Errorf("job %s conflicted on insert but cannot be read", job.JobID)
	}

	msg := MessageAlreadyQueued
	if existing.Status.Terminal() {
		msg = MessageAlreadyProcessed
	}
	q.log.Debug().Str("job_id", existing.JobID).Str("status", string(existing.Status)).Msg("duplicate enqueue ignored")
	return EnqueueResult{JobID: existing.JobID, Status: existing.Status, Message: msg}, nil
}

// ProcessQueue claims up to batchSize due jobs and attempts each once. Send
// failures never escape; they become state transitions. An error is
// returned only when the store itself fails, and outcomes already written
// for other jobs in the batch stand.
func (q *Queue) ProcessQueue(ctx context.Context, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = q.batchSize
	}

	jobs, err := q.store.ClaimDueJobs(ctx, q.now(), batchSize)
	if err != nil {
		return BatchResult{}, err
	}
	if len(jobs) == 0 {
		return BatchResult{}, nil
	}

	var (
		mu  sync.Mutex
		res BatchResult
	)
	p := pool.New().WithMaxGoroutines(min(q.concurrency, len(jobs))).WithErrors()
	for _, job := range jobs {
		p.Go(func() error {
			status, err := q.deliver(ctx, job)
			if err != nil {
				return fmt.Errorf("job %s: %w", job.JobID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case models.JobCompleted:
				res.Processed++
				res.Succeeded++
			case models.JobFailed:
				res.Processed++
				res.Failed++
			case models.JobDead:
				res.Processed++
				res.Dead++
			}
			return nil
		})
	}
	err = p.Wait()

	q.log.Info().
		Int("processed", res.Processed).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("dead", res.Dead).
		Msg("conversion batch processed")
	return res, err
}

// deliver makes one attempt for a claimed job and records the outcome. The
// send and the write-back are detached from ctx cancellation: an attempt in
// flight is finished, bounded by the client timeout, rather than abandoned.
func (q *Queue) deliver(ctx context.Context, job models.ConversionJob) (models.JobStatus, error) {
	ctx = context.WithoutCancel(ctx)
	attempts := job.Attempts + 1
	maxAttempts := positive(job.MaxAttempts, q.maxAttempts)
	log := q.log.With().Str("job_id", job.JobID).Int("attempt", attempts).Logger()

	var payload models.ConversionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return q.deadLetter(ctx, job, attempts, fmt.Errorf("decode stored payload: %w", err),
			Classification{Class: ClassFatal, Code: "INVALID_PAYLOAD"}, log)
	}

	result, sendErr := q.send(ctx, job, payload)
	now := q.now()

	if sendErr == nil {
		if err := q.store.CompleteJob(ctx, job.JobID, attempts, now); err != nil {
			return q.transitionFailed(err, log)
		}
		log.Info().Str("conversion_id", result.ConversionID).Msg("conversion delivered")
		return models.JobCompleted, nil
	}

	c := Classify(sendErr)
	if c.Class == ClassUnclassified {
		log.Warn().Err(sendErr).Str("signal", "unclassified").Msg("unclassified delivery error, retrying")
	}

	if c.Retryable() && attempts < maxAttempts {
		next := NextRetryAt(attempts, q.schedule, now)
		if err := q.store.ScheduleRetry(ctx, job.JobID, attempts, next, sendErr.Error(), c.Code, now); err != nil {
			return q.transitionFailed(err, log)
		}
		log.Warn().
			Err(sendErr).
			Int("status_code", c.StatusCode).
			Time("next_retry_at", next).
			Msg("conversion delivery failed, retry scheduled")
		return models.JobFailed, nil
	}

	return q.deadLetter(ctx, job, attempts, sendErr, c, log)
}

func (q *Queue) send(ctx context.Context, job models.ConversionJob, payload models.ConversionPayload) (*convapi.Result, error) {
	req := convapi.Request{Payload: json.RawMessage(job.Payload), IdempotencyKey: job.JobID}
	if q.brands != nil && payload.BrandID != "" {
		brand, err := q.brands.GetBrand(ctx, payload.BrandID)
		if err != nil {
			return nil, fmt.Errorf("look up brand %s: %w", payload.BrandID, err)
		}
		if brand != nil {
			req.APIKey = brand.APIKey
		}
	}
	return q.sender.Send(ctx, req)
}

func (q *Queue) deadLetter(ctx context.Context, job models.ConversionJob, attempts int, cause error, c Classification, log zerolog.Logger) (models.JobStatus, error) {
	now := q.now().UTC()
	jobID := job.JobID
	failure := &models.ConversionFailureRecord{
		ID:        models.NewID("cfail"),
		JobID:     &jobID,
		Payload:   job.Payload,
		Error:     cause.Error(),
		ErrorCode: c.Code,
		Attempts:  attempts,
		CreatedAt: now,
	}
	if c.StatusCode != 0 {
		status := c.StatusCode
		failure.HTTPStatus = &status
	}
	if c.Body != "" {
		body := c.Body
		failure.ResponseBody = &body
	}

	if err := q.store.MarkDead(ctx, job.JobID, attempts, failure, now); err != nil {
		return q.transitionFailed(err, log)
	}
	log.Error().
		Err(cause).
		Str("error_code", c.Code).
		Int("status_code", c.StatusCode).
		Msg("conversion dead-lettered")

	job.Status = models.JobDead
	job.Attempts = attempts
	report := q.notifier.NotifyPermanentFailure(ctx, job, cause, attempts)
	log.Debug().Bool("alert_sent", report.Sent).Bool("alert_configured", report.Configured).Msg("permanent failure alert")
	return models.JobDead, nil
}

// transitionFailed handles a write-back that did not land. Losing the claim
// to another writer is not an error for the batch; the job is skipped.
func (q *Queue) transitionFailed(err error, log zerolog.Logger) (models.JobStatus, error) {
	if errors.Is(err, storage.ErrJobNotClaimed) {
		log.Warn().Msg("job left processing state mid-attempt, outcome dropped")
		return "", nil
	}
	return "", err
}

// Stats counts jobs by status, listing every status even when empty.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	counts, err := q.store.CountJobsByStatus(ctx)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	failures, err := q.store.CountFailuresSince(ctx, q.now().Add(-24*time.Hour))
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count failures: %w", err)
	}

	stats := models.QueueStats{Queue: make(map[models.JobStatus]int64, len(models.AllJobStatuses)), Failures24h: failures}
	for _, s := range models.AllJobStatuses {
		stats.Queue[s] = counts[s]
	}
	return stats, nil
}

// RetryDeadJob puts a dead job back in the pending pool with a fresh
// attempt budget. Jobs in any other state are left alone.
func (q *Queue) RetryDeadJob(ctx context.Context, jobID string) (RetryResult, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return RetryResult{Message: "job id is required"}, nil
	}

	ok, err := q.store.RequeueDeadJob(ctx, jobID, q.now())
	if err != nil {
		return RetryResult{}, err
	}
	if ok {
		q.log.Info().Str("job_id", jobID).Msg("dead job requeued")
		return RetryResult{Success: true, Message: "job requeued"}, nil
	}

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return RetryResult{}, err
	}
	if job == nil {
		return RetryResult{Message: "job not found"}, nil
	}
	return RetryResult{Message: fmt.Sprintf("job is %s, only dead jobs can be retried", job.Status)}, nil
}

// RecoverStale returns jobs stuck in processing for longer than timeout to
// the failed pool.
func (q *Queue) RecoverStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := q.now()
	n, err := q.store.RecoverStaleJobs(ctx, now.Add(-timeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn().Int64("jobs", n).Msg("recovered stale processing jobs")
	}
	return n, nil
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
