package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/convrelay/internal/models"
)

// ErrJobNotClaimed is returned when a state transition expected the job to
// be in processing but another writer got there first.
var ErrJobNotClaimed = errors.New("job is not in processing state")

// Lookups return (nil, nil) when nothing matches.
type Storage interface {
	BrandStore
	OrderStore
	JobStore
	SessionStore

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type BrandStore interface {
	CreateBrand(ctx context.Context, b *models.Brand) error
	GetBrand(ctx context.Context, id string) (*models.Brand, error)
	ListBrands(ctx context.Context) ([]models.Brand, error)
	DeleteBrand(ctx context.Context, id string) error
	UpdateBrandWebhookSecret(ctx context.Context, id, secret string) error
}

type OrderStore interface {
	CreateOrderRecord(ctx context.Context, rec *models.OrderRecord) error
	// SearchRecentOrders returns up to search.Limit records whose payload
	// contains search.Contains (case-insensitive), newest first.
	SearchRecentOrders(ctx context.Context, search models.OrderSearch) ([]models.OrderRecord, error)
	PurgeOrderRecords(ctx context.Context, before time.Time) (int64, error)
}

type JobStore interface {
	// InsertJob stores job unless one with the same id exists. It reports
	// whether a row was inserted.
	InsertJob(ctx context.Context, job *models.ConversionJob) (bool, error)
	GetJob(ctx context.Context, jobID string) (*models.ConversionJob, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.ConversionJob, error)

	// ClaimDueJobs atomically moves up to limit due jobs to processing and
	// returns them ordered by next_retry_at.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]models.ConversionJob, error)
	CompleteJob(ctx context.Context, jobID string, attempts int, now time.Time) error
	ScheduleRetry(ctx context.Context, jobID string, attempts int, nextRetryAt time.Time, lastError, errorCode string, now time.Time) error
	// MarkDead dead-letters a processing job and appends its failure record
	// in the same transaction.
	MarkDead(ctx context.Context, jobID string, attempts int, failure *models.ConversionFailureRecord, now time.Time) error
	RequeueDeadJob(ctx context.Context, jobID string, now time.Time) (bool, error)
	RecoverStaleJobs(ctx context.Context, staleBefore, now time.Time) (int64, error)

	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	CountFailuresSince(ctx context.Context, since time.Time) (int64, error)
	ListFailures(ctx context.Context, limit int) ([]models.ConversionFailureRecord, error)
}

// SessionStore finders only return sessions that have not expired and carry
// an affiliate.
type SessionStore interface {
	UpsertSession(ctx context.Context, update models.VisitorSession, ttl time.Duration) (*models.VisitorSession, error)
	FindSession(ctx context.Context, sessionID string) (*models.VisitorSession, error)
	FindMostRecentSessionByVisitor(ctx context.Context, visitorID, siteID string) (*models.VisitorSession, error)
	FindMostRecentSessionBySite(ctx context.Context, siteID string, since time.Time) (*models.VisitorSession, error)
}
