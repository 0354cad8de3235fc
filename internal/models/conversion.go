package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDead       JobStatus = "dead"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{JobPending, JobProcessing, JobCompleted, JobFailed, JobDead}

// Terminal reports whether no further delivery attempt will be made
// without operator action.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobDead
}

const DefaultMaxAttempts = 5

// ConversionJob is one conversion to deliver to the conversion API.
type ConversionJob struct {
	JobID       string         `json:"job_id" db:"job_id"`
	Status      JobStatus      `json:"status" db:"status"`
	Attempts    int            `json:"attempts" db:"attempts"`
	MaxAttempts int            `json:"max_attempts" db:"max_attempts"`
	NextRetryAt time.Time      `json:"next_retry_at" db:"next_retry_at"`
	Payload     types.JSONText `json:"payload" db:"payload"`
	ContextRef  string         `json:"context_ref,omitempty" db:"context_ref"`
	LastError   *string        `json:"last_error,omitempty" db:"last_error"`
	ErrorCode   *string        `json:"error_code,omitempty" db:"error_code"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// ConversionFailureRecord is written once, when a job is dead-lettered.
type ConversionFailureRecord struct {
	ID           string         `json:"id" db:"id"`
	JobID        *string        `json:"job_id,omitempty" db:"job_id"`
	Payload      types.JSONText `json:"payload" db:"payload"`
	Error        string         `json:"error" db:"error"`
	ErrorCode    string         `json:"error_code" db:"error_code"`
	HTTPStatus   *int           `json:"http_status,omitempty" db:"http_status"`
	ResponseBody *string        `json:"response_body,omitempty" db:"response_body"`
	Attempts     int            `json:"attempts" db:"attempts"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// ConversionPayload is the body submitted to the conversion API.
type ConversionPayload struct {
	BrandID         string            `json:"brand_id"`
	ExternalOrderID string            `json:"external_order_id"`
	OrderNumber     string            `json:"order_number,omitempty"`
	Amount          float64           `json:"amount"`
	Currency        string            `json:"currency"`
	AffiliateID     string            `json:"affiliate_id"`
	CampaignID      string            `json:"campaign_id,omitempty"`
	Customer        Customer          `json:"customer"`
	LineItems       []LineItem        `json:"line_items,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type Customer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type LineItem struct {
	ExternalProductID string  `json:"external_product_id,omitempty"`
	Name              string  `json:"name,omitempty"`
	Price             float64 `json:"price"`
	Quantity          int     `json:"quantity"`
	Currency          string  `json:"currency,omitempty"`
}

// QueueStats is the dashboard view of the job table.
type QueueStats struct {
	Queue       map[JobStatus]int64 `json:"queue"`
	Failures24h int64               `json:"failures_24h"`
}
