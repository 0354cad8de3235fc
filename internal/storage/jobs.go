package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shohag/convrelay/internal/models"
)

const jobColumns = `job_id, status, attempts, max_attempts, next_retry_at, payload, context_ref,
	last_error, error_code, created_at, updated_at, completed_at`

func (s *SQLStore) InsertJob(ctx context.Context, job *models.ConversionJob) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO conversion_jobs (job_id, status, attempts, max_attempts, next_retry_at, payload, context_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`),
		job.JobID, job.Status, job.Attempts, job.MaxAttempts, utc(job.NextRetryAt),
		string(job.Payload), job.ContextRef, utc(job.CreatedAt), utc(job.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*models.ConversionJob, error) {
	var job models.ConversionJob
	err := s.db.GetContext(ctx, &job, s.q(`SELECT `+jobColumns+` FROM conversion_jobs WHERE job_id = ?`), jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *SQLStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.ConversionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.ConversionJob
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &jobs, s.q(
			`SELECT `+jobColumns+` FROM conversion_jobs ORDER BY created_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &jobs, s.q(
			`SELECT `+jobColumns+` FROM conversion_jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`), status, limit)
	}
	return jobs, err
}

// ClaimDueJobs is a single UPDATE ... RETURNING. The outer status filter is
// re-evaluated against the row being updated, so two concurrent claimers
// can select the same candidate but only one of them changes it.
func (s *SQLStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]models.ConversionJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = utc(now)

	var jobs []models.ConversionJob
	err := s.db.SelectContext(ctx, &jobs, s.q(
		`UPDATE conversion_jobs SET status = 'processing', updated_at = ?
		 WHERE job_id IN (
			SELECT job_id FROM conversion_jobs
			WHERE status IN ('pending', 'failed') AND next_retry_at <= ? AND attempts < max_attempts
			ORDER BY next_retry_at ASC
			LIMIT ?
		 ) AND status IN ('pending', 'failed')
		 RETURNING `+jobColumns),
		now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].NextRetryAt.Before(jobs[j].NextRetryAt)
	})
	return jobs, nil
}

func (s *SQLStore) CompleteJob(ctx context.Context, jobID string, attempts int, now time.Time) error {
	now = utc(now)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE conversion_jobs
		 SET status = 'completed', attempts = ?, completed_at = ?, updated_at = ?
		 WHERE job_id = ? AND status = 'processing'`),
		attempts, now, now, jobID,
	)
	return expectOneRow(res, err)
}

func (s *SQLStore) ScheduleRetry(ctx context.Context, jobID string, attempts int, nextRetryAt time.Time, lastError, errorCode string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE conversion_jobs
		 SET status = 'failed', attempts = ?, next_retry_at = ?, last_error = ?, error_code = ?, updated_at = ?
		 WHERE job_id = ? AND status = 'processing'`),
		attempts, utc(nextRetryAt), lastError, errorCode, utc(now), jobID,
	)
	return expectOneRow(res, err)
}

func (s *SQLStore) MarkDead(ctx context.Context, jobID string, attempts int, failure *models.ConversionFailureRecord, now time.Time) error {
	now = utc(now)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE conversion_jobs
		 SET status = 'dead', attempts = ?, last_error = ?, error_code = ?, updated_at = ?
		 WHERE job_id = ? AND status = 'processing'`),
		attempts, failure.Error, failure.ErrorCode, now, jobID,
	)
	if err := expectOneRow(res, err); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO conversion_failures (id, job_id, payload, error, error_code, http_status, response_body, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		failure.ID, failure.JobID, string(failure.Payload), failure.Error, failure.ErrorCode,
		failure.HTTPStatus, failure.ResponseBody, failure.Attempts, utc(failure.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert failure record: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) RequeueDeadJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	now = utc(now)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE conversion_jobs
		 SET status = 'pending', attempts = 0, next_retry_at = ?, last_error = NULL, error_code = NULL, updated_at = ?
		 WHERE job_id = ? AND status = 'dead'`),
		now, now, jobID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecoverStaleJobs returns jobs that have sat in processing since before
// staleBefore (a worker died mid-attempt) to the failed pool. Attempts are
// left unchanged; the interrupted attempt may or may not have reached the API.
func (s *SQLStore) RecoverStaleJobs(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	now = utc(now)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE conversion_jobs
		 SET status = 'failed', next_retry_at = ?, last_error = 'recovered from stale processing state', error_code = 'STALE_PROCESSING', updated_at = ?
		 WHERE status = 'processing' AND updated_at < ?`),
		now, now, utc(staleBefore),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM conversion_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int64)
	for rows.Next() {
		var status models.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) CountFailuresSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM conversion_failures WHERE created_at >= ?`), utc(since))
	return n, err
}

func (s *SQLStore) ListFailures(ctx context.Context, limit int) ([]models.ConversionFailureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []models.ConversionFailureRecord
	err := s.db.SelectContext(ctx, &recs, s.q(
		`SELECT id, job_id, payload, error, error_code, http_status, response_body, attempts, created_at
		 FROM conversion_failures ORDER BY created_at DESC LIMIT ?`), limit)
	return recs, err
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrJobNotClaimed
	}
	return nil
}
