package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const jobColumns = `id, job_type, payload, status, attempts, max_attempts, next_run_at,
	lease_until, last_error, dedupe_key, created_at, updated_at`

func insertJob(ctx context.Context, db execer, d dialect, job *domain.Job) (bool, error) {
	var dedupe sql.NullString
	if job.DedupeKey != "" {
		dedupe = sql.NullString{String: job.DedupeKey, Valid: true}
	}
	res, err := db.ExecContext(ctx, d.insertJob,
		job.ID, job.Type, string(job.Payload), job.Status, job.Attempts, job.MaxAttempts,
		formatTime(job.NextRunAt), job.LastError, dedupe,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", job.Type, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) EnqueueJob(ctx context.Context, job *domain.Job) (bool, error) {
	return insertJob(ctx, s.db, s.dialect, job)
}

func (s *SQLStore) ClaimJobs(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		jobs = jobs[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+`
			FROM task_jobs
			WHERE (status = ? AND next_run_at <= ?)
			   OR (status = ? AND lease_until <= ?)
			ORDER BY next_run_at
			LIMIT ?`+s.dialect.claimLock,
			domain.JobStatusQueued, formatTime(now),
			domain.JobStatusRunning, formatTime(now),
			limit,
		)
		if err != nil {
			return fmt.Errorf("select eligible jobs: %w", err)
		}
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range jobs {
			jobs[i].Status = domain.JobStatusRunning
			jobs[i].Attempts++
			jobs[i].LeaseUntil = leaseUntil
			jobs[i].UpdatedAt = now
			_, err := tx.ExecContext(ctx, `
				UPDATE task_jobs SET status = ?, attempts = ?, lease_until = ?, updated_at = ?
				WHERE id = ?`,
				jobs[i].Status, jobs[i].Attempts, formatTime(leaseUntil), formatTime(now), jobs[i].ID,
			)
			if err != nil {
				return fmt.Errorf("lease job %s: %w", jobs[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *SQLStore) CompleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLStore) RetryJob(ctx context.Context, jobID string, nextRunAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_jobs
		SET status = ?, next_run_at = ?, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		domain.JobStatusQueued, formatTime(nextRunAt), lastErr, formatTime(time.Now()), jobID,
	)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLStore) DeadLetterJob(ctx context.Context, job domain.Job, reason string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letter_jobs (job_id, job_type, payload, attempts, max_attempts, reason, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Type, string(job.Payload), job.Attempts, job.MaxAttempts, reason, formatTime(at),
		)
		if err != nil {
			return fmt.Errorf("insert dead letter %s: %w", job.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_jobs WHERE id = ?`, job.ID); err != nil {
			return fmt.Errorf("delete dead job %s: %w", job.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, job_type, payload, attempts, max_attempts, reason, failed_at
		FROM dead_letter_jobs ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var payload string
		var failedAt dbTime
		if err := rows.Scan(&dl.JobID, &dl.Type, &payload, &dl.Attempts, &dl.MaxAttempts, &dl.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Payload = []byte(payload)
		dl.FailedAt = failedAt.Time
		out = append(out, dl)
	}
	return out, rows.Err()
}

// GetJob reads a pending or running job; used by operators and tests.
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM task_jobs WHERE id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", jobID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	job, err := scanJob(rows)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns stored jobs of one type ordered by next run time.
func (s *SQLStore) ListJobs(ctx context.Context, jobType domain.JobType) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM task_jobs WHERE job_type = ? ORDER BY next_run_at, id`, jobType)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (domain.Job, error) {
	var job domain.Job
	var payload string
	var dedupe sql.NullString
	var nextRunAt, leaseUntil, createdAt, updatedAt dbTime
	err := rows.Scan(&job.ID, &job.Type, &payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&nextRunAt, &leaseUntil, &job.LastError, &dedupe, &createdAt, &updatedAt)
	if err != nil {
		return job, fmt.Errorf("scan job: %w", err)
	}
	job.Payload = []byte(payload)
	job.DedupeKey = dedupe.String
	job.NextRunAt = nextRunAt.Time
	job.LeaseUntil = leaseUntil.Time
	job.CreatedAt = createdAt.Time
	job.UpdatedAt = updatedAt.Time
	return job, nil
}
