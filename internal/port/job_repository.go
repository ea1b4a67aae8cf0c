package port

import (
	"context"
	"time"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
)

type JobRepository interface {
	// EnqueueJob stores a job; returns false when a job with the same dedupe key exists
	EnqueueJob(ctx context.Context, job *domain.Job) (bool, error)

	// ClaimJobs leases up to limit eligible jobs and counts the attempt
	ClaimJobs(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.Job, error)

	// CompleteJob deletes a finished job
	CompleteJob(ctx context.Context, jobID string) error

	// RetryJob releases the lease and makes the job eligible again at nextRunAt
	RetryJob(ctx context.Context, jobID string, nextRunAt time.Time, lastErr string) error

	// DeadLetterJob moves the job to the dead-letter table
	DeadLetterJob(ctx context.Context, job domain.Job, reason string, at time.Time) error

	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}
