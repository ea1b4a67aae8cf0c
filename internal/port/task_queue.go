package port

import "github.com/rl1809/marketplace-orders/internal/core/domain"

type TaskQueue interface {
	// NewJob builds a job carrying the retry policy registered for jobType
	NewJob(jobType domain.JobType, payload any, dedupeKey string) (*domain.Job, error)

	// Notify wakes idle workers after new jobs have committed
	Notify()
}
