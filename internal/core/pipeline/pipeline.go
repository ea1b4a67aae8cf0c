// Package pipeline runs durable background jobs.
//
// Jobs live in the database until they succeed or are dead-lettered, so a
// crash loses nothing: a job claimed by a worker that died becomes eligible
// again once its lease expires. Delivery is therefore at-least-once and every
// handler must tolerate running twice.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/port"
)

var tracer = otel.Tracer("github.com/rl1809/marketplace-orders/internal/core/pipeline")

// Handler executes one job. Returning an error wrapping domain.ErrPermanent
// dead-letters the job without spending the remaining attempts.
type Handler func(ctx context.Context, job domain.Job) error

// Policy is the retry budget of a job type: a fixed delay between attempts.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

type Descriptor struct {
	Type    domain.JobType
	Policy  Policy
	Handler Handler
	// Timeout overrides Config.HandlerTimeout when set.
	Timeout time.Duration
}

type Config struct {
	Workers        int
	PollInterval   time.Duration
	Lease          time.Duration
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	return c
}

type Pipeline struct {
	repo     port.JobRepository
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	wake     chan struct{}
	notifier port.Notifier
	opsEmail string

	mu       sync.RWMutex
	registry map[domain.JobType]Descriptor
}

var _ port.TaskQueue = (*Pipeline)(nil)

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithDeadLetterReports sends a message to opsEmail for every dead-lettered job.
func WithDeadLetterReports(n port.Notifier, opsEmail string) Option {
	return func(p *Pipeline) {
		p.notifier = n
		p.opsEmail = opsEmail
	}
}

func New(repo port.JobRepository, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		registry: make(map[domain.JobType]Descriptor),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Register(d Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry[d.Type] = d
}

func (p *Pipeline) descriptor(t domain.JobType) (Descriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.registry[t]
	return d, ok
}

// NewJob builds a queued job with the policy registered for jobType. It does not store it.
func (p *Pipeline) NewJob(jobType domain.JobType, payload any, dedupeKey string) (*domain.Job, error) {
	d, ok := p.descriptor(jobType)
	if !ok {
		return nil, fmt.Errorf("pipeline: no handler registered for %q", jobType)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode %s payload: %w", jobType, err)
	}
	now := p.now().UTC()
	return &domain.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     b,
		Status:      domain.JobStatusQueued,
		MaxAttempts: d.Policy.MaxAttempts,
		NextRunAt:   now,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Enqueue durably stores a job. It returns false when dedupeKey matched a stored job.
func (p *Pipeline) Enqueue(ctx context.Context, jobType domain.JobType, payload any, dedupeKey string) (*domain.Job, bool, error) {
	job, err := p.NewJob(jobType, payload, dedupeKey)
	if err != nil {
		return nil, false, err
	}
	added, err := p.repo.EnqueueJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if added {
		p.Notify()
	}
	return job, added, nil
}

// Notify wakes the dispatcher without waiting for the next poll.
func (p *Pipeline) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run dispatches eligible jobs to a pool of workers until ctx is cancelled.
// Jobs already handed to a worker run to completion before Run returns.
func (p *Pipeline) Run(ctx context.Context) {
	queue := make(chan domain.Job)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id, queue)
		}(i)
	}
	p.logger.Info("task workers started", zap.Int("workers", p.cfg.Workers))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

dispatch:
	for {
		jobs, err := p.claim(ctx, p.cfg.Workers)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("claim jobs", zap.Error(err))
		}
		for _, job := range jobs {
			// a claimed job is always handed over, even during shutdown
			queue <- job
		}
		if len(jobs) == p.cfg.Workers {
			continue
		}

		select {
		case <-ctx.Done():
			break dispatch
		case <-ticker.C:
		case <-p.wake:
		}
	}

	close(queue)
	wg.Wait()
	p.logger.Info("task workers stopped")
}

func (p *Pipeline) workerLoop(ctx context.Context, id int, queue <-chan domain.Job) {
	for job := range queue {
		p.execute(ctx, job, zap.Int("worker", id))
	}
}

// RunOnce claims one batch and executes it on the calling goroutine.
func (p *Pipeline) RunOnce(ctx context.Context, limit int) (int, error) {
	jobs, err := p.claim(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		p.execute(ctx, job)
	}
	return len(jobs), nil
}

func (p *Pipeline) claim(ctx context.Context, limit int) ([]domain.Job, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	now := p.now().UTC()
	return p.repo.ClaimJobs(ctx, now, now.Add(p.cfg.Lease), limit)
}

func (p *Pipeline) execute(ctx context.Context, job domain.Job, fields ...zap.Field) {
	// running jobs are never cancelled mid-flight
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With(append(fields,
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempts),
	)...)

	ctx, span := tracer.Start(ctx, "job "+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	// Claiming counts the attempt, so a lease that expired on the final
	// attempt comes back over budget. The handler does not run again.
	if job.Attempts > job.MaxAttempts {
		job.Attempts = job.MaxAttempts
		p.deadLetter(ctx, logger, job, leaseExpiredReason)
		return
	}

	d, ok := p.descriptor(job.Type)
	if !ok {
		p.deadLetter(ctx, logger, job, fmt.Sprintf("no handler registered for %q", job.Type))
		return
	}

	timeout := p.cfg.HandlerTimeout
	if d.Timeout > 0 {
		timeout = d.Timeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	err := safeCall(hctx, d.Handler, job)
	cancel()

	if err == nil {
		if err := p.repo.CompleteJob(ctx, job.ID); err != nil {
			// the lease will expire and the job run again
			logger.Error("complete job", zap.Error(err))
			return
		}
		logger.Info("job succeeded", zap.Duration("took", time.Since(start)))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, domain.ErrPermanent) || job.Attempts >= job.MaxAttempts {
		p.deadLetter(ctx, logger, job, err.Error())
		return
	}

	next := p.now().UTC().Add(d.Policy.Backoff)
	if rerr := p.repo.RetryJob(ctx, job.ID, next, err.Error()); rerr != nil {
		logger.Error("reschedule job", zap.Error(rerr))
		return
	}
	logger.Warn("job failed, retry scheduled",
		zap.Error(err),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Time("next_run_at", next),
	)
}

func (p *Pipeline) deadLetter(ctx context.Context, logger *zap.Logger, job domain.Job, reason string) {
	if err := p.repo.DeadLetterJob(ctx, job, reason, p.now().UTC()); err != nil {
		logger.Error("dead-letter job", zap.Error(err))
		return
	}
	logger.Error("job dead-lettered",
		zap.String("reason", reason),
		zap.Int("max_attempts", job.MaxAttempts),
	)

	if p.notifier == nil || p.opsEmail == "" {
		return
	}
	subject := fmt.Sprintf("Dead-lettered job - %s", job.Type)
	body := fmt.Sprintf("Job %s (%s) failed %d of %d attempts.\nPayload: %s\nLast error: %s\n",
		job.ID, job.Type, job.Attempts, job.MaxAttempts, job.Payload, reason)
	if err := p.notifier.Send(ctx, p.opsEmail, subject, body); err != nil {
		logger.Warn("report dead letter", zap.Error(err))
	}
}

const leaseExpiredReason = "lease expired after final attempt"

func safeCall(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
