package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
)

// Schedule enqueues one job type periodically. Build returns the payload and
// the dedupe key for a tick; ticks sharing a key enqueue a single job.
type Schedule struct {
	Type  domain.JobType
	Every time.Duration
	Build func(now time.Time) (payload any, dedupeKey string)
}

// DailyReportSchedule reports on the previous UTC day.
func DailyReportSchedule(every time.Duration) Schedule {
	return Schedule{
		Type:  domain.JobGenerateDailyReport,
		Every: every,
		Build: func(now time.Time) (any, string) {
			day := now.UTC().AddDate(0, 0, -1).Format(time.DateOnly)
			return domain.DailyReportPayload{Date: day}, "daily-report:" + day
		},
	}
}

// CleanupSchedule removes terminal orders older than olderThanDays, once per UTC day.
func CleanupSchedule(every time.Duration, olderThanDays int) Schedule {
	return Schedule{
		Type:  domain.JobCleanupOldOrders,
		Every: every,
		Build: func(now time.Time) (any, string) {
			return domain.CleanupPayload{OlderThanDays: olderThanDays},
				"cleanup:" + now.UTC().Format(time.DateOnly)
		},
	}
}

// RunScheduler fires every schedule immediately and then on its interval
// until ctx is cancelled.
func (p *Pipeline) RunScheduler(ctx context.Context, schedules ...Schedule) {
	var wg sync.WaitGroup
	for _, s := range schedules {
		if s.Every <= 0 {
			p.logger.Warn("schedule disabled", zap.String("job_type", string(s.Type)))
			continue
		}
		wg.Add(1)
		go func(s Schedule) {
			defer wg.Done()
			ticker := time.NewTicker(s.Every)
			defer ticker.Stop()
			for {
				p.fire(ctx, s)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(s)
	}
	wg.Wait()
}

func (p *Pipeline) fire(ctx context.Context, s Schedule) {
	payload, key := s.Build(p.now())
	_, added, err := p.Enqueue(ctx, s.Type, payload, key)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			p.logger.Error("scheduled enqueue failed", zap.String("job_type", string(s.Type)), zap.Error(err))
		}
	case added:
		p.logger.Info("scheduled job enqueued", zap.String("job_type", string(s.Type)), zap.String("dedupe_key", key))
	}
}
