package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

const (
	schedulerLeaderLockKey = "scheduler:leader"
	schedulerLeaderLockTTL = 10 * time.Minute
)

var schedulerCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var schedulerReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SchedulerService runs the periodic maintenance jobs: budget period rotation
// at each boundary and the stale in-progress idempotency sweep.
//
// Multi-instance deployments coordinate through a best-effort redis leader
// lock so each job fires on one node per tick.
type SchedulerService struct {
	budget      *BudgetService
	idempotency CoordinationCache
	redisClient *redis.Client
	loc         *time.Location

	rotationEnabled bool
	sweepInterval   time.Duration
	instanceID      string

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSchedulerService(budget *BudgetService, idempotency CoordinationCache, redisClient *redis.Client, loc *time.Location, rotationEnabled bool, sweepInterval time.Duration) *SchedulerService {
	if loc == nil {
		loc = time.Local
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	return &SchedulerService{
		budget:          budget,
		idempotency:     idempotency,
		redisClient:     redisClient,
		loc:             loc,
		rotationEnabled: rotationEnabled,
		sweepInterval:   sweepInterval,
		instanceID:      uuid.NewString(),
	}
}

func (s *SchedulerService) Start() {
	if s == nil || s.budget == nil {
		return
	}
	s.startOnce.Do(func() {
		c := cron.New(cron.WithParser(schedulerCronParser), cron.WithLocation(s.loc))

		if s.rotationEnabled {
			jobs := []struct {
				schedule string
				period   string
			}{
				{"0 0 * * *", domain.PeriodDaily},
				{"0 0 * * 0", domain.PeriodWeekly},
				{"0 0 1 * *", domain.PeriodMonthly},
			}
			for _, job := range jobs {
				if _, err := c.AddFunc(job.schedule, func() { s.rotate(job.period) }); err != nil {
					logger.L().Error("scheduler: failed to register rotation job",
						zap.String("period", job.period), zap.Error(err))
				}
			}
		}

		sweepSpec := fmt.Sprintf("*/%d * * * *", int(s.sweepInterval.Minutes()))
		if _, err := c.AddFunc(sweepSpec, s.sweepStaleInProgress); err != nil {
			logger.L().Error("scheduler: failed to register idempotency sweep", zap.Error(err))
		}

		s.cron = c
		s.cron.Start()
		logger.L().Info("scheduler: started",
			zap.Bool("rotation_enabled", s.rotationEnabled),
			zap.Duration("sweep_interval", s.sweepInterval),
			zap.String("timezone", s.loc.String()))
	})
}

func (s *SchedulerService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cron == nil {
			return
		}
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(3 * time.Second):
			logger.L().Warn("scheduler: cron stop timed out")
		}
	})
}

func (s *SchedulerService) rotate(period string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	release, ok := s.tryAcquireLeaderLock(ctx)
	if !ok {
		return
	}
	if release != nil {
		defer release()
	}

	if err := s.budget.ResetBudgetPeriod(ctx, period); err != nil {
		logger.L().Error("scheduler: budget rotation failed",
			zap.String("period", period), zap.Error(err))
	}
}

// sweepStaleInProgress reports in-progress idempotency records older than the
// wait timeout. The sweep is observational; records expire via their TTL.
func (s *SchedulerService) sweepStaleInProgress() {
	if s.idempotency == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.sweepInterval)
	keys, err := s.idempotency.ScanInProgress(ctx, cutoff)
	if err != nil {
		logger.L().Warn("scheduler: idempotency sweep failed", zap.Error(err))
		return
	}
	if len(keys) > 0 {
		logger.L().Warn("scheduler: stale in-progress idempotency records",
			zap.Int("count", len(keys)),
			zap.Strings("keys", keys),
			zap.Time("cutoff", cutoff))
	}
}

func (s *SchedulerService) tryAcquireLeaderLock(ctx context.Context) (func(), bool) {
	if s.redisClient == nil {
		// Single-instance deployment; run unconditionally.
		return nil, true
	}
	ok, err := s.redisClient.SetNX(ctx, schedulerLeaderLockKey, s.instanceID, schedulerLeaderLockTTL).Result()
	if err != nil {
		logger.L().Warn("scheduler: leader lock unavailable, running anyway", zap.Error(err))
		return nil, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := schedulerReleaseScript.Run(releaseCtx, s.redisClient, []string{schedulerLeaderLockKey}, s.instanceID).Err(); err != nil && err != redis.Nil {
			logger.L().Warn("scheduler: failed to release leader lock", zap.Error(err))
		}
	}, true
}
