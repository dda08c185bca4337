package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	onrampdomain "github.com/smallbiznis/settlement/internal/onramp/domain"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	treasurydomain "github.com/smallbiznis/settlement/internal/treasury/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

const lockKeyPrefix = "scheduler:"

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Purchases purchasedomain.Service
	Batches   batchdomain.Service
	OnRamp    onrampdomain.Service
	Treasury  treasurydomain.Service
	Locker    *ratelimit.Locker `optional:"true"`
	Config    Config            `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	purchases purchasedomain.Service
	batches   batchdomain.Service
	onramp    onrampdomain.Service
	treasury  treasurydomain.Service
	locker    *ratelimit.Locker

	mu  sync.Mutex
	due map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Purchases == nil || p.Batches == nil || p.OnRamp == nil || p.Treasury == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		purchases: p.Purchases,
		batches:   p.Batches,
		onramp:    p.OnRamp,
		treasury:  p.Treasury,
		locker:    p.Locker,
		due:       make(map[string]time.Time),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, finish := s.beginRun(ctx, name, batchSize)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errors == 0 {
		run.errors++
	}
	finish()
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
		run.log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs the per-tick jobs and any periodic job that is due.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{obsmetrics.JobSettlementRetry, func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobSettlementRetry, s.cfg.RetryBatchSize, 2*time.Minute, s.RetryPurchasesJob)
		}},
		{obsmetrics.JobBatchResume, func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobBatchResume, s.cfg.RetryBatchSize, 2*time.Minute, s.ResumeBatchesJob)
		}},
	}
	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}

	periodic := []struct {
		Name     string
		Interval time.Duration
		Run      func(context.Context) error
	}{
		{obsmetrics.JobStaleOnRamp, s.cfg.StaleOnRampInterval, func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobStaleOnRamp, 0, 5*time.Minute, s.StaleOnRampJob)
		}},
		{obsmetrics.JobTreasuryReconcile, s.cfg.TreasuryInterval, func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobTreasuryReconcile, 1, 5*time.Minute, s.TreasuryJob)
		}},
	}
	for _, job := range periodic {
		if !s.isJobEnabled(job.Name) || !s.takeDue(job.Name, job.Interval) {
			continue
		}
		err = errors.Join(err, s.withLock(parent, job.Name, job.Interval, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// takeDue reports whether job should run now and, if so, schedules its next
// run one interval later.
func (s *Scheduler) takeDue(job string, interval time.Duration) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.due[job]; ok && now.Before(next) {
		return false
	}
	s.due[job] = now.Add(interval)
	return true
}

// withLock runs fn on one replica per interval. The lock is kept for the
// interval after a successful run and released when fn fails so another
// replica can retry on its next tick.
func (s *Scheduler) withLock(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	ttl := interval
	if ttl < s.cfg.LockTTL {
		ttl = s.cfg.LockTTL
	}
	lease, err := s.locker.Acquire(ctx, lockKeyPrefix+job, ttl)
	if err != nil {
		s.log.Warn("scheduler lock unavailable, skipping", zap.String("job", job), zap.Error(err))
		return nil
	}
	if lease == nil {
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}
	if err := fn(ctx); err != nil {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.log.Warn("scheduler lock release failed", zap.String("job", job), zap.Error(releaseErr))
		}
		return err
	}
	return nil
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
