package scheduler

import (
	"context"
	"time"

	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun tracks one pass of a job for its start and finish log lines.
type jobRun struct {
	job       string
	log       *zap.Logger
	started   time.Time
	processed int
	errors    int
}

type jobRunKey struct{}

// beginRun attaches a run to ctx. When runJob already attached one the
// existing run is reused and the returned finish func does nothing, so a
// job logs one start and one finish whether it is called by the tick loop
// or directly.
func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, func()) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return ctx, run, func() {}
	}
	run := &jobRun{
		job: job,
		log: obslogger.WithContext(ctx, s.log).With(
			zap.String("job", job),
			zap.String("run_id", s.genID.Generate().String()),
		),
		started: s.clock.Now(),
	}
	run.log.Info("scheduler.job.start", zap.Int("batch_size", batchSize))
	return context.WithValue(ctx, jobRunKey{}, run), run, func() { s.finishRun(run) }
}

func (s *Scheduler) finishRun(run *jobRun) {
	fields := []zap.Field{
		zap.Int64("duration_ms", s.clock.Now().Sub(run.started).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	}
	if run.errors > 0 {
		run.log.Warn("scheduler.job.finish", fields...)
		return
	}
	run.log.Info("scheduler.job.finish", fields...)
}

func (r *jobRun) add(resource string, n int) {
	if n > 0 {
		r.processed += n
	}
	obsmetrics.Scheduler().AddBatchProcessed(r.job, resource, n)
}

// fail counts err against the run and logs it with its scheduler class.
func (r *jobRun) fail(msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	r.errors++
	r.log.Error(msg, append([]zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)...)
}
