package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// InlineRunner runs tasks synchronously. Delayed tasks are not held in
// memory: they are left for the retry sweep, which picks up rows whose
// next_retry_at has passed.
type InlineRunner struct {
	log *zap.Logger
}

func NewInlineRunner(log *zap.Logger) *InlineRunner {
	return &InlineRunner{log: log.Named("tasks.inline")}
}

func (r *InlineRunner) Submit(ctx context.Context, name string, task Task) error {
	if err := task(ctx); err != nil {
		r.log.Warn("task failed", zap.String("task", name), zap.Error(err))
	}
	return nil
}

func (r *InlineRunner) SubmitAfter(ctx context.Context, delay time.Duration, name string, task Task) error {
	if delay <= 0 {
		return r.Submit(ctx, name, task)
	}
	r.log.Debug("delayed task deferred to sweep", zap.String("task", name), zap.Duration("delay", delay))
	return nil
}
