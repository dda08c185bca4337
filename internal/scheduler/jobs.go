package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"go.uber.org/zap"
)

// RetryPurchasesJob drains purchases whose retry is due, one claim batch at
// a time, until a claim comes back short.
func (s *Scheduler) RetryPurchasesJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, obsmetrics.JobSettlementRetry, s.cfg.RetryBatchSize)
	defer finish()
	for ctx.Err() == nil {
		n, err := s.purchases.RetryDue(ctx, s.cfg.RetryBatchSize)
		run.add("purchase", n)
		if err != nil {
			run.fail("scheduler.purchase.retry.failed", err)
			return err
		}
		if n < s.cfg.RetryBatchSize {
			return nil
		}
	}
	return ctx.Err()
}

func (s *Scheduler) ResumeBatchesJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, obsmetrics.JobBatchResume, s.cfg.RetryBatchSize)
	defer finish()
	n, err := s.batches.ResumeStale(ctx, s.cfg.RetryBatchSize)
	run.add("batch", n)
	if err != nil {
		run.fail("scheduler.batch.resume.failed", err)
	}
	return err
}

func (s *Scheduler) StaleOnRampJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, obsmetrics.JobStaleOnRamp, 0)
	defer finish()
	report, err := s.onramp.CheckStale(ctx)
	run.add("onramp", report.Checked)
	if err != nil {
		run.fail("scheduler.onramp.stale.failed", err)
		return err
	}
	if report.Checked > 0 {
		run.log.Info("stale onramp check",
			zap.Int("checked", report.Checked),
			zap.Int("warned", report.Warned),
			zap.Int("updated", report.Updated),
			zap.Int("failed", report.Failed),
			zap.Int("refunded", report.Refunded),
		)
	}
	return nil
}

func (s *Scheduler) TreasuryJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, obsmetrics.JobTreasuryReconcile, 1)
	defer finish()
	rec, err := s.treasury.Reconcile(ctx)
	if err != nil {
		run.fail("scheduler.treasury.reconcile.failed", err)
		return err
	}
	run.add("reconciliation", 1)
	run.log.Info("treasury snapshot",
		zap.String("reconciliation_id", rec.ID.String()),
		zap.String("health", string(rec.Health)),
	)
	return nil
}
