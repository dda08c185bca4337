package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

type retryableErr struct{ retry bool }

func (e retryableErr) Error() string   { return "upstream" }
func (e retryableErr) Retryable() bool { return e.retry }

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "upstream",
			err:  fmt.Errorf("refund: %w", retryableErr{retry: true}),
			want: SchedulerJobReasonUpstream,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(retryableErr{retry: true}) {
		t.Fatalf("expected retryable upstream error")
	}
	if IsSchedulerErrorRetryable(retryableErr{retry: false}) {
		t.Fatalf("expected permanent upstream error")
	}
	if IsSchedulerErrorRetryable(errors.New("invalid_state")) {
		t.Fatalf("expected business error to be permanent")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "settlement",
		Environment: "test",
	})

	metrics.AddBatchProcessed(JobSettlementRetry, LockResourcePurchasesForRetry, 3)
	metrics.IncPurchaseTransition("failed", "completed")

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues(JobSettlementRetry, LockResourcePurchasesForRetry))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.purchaseTransitions.WithLabelValues("failed", "completed")); got != 1 {
		t.Fatalf("expected one transition, got %v", got)
	}
}

func TestObserveDBLockWait(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "settlement", Environment: "test"})

	metrics.ObserveDBLockWait(LockResourcePurchaseByID, 20*time.Millisecond)
	metrics.ObserveDBLockWait(LockResourceBatchByID, time.Millisecond)
	metrics.ObserveDBLockWait("ledger_accounts", time.Millisecond)

	if got := testutil.CollectAndCount(metrics.dbLockWait); got != 3 {
		t.Fatalf("expected 3 lock wait series, got %d", got)
	}
	var nilMetrics *SchedulerMetrics
	nilMetrics.ObserveDBLockWait(LockResourcePurchaseByID, time.Second)
}
