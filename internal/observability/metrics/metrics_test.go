package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("purchase_id", "456"),
		attribute.String("outcome", "processed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "provider" && attrs[1].Key != "provider" {
		t.Fatalf("expected provider to be retained")
	}
	if attrs[0].Key != "outcome" && attrs[1].Key != "outcome" {
		t.Fatalf("expected outcome to be retained")
	}
}

func TestRecordersToleratesNilAndNoop(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordSettlement(context.Background(), "completed", "auto", time.Second)
	nilMetrics.RecordRefund(context.Background(), "batch_refund", "completed")

	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPaymentEvent(context.Background(), "stripe", "payment_intent.succeeded", "processed")
	m.RecordSettlement(context.Background(), "failed", "collaborative", 250*time.Millisecond)
	m.RecordTreasuryCheck(context.Background(), "warning")
}
