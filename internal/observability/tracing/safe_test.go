package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhooks/stripe"),
		attribute.String("stripe_signature", "t=1,v1=abc"),
		attribute.String("buyer_wallet", "9xQe"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("expected only http.route, got %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New(strings.Repeat("x", 400)))
	if len(err.Error()) != 256 {
		t.Fatalf("expected truncated message, got %d chars", len(err.Error()))
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}
