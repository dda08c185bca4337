// Package stripetest provides in-memory Stripe collaborators.
package stripetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/providers/stripe"
)

// FakeClient records refunds and serves fees from memory.
type FakeClient struct {
	mu      sync.Mutex
	Refunds []stripe.RefundRequest
	Fees    map[string]decimal.Decimal
	// FeeMisses makes the first n fee lookups report stripe.ErrFeeUnavailable.
	FeeMisses int
	RefundErr error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{Fees: map[string]decimal.Decimal{}}
}

func (f *FakeClient) Refund(ctx context.Context, req stripe.RefundRequest) (stripe.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return stripe.Refund{}, f.RefundErr
	}
	f.Refunds = append(f.Refunds, req)
	return stripe.Refund{ID: fmt.Sprintf("re_%d", len(f.Refunds)), Status: "succeeded", Amount: req.Amount}, nil
}

func (f *FakeClient) ProcessorFee(ctx context.Context, paymentIntentID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FeeMisses > 0 {
		f.FeeMisses--
		return decimal.Zero, stripe.ErrFeeUnavailable
	}
	fee, ok := f.Fees[paymentIntentID]
	if !ok {
		return decimal.Zero, stripe.ErrFeeUnavailable
	}
	return fee, nil
}

func (f *FakeClient) RefundCalls() []stripe.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stripe.RefundRequest, len(f.Refunds))
	copy(out, f.Refunds)
	return out
}
