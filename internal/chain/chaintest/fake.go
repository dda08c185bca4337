// Package chaintest provides an in-memory chain.Settler.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/chain"
)

type FakeSettler struct {
	mu       sync.Mutex
	Requests []chain.SettleRequest
	// Fail makes the next n SettleAtomic calls return Err.
	Fail    int
	Err     error
	GasFee  *decimal.Decimal
	Balance decimal.Decimal
}

func NewFakeSettler() *FakeSettler {
	return &FakeSettler{Balance: decimal.NewFromInt(5000)}
}

func (f *FakeSettler) SettleAtomic(ctx context.Context, req chain.SettleRequest) (chain.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Fail > 0 {
		f.Fail--
		if f.Err != nil {
			return chain.SettleResult{}, f.Err
		}
		return chain.SettleResult{}, fmt.Errorf("relayer unavailable")
	}
	n := len(f.Requests)
	return chain.SettleResult{
		MintAddress:     fmt.Sprintf("mint_%d_%s", n, req.PurchaseID),
		Signature:       fmt.Sprintf("sig_%d_%s", n, req.PurchaseID),
		ActualGasFeeUSD: f.GasFee,
		PlatformFronted: req.TotalAmount,
		PlatformEarned:  req.PlatformAmount,
		Distributions:   req.Distributions,
	}, nil
}

func (f *FakeSettler) TreasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Balance, nil
}

func (f *FakeSettler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
