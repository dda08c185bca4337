// Package bridgetest provides an in-memory Bridge transfer API.
package bridgetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/settlement/internal/providers/bridge"
)

type FakeTransfers struct {
	mu        sync.Mutex
	Created   []bridge.TransferRequest
	Transfers map[string]bridge.Transfer
	CreateErr error
	GetErr    error
}

func NewFakeTransfers() *FakeTransfers {
	return &FakeTransfers{Transfers: map[string]bridge.Transfer{}}
}

func (f *FakeTransfers) CreateTransfer(ctx context.Context, req bridge.TransferRequest) (bridge.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return bridge.Transfer{}, f.CreateErr
	}
	f.Created = append(f.Created, req)
	amount := req.Amount
	t := bridge.Transfer{
		ID:           fmt.Sprintf("tr_%d", len(f.Created)),
		State:        bridge.StateAwaitingFunds,
		ExternalID:   req.ExternalID,
		SourceAmount: &amount,
	}
	f.Transfers[t.ID] = t
	return t, nil
}

func (f *FakeTransfers) GetTransfer(ctx context.Context, id string) (bridge.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return bridge.Transfer{}, f.GetErr
	}
	t, ok := f.Transfers[id]
	if !ok {
		return bridge.Transfer{}, &bridge.APIError{Status: 404, Code: "not_found"}
	}
	return t, nil
}

// Set replaces the state the API reports for a transfer.
func (f *FakeTransfers) Set(t bridge.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transfers[t.ID] = t
}

func (f *FakeTransfers) Calls() []bridge.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.TransferRequest, len(f.Created))
	copy(out, f.Created)
	return out
}
