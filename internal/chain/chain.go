// Package chain talks to the settlement relayer that signs and submits the
// atomic mint-and-distribute transaction, and to Solana RPC for treasury
// balances.
package chain

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Distribution is one USDC transfer inside the atomic transaction.
type Distribution struct {
	UserID     snowflake.ID    `json:"user_id"`
	Username   string          `json:"user"`
	Wallet     string          `json:"wallet"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Role       string          `json:"role"`
}

type SettleRequest struct {
	RequestID      string          `json:"request_id"`
	PurchaseID     snowflake.ID    `json:"purchase_id"`
	BuyerWallet    string          `json:"buyer_wallet"`
	ItemKind       string          `json:"item_kind"`
	ItemID         snowflake.ID    `json:"item_id"`
	ItemTitle      string          `json:"item_title"`
	Distributions  []Distribution  `json:"distributions"`
	PlatformAmount decimal.Decimal `json:"platform_usdc_amount"`
	TotalAmount    decimal.Decimal `json:"total_usdc_amount"`
}

type SettleResult struct {
	MintAddress     string           `json:"nft_mint_address"`
	Signature       string           `json:"transaction_signature"`
	ActualGasFeeUSD *decimal.Decimal `json:"actual_gas_fee_usd,omitempty"`
	PlatformFronted decimal.Decimal  `json:"platform_usdc_fronted"`
	PlatformEarned  decimal.Decimal  `json:"platform_usdc_earned"`
	Distributions   []Distribution   `json:"distributions"`
}

// Settler submits atomic settlements and reads the treasury balance.
type Settler interface {
	SettleAtomic(ctx context.Context, req SettleRequest) (SettleResult, error)
	TreasuryBalance(ctx context.Context) (decimal.Decimal, error)
}

var (
	ErrRelayerNotConfigured  = errors.New("settlement_relayer_not_configured")
	ErrTreasuryNotConfigured = errors.New("treasury_account_not_configured")
	ErrEmptyResult           = errors.New("rpc_empty_result")
	ErrInvalidSettlement     = errors.New("invalid_settlement_result")
)

// RPCError is a JSON-RPC error object returned by a node or relayer.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s failed: code=%d message=%s", e.Method, e.Code, e.Message)
}

// Retryable reports whether a failed settlement may succeed when submitted
// again with the same request id. Configuration problems and malformed
// relayer results never heal on their own.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRelayerNotConfigured) || errors.Is(err, ErrInvalidSettlement) {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// JSON-RPC invalid request / params
		return rpcErr.Code != -32600 && rpcErr.Code != -32602
	}
	return true
}

// Unconfirmed reports a failure after which the relayer may still have
// landed the transaction. The retry must reuse the same request id.
func Unconfirmed(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
