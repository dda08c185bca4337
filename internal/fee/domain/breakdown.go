package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Mode selects how the buyer total relates to the list price.
type Mode string

const (
	// ModePassThrough adds the card-processing fee on top of the list price
	// so the platform receives the full list price.
	ModePassThrough Mode = "pass_through"
	// ModeAbsorbed charges the list price and pays the processor out of it.
	ModeAbsorbed Mode = "absorbed"
	// ModeLegacy reproduces purchases created before the item price was
	// stored: gross minus actual (or estimated) processor fee minus gas.
	ModeLegacy Mode = "legacy"
)

// Params are the processor and chain cost inputs.
type Params struct {
	ProcessorPercent decimal.Decimal
	ProcessorFixed   decimal.Decimal
	GasEstimate      decimal.Decimal
	// PlatformSplitRate is the fixed cut taken off the top of the pool in
	// a collaborative split. Tier rates never change it.
	PlatformSplitRate decimal.Decimal
}

// Breakdown is the full fee waterfall for one purchase. Every intermediate
// amount is kept so it can be persisted alongside the purchase.
type Breakdown struct {
	Mode                  Mode            `json:"mode"`
	ListPrice             decimal.Decimal `json:"list_price"`
	CreditCardFee         decimal.Decimal `json:"credit_card_fee"`
	BuyerTotal            decimal.Decimal `json:"buyer_total"`
	ProcessorFee          decimal.Decimal `json:"processor_fee"`
	ProcessorFeeEstimated bool            `json:"processor_fee_estimated"`
	NetAfterProcessor     decimal.Decimal `json:"net_after_processor"`
	GasFee                decimal.Decimal `json:"gas_fee"`
	DistributablePool     decimal.Decimal `json:"distributable_pool"`
	FeeRate               decimal.Decimal `json:"fee_rate"`
	PlatformShareUSD      decimal.Decimal `json:"platform_share_usd"`
	CreatorShareUSD       decimal.Decimal `json:"creator_share_usd"`
	PlatformShareUSDC     decimal.Decimal `json:"platform_share_usdc"`
	CreatorShareUSDC      decimal.Decimal `json:"creator_share_usdc"`
}

// Quote is what a buyer sees at checkout under fee pass-through.
type Quote struct {
	ListPrice     decimal.Decimal `json:"list_price"`
	CreditCardFee decimal.Decimal `json:"credit_card_fee"`
	BuyerTotal    decimal.Decimal `json:"buyer_total"`
}

var (
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrInvalidFeeRate    = errors.New("invalid_fee_rate")
	ErrInvalidGasFee     = errors.New("invalid_gas_fee")
	ErrNegativePool      = errors.New("distributable_pool_not_positive")
	ErrPassThroughDrift  = errors.New("pass_through_drift")
	ErrInvalidFeeMode    = errors.New("invalid_fee_mode")
	ErrInvalidProcessFee = errors.New("invalid_processor_fee")
)
