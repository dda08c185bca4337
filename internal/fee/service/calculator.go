package service

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
	feedomain "github.com/smallbiznis/settlement/internal/fee/domain"
	"github.com/smallbiznis/settlement/pkg/money"
	"go.uber.org/fx"
)

// maxPassThroughDrift is how far platform_receives may sit from the list
// price after both roundings.
var maxPassThroughDrift = decimal.RequireFromString("0.02")

type Params struct {
	fx.In

	Fees *config.FeeTableHolder
}

// Calculator is pure: it never touches storage and is safe for concurrent use.
type Calculator struct {
	fees *config.FeeTableHolder
}

func NewCalculator(p Params) *Calculator {
	return &Calculator{fees: p.Fees}
}

// Params returns the processor and gas inputs currently in force.
func (c *Calculator) Params() feedomain.Params {
	table := c.fees.Get()
	return feedomain.Params{
		ProcessorPercent:  table.ProcessorPercent,
		ProcessorFixed:    table.ProcessorFixed,
		GasEstimate:       table.GasEstimate,
		PlatformSplitRate: table.PlatformPercent.Div(decimal.NewFromInt(100)),
	}
}

// Quote returns the checkout amounts for a list price under pass-through.
func (c *Calculator) Quote(listPrice decimal.Decimal) (feedomain.Quote, error) {
	if !listPrice.IsPositive() {
		return feedomain.Quote{}, feedomain.ErrInvalidPrice
	}
	p := c.Params()
	buyerTotal := grossUp(listPrice, p)
	return feedomain.Quote{
		ListPrice:     listPrice,
		CreditCardFee: buyerTotal.Sub(listPrice),
		BuyerTotal:    buyerTotal,
	}, nil
}

// ComputeBreakdown produces the fee waterfall for a list price.
func (c *Calculator) ComputeBreakdown(listPrice, feeRate, gasEstimate decimal.Decimal, mode feedomain.Mode) (feedomain.Breakdown, error) {
	if err := validate(listPrice, feeRate, gasEstimate); err != nil {
		return feedomain.Breakdown{}, err
	}
	p := c.Params()

	b := feedomain.Breakdown{
		Mode:      mode,
		ListPrice: listPrice,
		GasFee:    gasEstimate,
		FeeRate:   feeRate,
	}

	switch mode {
	case feedomain.ModePassThrough:
		b.BuyerTotal = grossUp(listPrice, p)
		b.CreditCardFee = b.BuyerTotal.Sub(listPrice)
		b.ProcessorFee = processorFee(b.BuyerTotal, p)
		b.NetAfterProcessor = b.BuyerTotal.Sub(b.ProcessorFee)
		if b.NetAfterProcessor.Sub(listPrice).Abs().GreaterThan(maxPassThroughDrift) {
			return feedomain.Breakdown{}, feedomain.ErrPassThroughDrift
		}
		// the platform is made whole on the list price; drift stays with the processor
		b.DistributablePool = listPrice.Sub(gasEstimate)
	case feedomain.ModeAbsorbed:
		b.BuyerTotal = listPrice
		b.CreditCardFee = decimal.Zero
		b.ProcessorFee = processorFee(listPrice, p)
		b.ProcessorFeeEstimated = true
		b.NetAfterProcessor = listPrice.Sub(b.ProcessorFee)
		b.DistributablePool = b.NetAfterProcessor.Sub(gasEstimate)
	default:
		return feedomain.Breakdown{}, feedomain.ErrInvalidFeeMode
	}

	if !b.DistributablePool.IsPositive() {
		return feedomain.Breakdown{}, feedomain.ErrNegativePool
	}
	applyShares(&b)
	return b, nil
}

// LegacyBreakdown handles purchases that carry only a gross amount. When the
// actual processor fee is unknown the standard card estimate is used and the
// result is flagged.
func (c *Calculator) LegacyBreakdown(gross decimal.Decimal, actualFee *decimal.Decimal, feeRate, gasEstimate decimal.Decimal) (feedomain.Breakdown, error) {
	if err := validate(gross, feeRate, gasEstimate); err != nil {
		return feedomain.Breakdown{}, err
	}
	p := c.Params()

	b := feedomain.Breakdown{
		Mode:          feedomain.ModeLegacy,
		ListPrice:     gross,
		BuyerTotal:    gross,
		CreditCardFee: decimal.Zero,
		GasFee:        gasEstimate,
		FeeRate:       feeRate,
	}
	if actualFee != nil {
		if actualFee.IsNegative() {
			return feedomain.Breakdown{}, feedomain.ErrInvalidProcessFee
		}
		b.ProcessorFee = *actualFee
	} else {
		b.ProcessorFee = gross.Mul(p.ProcessorPercent).Add(p.ProcessorFixed)
		b.ProcessorFeeEstimated = true
	}
	b.NetAfterProcessor = gross.Sub(b.ProcessorFee)
	b.DistributablePool = b.NetAfterProcessor.Sub(gasEstimate)
	if !b.DistributablePool.IsPositive() {
		return feedomain.Breakdown{}, feedomain.ErrNegativePool
	}
	applyShares(&b)
	return b, nil
}

// EstimateProcessorFee is the card fee estimate for a charged amount.
func (c *Calculator) EstimateProcessorFee(charged decimal.Decimal) decimal.Decimal {
	return processorFee(charged, c.Params())
}

func validate(price, feeRate, gas decimal.Decimal) error {
	if !price.IsPositive() {
		return feedomain.ErrInvalidPrice
	}
	if feeRate.IsNegative() || feeRate.GreaterThan(money.One) {
		return feedomain.ErrInvalidFeeRate
	}
	if gas.IsNegative() {
		return feedomain.ErrInvalidGasFee
	}
	return nil
}

// grossUp solves total - (total*pct + fixed) = price for total.
func grossUp(price decimal.Decimal, p feedomain.Params) decimal.Decimal {
	return money.RoundUSD(price.Add(p.ProcessorFixed).Div(money.One.Sub(p.ProcessorPercent)))
}

func processorFee(charged decimal.Decimal, p feedomain.Params) decimal.Decimal {
	return money.RoundUSD(charged.Mul(p.ProcessorPercent).Add(p.ProcessorFixed))
}

// applyShares splits the pool at both precisions. Creator shares are derived
// by subtraction so platform + creator always equals the pool.
func applyShares(b *feedomain.Breakdown) {
	platform := b.DistributablePool.Mul(b.FeeRate)
	b.PlatformShareUSD = money.RoundUSD(platform)
	b.CreatorShareUSD = b.DistributablePool.Sub(b.PlatformShareUSD)
	b.PlatformShareUSDC = money.RoundUSDC(platform)
	b.CreatorShareUSDC = b.DistributablePool.Sub(b.PlatformShareUSDC)
}
