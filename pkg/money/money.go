// Package money holds the rounding contracts shared by fee and split math.
// USD figures carry 2 decimal places, USDC legs carry 6. Both round half
// away from zero.
package money

import "github.com/shopspring/decimal"

const (
	USDPlaces  int32 = 2
	USDCPlaces int32 = 6
)

var (
	Hundred = decimal.NewFromInt(100)
	One     = decimal.NewFromInt(1)
)

func RoundUSD(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDPlaces)
}

func RoundUSDC(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDCPlaces)
}

// Cents converts a USD amount to integer minor units, rounding first.
func Cents(d decimal.Decimal) int64 {
	return RoundUSD(d).Shift(2).IntPart()
}

// FromCents converts integer minor units back to USD.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -USDPlaces)
}

// Micros converts a USDC amount to integer base units (6 decimals).
func Micros(d decimal.Decimal) int64 {
	return RoundUSDC(d).Shift(USDCPlaces).IntPart()
}

// Percent returns amount × pct / 100 without rounding.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(Hundred)
}
