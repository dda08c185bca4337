package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundingIsHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		usd  string
		usdc string
	}{
		{"0.2964", "0.3", "0.2964"},
		{"1.005", "1.01", "1.005"},
		{"2.6676005", "2.67", "2.667601"},
		{"0.0000005", "0", "0.000001"},
	}
	for _, tc := range cases {
		in := decimal.RequireFromString(tc.in)
		if got := RoundUSD(in); !got.Equal(decimal.RequireFromString(tc.usd)) {
			t.Fatalf("RoundUSD(%s) = %s, want %s", tc.in, got, tc.usd)
		}
		if got := RoundUSDC(in); !got.Equal(decimal.RequireFromString(tc.usdc)) {
			t.Fatalf("RoundUSDC(%s) = %s, want %s", tc.in, got, tc.usdc)
		}
	}
}

func TestCentsRoundTrip(t *testing.T) {
	if got := Cents(decimal.RequireFromString("3.395")); got != 340 {
		t.Fatalf("expected 340 cents, got %d", got)
	}
	if got := FromCents(340); !got.Equal(decimal.RequireFromString("3.40")) {
		t.Fatalf("expected 3.40, got %s", got)
	}
	if got := Micros(decimal.RequireFromString("2.6676")); got != 2667600 {
		t.Fatalf("expected 2667600 micros, got %d", got)
	}
}
