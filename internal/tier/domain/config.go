package domain

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
)

// NewConfig converts the fee table into a ladder. Unknown tier names in the
// table are ignored.
func NewConfig(table config.FeeTable) Config {
	cfg := Config{
		Rates:             make(map[Tier]decimal.Decimal, len(table.TierRates)),
		DefaultRate:       decimal.RequireFromString("0.10"),
		FoundingSlots:     table.FoundingSlots,
		FoundingThreshold: table.FoundingThreshold,
	}
	for name, rate := range table.TierRates {
		t := Tier(name)
		if !t.Valid() {
			continue
		}
		cfg.Rates[t] = rate
	}
	if rate, ok := cfg.Rates[TierStandard]; ok {
		cfg.DefaultRate = rate
	}
	for name, threshold := range table.LevelThresholds {
		t := Tier(name)
		if !t.Valid() || t == TierFounding || t == TierStandard {
			continue
		}
		cfg.Levels = append(cfg.Levels, LevelThreshold{Tier: t, Threshold: threshold})
	}
	sort.Slice(cfg.Levels, func(i, j int) bool {
		return cfg.Levels[i].Threshold.GreaterThan(cfg.Levels[j].Threshold)
	})
	return cfg
}

// RateFor returns the fee rate for t, or the standard rate when t has none.
func (c Config) RateFor(t Tier) decimal.Decimal {
	if rate, ok := c.Rates[t]; ok {
		return rate
	}
	return c.DefaultRate
}

// LevelFor returns the best level reachable with sales that is an upgrade
// over current. Founding creators never move.
func (c Config) LevelFor(current Tier, sales decimal.Decimal) (Tier, bool) {
	if current == TierFounding {
		return "", false
	}
	for _, level := range c.Levels {
		if sales.GreaterThanOrEqual(level.Threshold) && Improves(current, level.Tier) {
			return level.Tier, true
		}
	}
	return "", false
}
