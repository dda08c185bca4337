package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FeeTable is the tunable economics of settlement: processor pricing, the
// gas estimate, the platform cut and the creator tier ladder.
type FeeTable struct {
	ProcessorPercent  decimal.Decimal
	ProcessorFixed    decimal.Decimal
	GasEstimate       decimal.Decimal
	PlatformPercent   decimal.Decimal
	TierRates         map[string]decimal.Decimal
	LevelThresholds   map[string]decimal.Decimal
	FoundingSlots     int
	FoundingThreshold decimal.Decimal
}

type rawFeeTable struct {
	ProcessorPercent  string            `mapstructure:"processorPercent"`
	ProcessorFixed    string            `mapstructure:"processorFixed"`
	GasEstimate       string            `mapstructure:"gasEstimate"`
	PlatformPercent   string            `mapstructure:"platformPercent"`
	TierRates         map[string]string `mapstructure:"tierRates"`
	LevelThresholds   map[string]string `mapstructure:"levelThresholds"`
	FoundingSlots     int               `mapstructure:"foundingSlots"`
	FoundingThreshold string            `mapstructure:"foundingThreshold"`
}

func DefaultFeeTable() FeeTable {
	return FeeTable{
		ProcessorPercent: decimal.RequireFromString("0.029"),
		ProcessorFixed:   decimal.RequireFromString("0.30"),
		GasEstimate:      decimal.RequireFromString("0.026"),
		PlatformPercent:  decimal.NewFromInt(10),
		TierRates: map[string]decimal.Decimal{
			"founding": decimal.RequireFromString("0.01"),
			"level_5":  decimal.RequireFromString("0.05"),
			"level_4":  decimal.RequireFromString("0.06"),
			"level_3":  decimal.RequireFromString("0.07"),
			"level_2":  decimal.RequireFromString("0.08"),
			"level_1":  decimal.RequireFromString("0.09"),
			"standard": decimal.RequireFromString("0.10"),
		},
		LevelThresholds: map[string]decimal.Decimal{
			"level_1": decimal.NewFromInt(500),
			"level_2": decimal.NewFromInt(1000),
			"level_3": decimal.NewFromInt(2500),
			"level_4": decimal.NewFromInt(5000),
			"level_5": decimal.NewFromInt(10000),
		},
		FoundingSlots:     50,
		FoundingThreshold: decimal.NewFromInt(100),
	}
}

type FeeTableHolder struct {
	current atomic.Value // holds FeeTable
}

// NewFeeTableHolder reads settlement.yml when present and falls back to
// DefaultFeeTable otherwise. The file is watched and valid edits replace
// the active table.
func NewFeeTableHolder(log *zap.Logger) (*FeeTableHolder, error) {
	v := viper.New()

	v.SetConfigName("settlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/settlement")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SETTLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &FeeTableHolder{}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultFeeTable())
		return holder, nil
	}

	table, err := decodeFeeTable(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(table)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeFeeTable(v)
		if err != nil {
			log.Warn("fee table reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("fee table reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticFeeTableHolder pins a table, mostly for tests.
func NewStaticFeeTableHolder(table FeeTable) *FeeTableHolder {
	holder := &FeeTableHolder{}
	holder.current.Store(table)
	return holder
}

func (h *FeeTableHolder) Get() FeeTable {
	if h == nil {
		return DefaultFeeTable()
	}
	return h.current.Load().(FeeTable)
}

func decodeFeeTable(v *viper.Viper) (FeeTable, error) {
	var raw rawFeeTable
	if err := v.UnmarshalKey("fees", &raw); err != nil {
		return FeeTable{}, err
	}

	table := DefaultFeeTable()
	var err error
	if table.ProcessorPercent, err = decimalOr(raw.ProcessorPercent, table.ProcessorPercent); err != nil {
		return FeeTable{}, fmt.Errorf("fees.processorPercent: %w", err)
	}
	if table.ProcessorFixed, err = decimalOr(raw.ProcessorFixed, table.ProcessorFixed); err != nil {
		return FeeTable{}, fmt.Errorf("fees.processorFixed: %w", err)
	}
	if table.GasEstimate, err = decimalOr(raw.GasEstimate, table.GasEstimate); err != nil {
		return FeeTable{}, fmt.Errorf("fees.gasEstimate: %w", err)
	}
	if table.PlatformPercent, err = decimalOr(raw.PlatformPercent, table.PlatformPercent); err != nil {
		return FeeTable{}, fmt.Errorf("fees.platformPercent: %w", err)
	}
	for name, value := range raw.TierRates {
		parsed, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return FeeTable{}, fmt.Errorf("fees.tierRates.%s: %w", name, err)
		}
		table.TierRates[strings.ToLower(name)] = parsed
	}
	for name, value := range raw.LevelThresholds {
		parsed, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return FeeTable{}, fmt.Errorf("fees.levelThresholds.%s: %w", name, err)
		}
		table.LevelThresholds[strings.ToLower(name)] = parsed
	}
	if raw.FoundingSlots > 0 {
		table.FoundingSlots = raw.FoundingSlots
	}
	if table.FoundingThreshold, err = decimalOr(raw.FoundingThreshold, table.FoundingThreshold); err != nil {
		return FeeTable{}, fmt.Errorf("fees.foundingThreshold: %w", err)
	}

	if err := validateFeeTable(table); err != nil {
		return FeeTable{}, err
	}
	return table, nil
}

func decimalOr(raw string, def decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return decimal.NewFromString(raw)
}

func validateFeeTable(t FeeTable) error {
	one := decimal.NewFromInt(1)
	if t.ProcessorPercent.IsNegative() || t.ProcessorPercent.GreaterThanOrEqual(one) {
		return errors.New("fees.processorPercent must be in [0,1)")
	}
	if t.GasEstimate.IsNegative() {
		return errors.New("fees.gasEstimate cannot be negative")
	}
	for name, rate := range t.TierRates {
		if rate.IsNegative() || rate.GreaterThan(one) {
			return fmt.Errorf("fees.tierRates.%s must be in [0,1]", name)
		}
	}
	if t.PlatformPercent.IsNegative() || t.PlatformPercent.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("fees.platformPercent must be in [0,100]")
	}
	if t.FoundingSlots <= 0 {
		return errors.New("fees.foundingSlots must be positive")
	}
	return nil
}
