package scheduler

import (
	"time"

	"github.com/smallbiznis/settlement/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval         time.Duration
	RetryBatchSize      int
	StaleOnRampInterval time.Duration
	TreasuryInterval    time.Duration
	// LockTTL bounds how long a replica holds a periodic job lock.
	LockTTL time.Duration
	// EnabledJobs restricts the run to the named jobs. Empty runs all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:         time.Minute,
		RetryBatchSize:      25,
		StaleOnRampInterval: 15 * time.Minute,
		TreasuryInterval:    7 * 24 * time.Hour,
		LockTTL:             10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:         cfg.Scheduler.RunInterval,
		RetryBatchSize:      cfg.Scheduler.RetryBatchSize,
		StaleOnRampInterval: cfg.Scheduler.StaleOnRampInterval,
		TreasuryInterval:    cfg.Scheduler.TreasuryInterval,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.StaleOnRampInterval <= 0 {
		c.StaleOnRampInterval = defaults.StaleOnRampInterval
	}
	if c.TreasuryInterval <= 0 {
		c.TreasuryInterval = defaults.TreasuryInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
