package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ADMIN_API_TOKEN", "  op-token ")
	t.Setenv("TASK_RUNNER", " INLINE ")
	t.Setenv("SETTLEMENT_RETRY_BASE_DELAY", "90s")
	t.Setenv("TREASURY_MINIMUM_BALANCE", "2500.50")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("WEBHOOK_RATE_PER_MINUTE", "120")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DATABASE_AUTO_MIGRATE", "false")

	cfg := Load()

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "op-token", cfg.AdminToken)
	assert.Equal(t, TaskRunnerInline, cfg.TaskRunner)
	assert.Equal(t, 90*time.Second, cfg.Settlement.RetryBaseDelay)
	assert.True(t, cfg.Settlement.TreasuryMinimum.Equal(decimal.RequireFromString("2500.50")))
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 120.0, cfg.Webhook.RequestsPerMinute)
	assert.True(t, cfg.Redis.Enabled())
	assert.False(t, cfg.AutoMigrate)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SETTLEMENT_MAX_RETRIES", "not-a-number")
	t.Setenv("SCHEDULER_RUN_INTERVAL", "soon")

	cfg := Load()

	assert.Equal(t, 3, cfg.Settlement.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Scheduler.RunInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Scheduler.TreasuryInterval)
	assert.True(t, cfg.Settlement.RunwayWarnDays.Equal(decimal.NewFromInt(7)))
	assert.False(t, cfg.Bridge.Enabled)
}

func TestValidate(t *testing.T) {
	cfg := Config{
		TaskRunner: TaskRunnerAsync,
		Stripe:     StripeConfig{Enabled: true, WebhookSecret: "whsec"},
	}
	require.NoError(t, cfg.Validate())

	cfg.Stripe.WebhookSecret = ""
	cfg.Bridge.Enabled = true
	cfg.TaskRunner = "cron"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingStripeSecret))
	assert.True(t, errors.Is(err, ErrMissingBridgePublicKey))
	assert.True(t, errors.Is(err, ErrMissingPlatformWallet))
	assert.True(t, errors.Is(err, ErrInvalidTaskRunner))
}

func readFeeFile(t *testing.T, body string) (FeeTable, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	return decodeFeeTable(v)
}

func TestDecodeFeeTableOverridesDefaults(t *testing.T) {
	table, err := readFeeFile(t, `
fees:
  gasEstimate: "0.03"
  tierRates:
    Standard: "0.12"
  foundingSlots: 25
`)
	require.NoError(t, err)

	assert.True(t, table.GasEstimate.Equal(decimal.RequireFromString("0.03")))
	assert.True(t, table.TierRates["standard"].Equal(decimal.RequireFromString("0.12")))
	assert.True(t, table.TierRates["founding"].Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 25, table.FoundingSlots)
	assert.True(t, table.ProcessorFixed.Equal(decimal.RequireFromString("0.30")))
}

func TestDecodeFeeTableRejectsBadValues(t *testing.T) {
	_, err := readFeeFile(t, "fees:\n  processorPercent: \"1.5\"\n")
	assert.Error(t, err)

	_, err = readFeeFile(t, "fees:\n  tierRates:\n    level_1: \"abc\"\n")
	assert.Error(t, err)
}

func TestFeeTableHolder(t *testing.T) {
	var nilHolder *FeeTableHolder
	assert.Equal(t, 50, nilHolder.Get().FoundingSlots)

	table := DefaultFeeTable()
	table.FoundingSlots = 3
	assert.Equal(t, 3, NewStaticFeeTableHolder(table).Get().FoundingSlots)
}
