package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64
	LogLevel    string
	// AdminToken guards the /admin routes as a bearer token.
	AdminToken string

	// LogFormat is json or console.
	LogFormat string
	Otel      OtelConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	// AutoMigrate applies the embedded schema on startup.
	AutoMigrate bool

	Redis RedisConfig

	TaskRunner  string
	TaskWorkers int

	Stripe StripeConfig
	Bridge BridgeConfig
	Solana SolanaConfig

	// PlatformUSDCWallet receives on-ramped USDC and the platform share.
	PlatformUSDCWallet string

	Settlement SettlementConfig
	Scheduler  SchedulerConfig
	Webhook    WebhookConfig
	Alerts     AlertConfig
	Email      EmailConfig
}

type OtelConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type StripeConfig struct {
	Enabled       bool
	APIBase       string
	SecretKey     string
	WebhookSecret string
}

type BridgeConfig struct {
	Enabled          bool
	APIBase          string
	APIKey           string
	WebhookPublicKey string
}

type SolanaConfig struct {
	RPCURL               string
	RelayerURL           string
	RelayerToken         string
	TreasuryTokenAccount string
	Timeout              time.Duration
}

type SettlementConfig struct {
	MaxRetries      int
	RetryBaseDelay  time.Duration
	FeeLookupTries  int
	TreasuryMinimum decimal.Decimal
	RunwayWarnDays  decimal.Decimal
}

type SchedulerConfig struct {
	Enabled             bool
	RunInterval         time.Duration
	TreasuryInterval    time.Duration
	StaleOnRampInterval time.Duration
	RetryBatchSize      int
}

type WebhookConfig struct {
	RequestsPerMinute float64
	Burst             int
	LookupAttempts    int
}

type AlertConfig struct {
	SlackWebhookURL string
	Channel         string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

const (
	TaskRunnerAsync  = "async"
	TaskRunnerInline = "inline"
)

var (
	ErrMissingStripeSecret    = errors.New("missing_stripe_webhook_secret")
	ErrMissingBridgePublicKey = errors.New("missing_bridge_webhook_public_key")
	ErrMissingPlatformWallet  = errors.New("missing_platform_usdc_wallet")
	ErrInvalidTaskRunner      = errors.New("invalid_task_runner")
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "settlement"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		NodeID:      int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		AdminToken:  strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		LogFormat:   strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		Otel: OtelConfig{
			Enabled:       getenvBool("OTEL_ENABLED", true),
			Endpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			Protocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		AutoMigrate:       getenvBool("DATABASE_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		TaskRunner:  strings.ToLower(strings.TrimSpace(getenv("TASK_RUNNER", TaskRunnerAsync))),
		TaskWorkers: getenvInt("TASK_WORKERS", 4),

		Stripe: StripeConfig{
			Enabled:       getenvBool("STRIPE_ENABLED", true),
			APIBase:       getenv("STRIPE_API_BASE", "https://api.stripe.com"),
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Bridge: BridgeConfig{
			Enabled:          getenvBool("BRIDGE_ENABLED", false),
			APIBase:          getenv("BRIDGE_API_BASE", "https://api.bridge.xyz"),
			APIKey:           strings.TrimSpace(getenv("BRIDGE_API_KEY", "")),
			WebhookPublicKey: strings.TrimSpace(getenv("BRIDGE_WEBHOOK_PUBLIC_KEY", "")),
		},
		Solana: SolanaConfig{
			RPCURL:               getenv("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
			RelayerURL:           strings.TrimSpace(getenv("SETTLEMENT_RELAYER_URL", "")),
			RelayerToken:         strings.TrimSpace(getenv("SETTLEMENT_RELAYER_TOKEN", "")),
			TreasuryTokenAccount: strings.TrimSpace(getenv("TREASURY_USDC_TOKEN_ACCOUNT", "")),
			Timeout:              getenvDuration("SOLANA_TIMEOUT", 45*time.Second),
		},
		PlatformUSDCWallet: strings.TrimSpace(getenv("PLATFORM_USDC_WALLET_ADDRESS", "")),

		Settlement: SettlementConfig{
			MaxRetries:      getenvInt("SETTLEMENT_MAX_RETRIES", 3),
			RetryBaseDelay:  getenvDuration("SETTLEMENT_RETRY_BASE_DELAY", 60*time.Second),
			FeeLookupTries:  getenvInt("SETTLEMENT_FEE_LOOKUP_TRIES", 3),
			TreasuryMinimum: getenvDecimal("TREASURY_MINIMUM_BALANCE", decimal.NewFromInt(1000)),
			RunwayWarnDays:  getenvDecimal("TREASURY_RUNWAY_WARN_DAYS", decimal.NewFromInt(7)),
		},
		Scheduler: SchedulerConfig{
			Enabled:             getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:         getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			TreasuryInterval:    getenvDuration("TREASURY_RECONCILE_INTERVAL", 7*24*time.Hour),
			StaleOnRampInterval: getenvDuration("STALE_ONRAMP_INTERVAL", 15*time.Minute),
			RetryBatchSize:      getenvInt("SETTLEMENT_RETRY_BATCH_SIZE", 25),
		},
		Webhook: WebhookConfig{
			RequestsPerMinute: getenvFloat("WEBHOOK_RATE_PER_MINUTE", 600),
			Burst:             getenvInt("WEBHOOK_RATE_BURST", 60),
			LookupAttempts:    getenvInt("WEBHOOK_LOOKUP_ATTEMPTS", 5),
		},
		Alerts: AlertConfig{
			SlackWebhookURL: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
			Channel:         getenv("SLACK_ALERT_CHANNEL", "#treasury"),
		},
		Email: EmailConfig{
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: strings.TrimSpace(getenv("SMTP_USERNAME", "")),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "receipts@localhost"),
		},
	}

	return cfg
}

// Validate fails on configuration that would otherwise let settlement run
// without signature checks or without a payout destination.
func (c Config) Validate() error {
	var err error
	if c.Stripe.Enabled && c.Stripe.WebhookSecret == "" {
		err = errors.Join(err, ErrMissingStripeSecret)
	}
	if c.Bridge.Enabled {
		if c.Bridge.WebhookPublicKey == "" {
			err = errors.Join(err, ErrMissingBridgePublicKey)
		}
		if c.PlatformUSDCWallet == "" {
			err = errors.Join(err, ErrMissingPlatformWallet)
		}
	}
	switch c.TaskRunner {
	case TaskRunnerAsync, TaskRunnerInline:
	default:
		err = errors.Join(err, fmt.Errorf("%w: %q", ErrInvalidTaskRunner, c.TaskRunner))
	}
	return err
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return def
	}
	return parsed
}
