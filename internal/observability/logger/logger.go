package logger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/settlement/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the zap logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	SamplingInitial     int
	SamplingThereafter  int
	SamplingWindow      time.Duration
	IncludeCaller       bool
	IncludeStackOnError bool
}

// New builds the process logger. Info and debug lines are sampled; warn and
// above are always written so a failed settlement is never dropped.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = normalizeFormat(cfg.Format)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.Sampling = nil
	if cfg.Debug {
		zapCfg.Development = true
	}

	if err := zapCfg.Level.UnmarshalText([]byte(orDefault(cfg.Level, "info"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var options []zap.Option
	if cfg.IncludeCaller {
		options = append(options, zap.AddCaller())
	}
	if cfg.IncludeStackOnError {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if !cfg.Debug {
		options = append(options, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return newSampledCore(core, cfg)
		}))
	}

	logger, err := zapCfg.Build(options...)
	if err != nil {
		return nil, err
	}
	logger = logger.With(
		zap.String("service", orDefault(cfg.ServiceName, "settlement")),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	)
	zap.ReplaceGlobals(logger)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = logger.Sync()
				return nil
			},
		})
	}
	return logger, nil
}

// sampledCore routes entries below warn through a sampler.
type sampledCore struct {
	zapcore.Core
	sampled zapcore.Core
}

func newSampledCore(core zapcore.Core, cfg Config) zapcore.Core {
	initial, thereafter, window := cfg.SamplingInitial, cfg.SamplingThereafter, cfg.SamplingWindow
	if initial <= 0 {
		initial = 100
	}
	if thereafter <= 0 {
		thereafter = 100
	}
	if window <= 0 {
		window = time.Second
	}
	return sampledCore{
		Core:    core,
		sampled: zapcore.NewSamplerWithOptions(core, window, initial, thereafter),
	}
}

func (c sampledCore) With(fields []zapcore.Field) zapcore.Core {
	return sampledCore{Core: c.Core.With(fields), sampled: c.sampled.With(fields)}
}

func (c sampledCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level >= zapcore.WarnLevel {
		return c.Core.Check(ent, ce)
	}
	return c.sampled.Check(ent, ce)
}

func orDefault(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "console" {
		return "console"
	}
	return "json"
}

// FromContext returns a logger enriched with request-scoped fields.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext adds the correlation id and the active trace to base. Empty
// values are left out.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}

	var fields []zap.Field
	if id := correlation.ExtractCorrelationID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

func WithPurchase(log *zap.Logger, purchaseID string) *zap.Logger {
	return withID(log, "purchase_id", purchaseID)
}

func WithBatch(log *zap.Logger, batchID string) *zap.Logger {
	return withID(log, "batch_id", batchID)
}

// WithEvent tags a logger with a webhook delivery.
func WithEvent(log *zap.Logger, provider, eventID, eventType string) *zap.Logger {
	if log == nil {
		return nil
	}
	return log.With(
		zap.String("provider", provider),
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
	)
}

func withID(log *zap.Logger, key, id string) *zap.Logger {
	if log == nil {
		return nil
	}
	return log.With(zap.String(key, strings.TrimSpace(id)))
}
