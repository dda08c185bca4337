package observability

import (
	"strings"

	"github.com/smallbiznis/settlement/internal/config"
)

// Config is the slice of settlement configuration the logging, tracing and
// metrics providers read.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "settlement"
	}
	ratio := cfg.Otel.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}
	// every settlement trace is kept outside production
	if !cfg.IsProduction() && ratio < 1 {
		ratio = 1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		LogFormat:            cfg.LogFormat,
		OtelEnabled:          cfg.Otel.Enabled && strings.TrimSpace(cfg.Otel.Endpoint) != "",
		OtelExporterEndpoint: strings.TrimSpace(cfg.Otel.Endpoint),
		OtelExporterProtocol: cfg.Otel.Protocol,
		OtelSamplingRatio:    ratio,
	}
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
