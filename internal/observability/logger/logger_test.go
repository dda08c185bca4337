package logger

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/settlement/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampledCoreKeepsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(newSampledCore(core, Config{
		SamplingInitial:    1,
		SamplingThereafter: 1000,
		SamplingWindow:     time.Minute,
	})).With(zap.String("job", "treasury"))

	for i := 0; i < 5; i++ {
		log.Info("tick")
		log.Warn("settlement failed")
	}

	assert.Equal(t, 1, logs.FilterMessage("tick").Len())
	assert.Equal(t, 5, logs.FilterMessage("settlement failed").Len())
	assert.Equal(t, "treasury", logs.All()[0].ContextMap()["job"])
}

func TestWithContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	WithContext(context.Background(), base).Info("bare")
	ctx := correlation.ContextWithCorrelationID(context.Background(), "req-1")
	WithPurchase(WithContext(ctx, base), " 42 ").Info("tagged")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.NotContains(t, entries[0].ContextMap(), "request_id")
	assert.NotContains(t, entries[0].ContextMap(), "trace_id")
	assert.Equal(t, "req-1", entries[1].ContextMap()["request_id"])
	assert.Equal(t, "42", entries[1].ContextMap()["purchase_id"])
	assert.Nil(t, WithBatch(nil, "1"))
}
