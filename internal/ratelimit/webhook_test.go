package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocalLimiter(perMinute float64, burst int) (*WebhookLimiter, *time.Time) {
	cfg := config.Config{Webhook: config.WebhookConfig{RequestsPerMinute: perMinute, Burst: burst}}
	l := NewWebhookLimiter(cfg, nil, zap.NewNop())
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestWebhookLimiterPerClient(t *testing.T) {
	l, now := newLocalLimiter(60, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "stripe", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "stripe", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	// separate buckets per provider and client
	res, _ = l.Allow(ctx, "bridge", "10.0.0.1")
	assert.True(t, res.Allowed)
	res, _ = l.Allow(ctx, "stripe", "10.0.0.2")
	assert.True(t, res.Allowed)

	*now = now.Add(time.Second)
	res, _ = l.Allow(ctx, "stripe", "10.0.0.1")
	assert.True(t, res.Allowed)
}

func TestWebhookLimiterForgetsIdleClients(t *testing.T) {
	l, now := newLocalLimiter(60, 1)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "stripe", "10.0.0.1")
	*now = now.Add(idleAfter + time.Second)
	_, _ = l.Allow(ctx, "stripe", "10.0.0.2")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.visitors, 1)
}

func TestLockerWithoutRedis(t *testing.T) {
	l := NewLocker(nil)
	assert.Nil(t, l)
	lease, err := l.Acquire(context.Background(), "job", time.Minute)
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, ErrLockNotConfigured)

	var held *Lease
	assert.NoError(t, held.Release(context.Background()))
}
