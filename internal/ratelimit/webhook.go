package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyWebhook = "webhook:ingress:%s:%s"
	idleAfter  = 10 * time.Minute
)

// WebhookLimiter throttles webhook deliveries per provider and client. With
// redis configured the bucket is shared across replicas, otherwise each
// process keeps its own x/time/rate limiters.
type WebhookLimiter struct {
	log    *zap.Logger
	bucket *TokenBucket
	perSec float64
	burst  int
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewWebhookLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *WebhookLimiter {
	perSec := cfg.Webhook.RequestsPerMinute / 60
	if perSec <= 0 {
		perSec = 10
	}
	burst := cfg.Webhook.Burst
	if burst <= 0 {
		burst = 1
	}
	return &WebhookLimiter{
		log:      log.Named("ratelimit.webhook"),
		bucket:   NewTokenBucket(client),
		perSec:   perSec,
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether a delivery from client to provider may proceed. Redis
// failures fall back to the local limiter rather than rejecting deliveries.
func (l *WebhookLimiter) Allow(ctx context.Context, provider, client string) (Result, error) {
	key := fmt.Sprintf(keyWebhook, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(client))
	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, key, l.perSec, l.burst)
		if err == nil {
			return res, nil
		}
		l.log.Warn("redis rate limit unavailable", zap.String("key", key), zap.Error(err))
	}
	return l.allowLocal(key), nil
}

func (l *WebhookLimiter) allowLocal(key string) Result {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > idleAfter {
			delete(l.visitors, k)
		}
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.perSec), l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{RetryAfter: delay}
	}
	return Result{Allowed: true, Remaining: int(v.limiter.TokensAt(now))}
}
