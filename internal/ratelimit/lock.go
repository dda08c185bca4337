package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "settlement:lock:"

// releases only when the caller still owns the key
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrEmptyLockKey      = errors.New("lock key is empty")
	ErrInvalidLockTTL    = errors.New("lock ttl must be positive")
)

// Locker hands out single-holder redis leases shared by every replica.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

// Lease is a held lock. It expires on its own after the ttl it was taken
// with; Release gives it up early.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// Acquire takes the lease for name. A nil lease with a nil error means
// another holder has it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if name == "" {
		return nil, ErrEmptyLockKey
	}
	if ttl <= 0 {
		return nil, ErrInvalidLockTTL
	}

	lease := &Lease{locker: l, key: lockKeyPrefix + name, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return lease, nil
}

// Release drops the lease unless it already expired and was taken over.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.locker == nil {
		return nil
	}
	return l.locker.script.Run(ctx, l.locker.client, []string{l.key}, l.token).Err()
}
