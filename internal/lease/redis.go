package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLeaser implements distributed leases with SET NX PX.
type RedisLeaser struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisLeaser creates a leaser; keys are stored under prefix.
func NewRedisLeaser(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisLeaser {
	if prefix == "" {
		prefix = "research:lease:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLeaser{client: client, prefix: prefix, logger: logger}
}

func (r *RedisLeaser) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		holder, err := r.client.Get(ctx, full).Result()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET; let the caller retry
			return nil, &HolderError{Key: key, Holder: "unknown"}
		}
		if err != nil {
			return nil, fmt.Errorf("read lease holder %s: %w", key, err)
		}
		if holder != owner {
			return nil, &HolderError{Key: key, Holder: holder}
		}
		// re-entrant acquire by the same owner extends the lease
		if err := r.client.PExpire(ctx, full, ttl).Err(); err != nil {
			return nil, fmt.Errorf("extend lease %s: %w", key, err)
		}
	}
	r.logger.Debug("Lease acquired", zap.String("key", key), zap.String("owner", owner), zap.Duration("ttl", ttl))
	return &redisLease{leaser: r, key: key, owner: owner}, nil
}

type redisLease struct {
	leaser *RedisLeaser
	key    string
	owner  string
}

func (l *redisLease) Key() string   { return l.key }
func (l *redisLease) Owner() string { return l.owner }

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.leaser.client, []string{l.leaser.prefix + l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", l.key, err)
	}
	if n == 0 {
		return &lostError{key: l.key}
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.leaser.client, []string{l.leaser.prefix + l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
