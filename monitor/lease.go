package monitor

import (
	"context"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/infra"
)

// TickLease lets replicas agree that only one of them reconciles a key. The holder renews
// its lease on every tick it runs.
type TickLease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type RedisTickLease struct {
	redis  *infra.RedisClient
	holder string
}

func NewRedisTickLease(redis *infra.RedisClient, holder string) *RedisTickLease {
	return &RedisTickLease{redis: redis, holder: holder}
}

func (l *RedisTickLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.redis.AcquireOrRenew(ctx, "workflow:monitor:lease:"+key, l.holder, ttl)
}
