package convert

import (
	"context"
	"fmt"
	"time"

	"faxbridge/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// LocalLimiter caps converters within this process.
type LocalLimiter struct {
	sem *semaphore.Weighted
}

func NewLocalLimiter(n int) *LocalLimiter {
	if n <= 0 {
		n = 1
	}
	return &LocalLimiter{sem: semaphore.NewWeighted(int64(n))}
}

func (l *LocalLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

// RedisLimiter caps converters per server across every poller process that
// shares the redis instance. Slots carry a lease so a crashed holder frees
// its slot once the lease expires.
type RedisLimiter struct {
	rdb   *redis.Client
	key   string
	limit int
	lease time.Duration
	poll  time.Duration
}

// NewRedisLimiter builds a limiter keyed by serverName. lease should exceed
// the converter timeout.
func NewRedisLimiter(rdb *redis.Client, serverName string, limit int, lease time.Duration) *RedisLimiter {
	return &RedisLimiter{
		rdb:   rdb,
		key:   fmt.Sprintf("faxbridge:convert:%s", serverName),
		limit: limit,
		lease: lease,
		poll:  200 * time.Millisecond,
	}
}

func (l *RedisLimiter) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := utils.AcquireSlot(ctx, l.rdb, l.key, token, l.limit, l.lease)
		if err != nil {
			return nil, fmt.Errorf("acquire converter slot: %w", err)
		}
		if ok {
			return func() {
				// Release even if the job context is gone.
				relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				_ = utils.ReleaseSlot(relCtx, l.rdb, l.key, token)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
