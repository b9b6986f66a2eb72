package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/trip/domain"
)

const defaultLockPrefix = "lock:trip:"

// RedisLockerConfig configures the distributed trip lock.
type RedisLockerConfig struct {
	TTL        time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// RedisLocker extends the in-process lock across service instances using
// SET NX PX with a random token. The local lock is taken first so that one
// process never races itself on Redis.
type RedisLocker struct {
	client  redis.Cmdable
	local   *MemoryLocker
	prefix  string
	cfg     RedisLockerConfig
	release *redis.Script
	logger  *zap.Logger
}

// NewRedisLocker constructs the locker.
func NewRedisLocker(client redis.Cmdable, logger *zap.Logger, cfg RedisLockerConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:  client,
		local:   NewMemoryLocker(),
		prefix:  defaultLockPrefix,
		cfg:     cfg,
		release: redis.NewScript(releaseLua),
		logger:  logger,
	}
}

// Lock acquires the local and then the Redis lock for tripID.
func (r *RedisLocker) Lock(ctx context.Context, tripID uuid.UUID) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, tripID)
	if err != nil {
		return nil, err
	}
	key := r.prefix + tripID.String()
	token := uuid.NewString()

	backoff := r.cfg.Backoff
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
		if err != nil {
			unlockLocal()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: acquiring trip lock: %w", domain.ErrTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("%w: acquiring trip lock: %w", domain.ErrTimeout, ctx.Err())
		}
		if backoff *= 2; backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	return func() {
		// release with a fresh context: the caller's may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.release.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
			r.logger.Warn("release trip lock", zap.Error(err), zap.String("trip_id", tripID.String()))
		}
		unlockLocal()
	}, nil
}

const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`
