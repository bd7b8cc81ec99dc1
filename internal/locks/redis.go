package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

var _ Locker = (*RedisLocker)(nil)

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait, hold time.Duration) (Lock, error) {
	if hold <= 0 {
		hold = DefaultHold
	}
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	interval := retryInterval(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, hold).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return &redisLock{client: l.client, key: key, token: token}, nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			return nil, fmt.Errorf("acquire %s: %w", key, ErrLockTimeout)
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
