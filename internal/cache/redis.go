package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "kyc:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Sets the expiry only on the increment that created the counter.
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisProvider stores entries in a shared Redis so locks and dedup keys are
// visible to every process. All keys live under a prefix.
type RedisProvider struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisProvider(opts Options, logger *zap.Logger) (*RedisProvider, error) {
	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second
	redisOpts.PoolTimeout = 4 * time.Second
	redisOpts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("cache provider selected",
		zap.String("driver", "redis"),
		zap.String("addr", redisOpts.Addr),
		zap.Int("db", redisOpts.DB))

	return NewRedisProviderFromClient(client, opts.RedisPrefix, logger), nil
}

// NewRedisProviderFromClient wraps an existing client.
func NewRedisProviderFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisProvider {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisProvider{client: client, prefix: prefix, logger: logger}
}

func (p *RedisProvider) key(k string) string {
	return p.prefix + k
}

func (p *RedisProvider) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := p.client.Get(ctx, p.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (p *RedisProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := p.client.Set(ctx, p.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (p *RedisProvider) Delete(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, p.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (p *RedisProvider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, p.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (p *RedisProvider) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, p.client, []string{p.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (p *RedisProvider) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, p.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (p *RedisProvider) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := newLockToken()
	ok, err := p.SetIfAbsent(ctx, key, token, ttl)
	if err != nil {
		p.logger.Error("acquire lock failed", zap.String("key", key), zap.Error(err))
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (p *RedisProvider) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, p.client, []string{p.key(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

// Clear removes every key under the provider prefix.
func (p *RedisProvider) Clear(ctx context.Context) error {
	iter := p.client.Scan(ctx, 0, p.prefix+"*", 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := p.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := p.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}
