package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisLocker.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig holds the configuration for the Redis lock backend.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// acquireScript sets the key when absent and refreshes it when already held
// by the same owner.
var acquireScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// extendScript refreshes the key's TTL only when held by the owner.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the key only when held by the owner. Returns 1 when
// deleted, 0 when absent, -1 when held by someone else.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
if v == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return -1
`)

// RedisLocker implements Locker and Inspector on Redis.
type RedisLocker struct {
	client RedisClient
	prefix string
	logger modular.Logger
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg RedisConfig, logger modular.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock.redis: ping %s: %w", cfg.Address, err)
	}
	l := NewRedisLockerWithClient(client, cfg.Prefix)
	if logger != nil {
		l.logger = logger
		logger.Info("Redis lock backend connected", "address", cfg.Address, "prefix", l.prefix)
	}
	return l, nil
}

// NewRedisLockerWithClient creates a RedisLocker around an existing client.
func NewRedisLockerWithClient(client RedisClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "testrunner:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, logger: logging.NoopLogger{}}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock.redis: ttl must be positive for %q", key)
	}
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock.redis: acquire %q: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLocker) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock.redis: ttl must be positive for %q", key)
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock.redis: extend %q: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Int()
	if err != nil {
		return fmt.Errorf("lock.redis: release %q: %w", key, err)
	}
	if n < 0 {
		return fmt.Errorf("lock.redis: release %q: %w", key, ErrNotOwner)
	}
	return nil
}

// List returns held locks whose key matches pattern (a Redis glob, "*" for all).
func (l *RedisLocker) List(ctx context.Context, pattern string) ([]Info, error) {
	if pattern == "" {
		pattern = "*"
	}
	var (
		out    []Info
		cursor uint64
	)
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.prefix+pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("lock.redis: scan: %w", err)
		}
		for _, k := range keys {
			owner, err := l.client.Get(ctx, k).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("lock.redis: get %q: %w", k, err)
			}
			ttl, err := l.client.PTTL(ctx, k).Result()
			if err != nil {
				return nil, fmt.Errorf("lock.redis: pttl %q: %w", k, err)
			}
			out = append(out, Info{Key: strings.TrimPrefix(k, l.prefix), Owner: owner, TTL: ttl})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// ForceRelease deletes a lock regardless of owner.
func (l *RedisLocker) ForceRelease(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("lock.redis: delete %q: %w", key, err)
	}
	l.logger.Warn("Lock force-released", "key", key)
	return nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error { return l.client.Close() }
