package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// reserveScript adds the job's memory to the total only when the result stays
// within the ceiling. KEYS[1] total, KEYS[2] per-job hash.
var reserveScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 1
end
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local memory = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
if ceiling > 0 and used + memory > ceiling then
	return 0
end
redis.call('INCRBY', KEYS[1], memory)
redis.call('HSET', KEYS[2], ARGV[1], memory)
return 1
`)

var releaseScript = redis.NewScript(`
local memory = redis.call('HGET', KEYS[2], ARGV[1])
if not memory then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DECRBY', KEYS[1], memory)
return tonumber(memory)
`)

// RedisConfig configures the shared counter
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisCounter is a UsageCounter shared by every server pointing at the same
// redis database.
type RedisCounter struct {
	client   *redis.Client
	totalKey string
	jobsKey  string
}

// NewRedisCounter connects to redis and verifies the connection
func NewRedisCounter(ctx context.Context, cfg RedisConfig) (*RedisCounter, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisCounter(client, cfg.KeyPrefix), nil
}

func newRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "kestrel"
	}
	return &RedisCounter{
		client:   client,
		totalKey: prefix + ":memory:reserved",
		jobsKey:  prefix + ":memory:jobs",
	}
}

// Reserve implements UsageCounter
func (c *RedisCounter) Reserve(ctx context.Context, jobID string, memory, ceiling int) (bool, error) {
	n, err := reserveScript.Run(ctx, c.client, []string{c.totalKey, c.jobsKey}, jobID, memory, ceiling).Int()
	if err != nil {
		return false, fmt.Errorf("reserve memory for job %s: %w", jobID, err)
	}
	return n == 1, nil
}

// Release implements UsageCounter
func (c *RedisCounter) Release(ctx context.Context, jobID string) (int, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{c.totalKey, c.jobsKey}, jobID).Int()
	if err != nil {
		return 0, fmt.Errorf("release memory of job %s: %w", jobID, err)
	}
	return n, nil
}

// Used implements UsageCounter
func (c *RedisCounter) Used(ctx context.Context) (int, error) {
	n, err := c.client.Get(ctx, c.totalKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read reserved memory: %w", err)
	}
	return n, nil
}

// Close closes the redis client
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
