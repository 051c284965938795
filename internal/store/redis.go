package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrScript increments a counter and starts its window on the first hit, in
// one round trip, so concurrent edge instances never leave a key without TTL.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// RedisConfig configures the Redis driver.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL string
	// Token replaces the URL password (Upstash access token).
	Token string
	// DialTimeout bounds connection setup. Per-call deadlines come from the context.
	DialTimeout time.Duration
	PoolSize    int
}

// Redis is a Store backed by Redis or any Redis-protocol service such as Upstash.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis store and checks connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Token != "" {
		opts.Password = cfg.Token
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	// The decision path never retries; the guard owns timeouts.
	opts.MaxRetries = 0

	r := &Redis{
		client: redis.NewClient(opts),
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		r.client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis_store_ready",
		"addr", opts.Addr,
		"db", opts.DB,
		"tls", opts.TLSConfig != nil,
	)
	return r, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) SetLockout(ctx context.Context, key string, d time.Duration) error {
	if err := r.client.Set(ctx, key, time.Now().Add(d).UnixMilli(), d).Err(); err != nil {
		return fmt.Errorf("set lockout %s: %w", key, err)
	}
	return nil
}

func (r *Redis) IsLockedOut(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) AppendEvent(ctx context.Context, id string, data []byte, maxEvents int64, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, fmt.Sprintf(EventKeyFmt, id), data, ttl)
		p.LPush(ctx, EventsListKey, id)
		if maxEvents > 0 {
			p.LTrim(ctx, EventsListKey, 0, maxEvents-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append event %s: %w", id, err)
	}
	return nil
}

func (r *Redis) RecentEvents(ctx context.Context, limit int64) ([][]byte, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.client.LRange(ctx, EventsListKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", EventsListKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(EventKeyFmt, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget events: %w", err)
	}

	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, []byte(s))
		}
	}
	return out, nil
}

func (r *Redis) IncrMetrics(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for field, delta := range deltas {
			p.HIncrBy(ctx, MetricsKey, field, delta)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hincrby %s: %w", MetricsKey, err)
	}
	return nil
}

func (r *Redis) Metrics(ctx context.Context) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, MetricsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", MetricsKey, err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.logger.Debug("metrics_field_not_numeric", "field", field, "value", v)
			continue
		}
		out[field] = n
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
