// Package cache is the Redis-backed hot-data layer. Every operation degrades
// to a miss or a no-op when Redis is unconfigured or failing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
	"github.com/capitalize-ai/sentiment-chat/pkg/metrics"
)

// ErrUnavailable is returned by Health when no client is configured.
var ErrUnavailable = errors.New("cache unavailable")

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultOK    = "ok"
	resultError = "error"
)

// Cache wraps a Redis client. A Cache with a nil client is valid and inert.
type Cache struct {
	client *redis.Client
	logger *logger.Logger
}

// New creates a cache over client. client may be nil.
func New(client *redis.Client, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Global()
	}
	return &Cache{client: client, logger: log}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Available reports whether a client is configured.
func (c *Cache) Available() bool {
	return c != nil && c.client != nil
}

// Health pings Redis.
func (c *Cache) Health(ctx context.Context) error {
	if !c.Available() {
		return ErrUnavailable
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	if !c.Available() {
		return nil
	}
	return c.client.Close()
}

// failed logs and counts a Redis error.
func (c *Cache) failed(op, key string, err error) {
	metrics.RecordCacheOp(op, resultError)
	c.logger.Debug("cache operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

// Get returns the string at key.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if !c.Available() {
		return "", false
	}

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheOp("get", resultMiss)
		return "", false
	}
	if err != nil {
		c.failed("get", key, err)
		return "", false
	}

	metrics.RecordCacheOp("get", resultHit)
	return val, true
}

// Set stores value with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !c.Available() {
		return false
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.failed("set", key, err)
		return false
	}
	metrics.RecordCacheOp("set", resultOK)
	return true
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) bool {
	if !c.Available() || len(keys) == 0 {
		return false
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.failed("delete", keys[0], err)
		return false
	}
	metrics.RecordCacheOp("delete", resultOK)
	return true
}

// GetJSON decodes the JSON value at key into dst.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		c.failed("decode", key, err)
		return false
	}
	return true
}

// SetJSON stores value encoded as JSON.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !c.Available() {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.failed("encode", key, err)
		return false
	}
	return c.Set(ctx, key, data, ttl)
}

// HSet replaces fields of the hash at key and refreshes its TTL.
func (c *Cache) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) bool {
	if !c.Available() || len(fields) == 0 {
		return false
	}

	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("hset", key, err)
		return false
	}
	metrics.RecordCacheOp("hset", resultOK)
	return true
}

// HGetAll returns every field of the hash at key.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, bool) {
	if !c.Available() {
		return nil, false
	}
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.failed("hgetall", key, err)
		return nil, false
	}
	if len(fields) == 0 {
		metrics.RecordCacheOp("hgetall", resultMiss)
		return nil, false
	}
	metrics.RecordCacheOp("hgetall", resultHit)
	return fields, true
}

// RPush appends values to the list at key and refreshes its TTL.
func (c *Cache) RPush(ctx context.Context, key string, ttl time.Duration, values ...string) bool {
	if !c.Available() || len(values) == 0 {
		return false
	}

	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, toAny(values)...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("rpush", key, err)
		return false
	}
	metrics.RecordCacheOp("rpush", resultOK)
	return true
}

// LRange returns list elements between start and stop inclusive.
func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) ([]string, bool) {
	if !c.Available() {
		return nil, false
	}
	vals, err := c.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		c.failed("lrange", key, err)
		return nil, false
	}
	if len(vals) == 0 {
		metrics.RecordCacheOp("lrange", resultMiss)
		return nil, false
	}
	metrics.RecordCacheOp("lrange", resultHit)
	return vals, true
}

// LTrim keeps list elements between start and stop inclusive.
func (c *Cache) LTrim(ctx context.Context, key string, start, stop int64) bool {
	if !c.Available() {
		return false
	}
	if err := c.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		c.failed("ltrim", key, err)
		return false
	}
	return true
}

// ZAdd adds scored members to the sorted set at key and refreshes its TTL.
func (c *Cache) ZAdd(ctx context.Context, key string, ttl time.Duration, members ...redis.Z) bool {
	if !c.Available() || len(members) == 0 {
		return false
	}

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("zadd", key, err)
		return false
	}
	metrics.RecordCacheOp("zadd", resultOK)
	return true
}

// ZRevRange returns members ordered by descending score.
func (c *Cache) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, bool) {
	if !c.Available() {
		return nil, false
	}
	vals, err := c.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		c.failed("zrevrange", key, err)
		return nil, false
	}
	if len(vals) == 0 {
		metrics.RecordCacheOp("zrevrange", resultMiss)
		return nil, false
	}
	metrics.RecordCacheOp("zrevrange", resultHit)
	return vals, true
}

// ZRem removes members from the sorted set at key.
func (c *Cache) ZRem(ctx context.Context, key string, members ...string) bool {
	if !c.Available() || len(members) == 0 {
		return false
	}
	if err := c.client.ZRem(ctx, key, toAny(members)...).Err(); err != nil {
		c.failed("zrem", key, err)
		return false
	}
	return true
}

// MGet returns values for keys. Missing keys are absent from the result.
func (c *Cache) MGet(ctx context.Context, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	if !c.Available() || len(keys) == 0 {
		return out
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.failed("mget", keys[0], err)
		return out
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	metrics.RecordCacheOp("mget", resultOK)
	return out
}

// MSet stores several values, each with the same TTL.
func (c *Cache) MSet(ctx context.Context, values map[string]string, ttl time.Duration) bool {
	if !c.Available() || len(values) == 0 {
		return false
	}

	pipe := c.client.TxPipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("mset", "", err)
		return false
	}
	metrics.RecordCacheOp("mset", resultOK)
	return true
}

// WriteThrough runs the database and cache writes concurrently. The database
// error is returned; a cache error is only logged.
func (c *Cache) WriteThrough(ctx context.Context, dbWrite func(context.Context) error, cacheWrite func(context.Context) error) error {
	var g errgroup.Group
	var cacheErr error

	g.Go(func() error {
		return dbWrite(ctx)
	})
	if c.Available() && cacheWrite != nil {
		g.Go(func() error {
			cacheErr = cacheWrite(ctx)
			return nil
		})
	}

	err := g.Wait()
	if cacheErr != nil {
		c.logger.Warn("write-through cache update failed", zap.Error(cacheErr))
	}
	return err
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
