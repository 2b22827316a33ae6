// Package faststore wraps the Redis tier: caches, queues and advisory locks.
// Everything stored here is derived or hot state; the engine must survive a
// full flush by reconstructing from the durable store.
package faststore

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	writeRetries  = 3
	writeBackoff  = 50 * time.Millisecond
	scanBatchSize = 200
	defaultShards = 8
)

type Client struct {
	rdb     redis.UniversalClient
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker
	shards  int
}

func New(rdb redis.UniversalClient, shards int, log *zap.Logger) *Client {
	if shards <= 0 {
		shards = defaultShards
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "faststore-writes",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &Client{rdb: rdb, log: log, breaker: cb, shards: shards}
}

func (c *Client) Shards() int { return c.shards }

// Shard maps a user or bundle identifier to a stable bucket.
func (c *Client) Shard(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(c.shards))
}

// GetJSON loads key into dest. Any error, including a missing key, reads as a
// cache miss.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("faststore read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.log.Warn("faststore value corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// SetJSON stores val under key with ttl. Write failures are retried with
// backoff behind a circuit breaker; a permanent failure logs and returns false
// without failing the caller.
func (c *Client) SetJSON(ctx context.Context, key string, val interface{}, ttl time.Duration) bool {
	raw, err := json.Marshal(val)
	if err != nil {
		c.log.Error("faststore marshal failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return c.write(ctx, key, func() error {
		return c.rdb.Set(ctx, key, raw, ttl).Err()
	})
}

func (c *Client) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	return c.write(ctx, keys[0], func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// SetNX is the lock primitive: set iff absent, with ttl. Errors read as "not
// set" so a flaky fast store degrades to contention, never to a double grant.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) bool {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		c.log.Warn("faststore setnx failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (c *Client) IncrBy(ctx context.Context, key string, n int64) bool {
	return c.write(ctx, key, func() error {
		return c.rdb.IncrBy(ctx, key, n).Err()
	})
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, n int64) bool {
	return c.write(ctx, key, func() error {
		return c.rdb.HIncrBy(ctx, key, field, n).Err()
	})
}

func (c *Client) HSet(ctx context.Context, key, field string, val interface{}) bool {
	raw, err := json.Marshal(val)
	if err != nil {
		c.log.Error("faststore marshal failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return c.write(ctx, key, func() error {
		return c.rdb.HSet(ctx, key, field, raw).Err()
	})
}

func (c *Client) HGetJSON(ctx context.Context, key, field string, dest interface{}) bool {
	raw, err := c.rdb.HGet(ctx, key, field).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func (c *Client) HGetAll(ctx context.Context, key string) map[string]string {
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		c.log.Debug("faststore hgetall failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return vals
}

func (c *Client) HKeys(ctx context.Context, key string) []string {
	fields, err := c.rdb.HKeys(ctx, key).Result()
	if err != nil {
		return nil
	}
	return fields
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) bool {
	if len(fields) == 0 {
		return true
	}
	return c.write(ctx, key, func() error {
		return c.rdb.HDel(ctx, key, fields...).Err()
	})
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	return c.write(ctx, key, func() error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// DeletePattern removes every key matching pattern using cursor-paged SCAN,
// never the blocking KEYS. Returns the number of keys removed.
func (c *Client) DeletePattern(ctx context.Context, pattern string) int {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			c.log.Warn("faststore scan failed", zap.String("pattern", pattern), zap.Error(err))
			return removed
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err == nil {
				removed += len(keys)
			}
		}
		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}

// SetJSONBatch pipelines a set of key -> value writes sharing one ttl.
func (c *Client) SetJSONBatch(ctx context.Context, entries map[string]interface{}, ttl time.Duration) bool {
	if len(entries) == 0 {
		return true
	}
	pipe := c.rdb.Pipeline()
	for key, val := range entries {
		raw, err := json.Marshal(val)
		if err != nil {
			c.log.Error("faststore marshal failed", zap.String("key", key), zap.Error(err))
			continue
		}
		pipe.Set(ctx, key, raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("faststore pipeline failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) write(ctx context.Context, key string, op func() error) bool {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var last error
		backoff := writeBackoff
		for i := 0; i < writeRetries; i++ {
			if last = op(); last == nil {
				return nil, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		return nil, last
	})
	if err != nil {
		c.log.Warn("faststore write failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
