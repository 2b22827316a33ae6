package faststore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enqueue pushes a JSON-encoded job onto a list queue. Unlike cache writes,
// enqueue failures surface: the submission pipeline depends on them.
func (c *Client) Enqueue(ctx context.Context, queue string, job interface{}) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, queue, raw).Err()
}

// Dequeue blocks up to timeout for one job. ok is false on an empty poll.
func (c *Client) Dequeue(ctx context.Context, queue string, timeout time.Duration) (raw []byte, ok bool, err error) {
	res, err := c.rdb.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

// DrainQueue pops up to max jobs without blocking.
func (c *Client) DrainQueue(ctx context.Context, queue string, max int) ([][]byte, error) {
	out := make([][]byte, 0, max)
	for len(out) < max {
		raw, err := c.rdb.LPop(ctx, queue).Bytes()
		if err != nil {
			if err == redis.Nil {
				break
			}
			return out, err
		}
		out = append(out, raw)
	}
	return out, nil
}
