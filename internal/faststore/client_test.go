package faststore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, 8, zap.NewNop()), mr
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	c, mr := newClient(t)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var missing payload
	assert.False(t, c.GetJSON(ctx, "nope", &missing))

	require.True(t, c.SetJSON(ctx, "p", payload{Name: "x", Count: 3}, time.Minute))
	var got payload
	require.True(t, c.GetJSON(ctx, "p", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)

	// Expiry turns into a plain miss.
	mr.FastForward(2 * time.Minute)
	assert.False(t, c.GetJSON(ctx, "p", &got))
}

func TestGetJSONCorruptValueIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newClient(t)
	mr.Set("bad", "{not json")

	var dest map[string]string
	assert.False(t, c.GetJSON(ctx, "bad", &dest))
}

func TestShardStableAndBounded(t *testing.T) {
	c, _ := newClient(t)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("user-%d", i)
		s := c.Shard(id)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 8)
		assert.Equal(t, s, c.Shard(id))
	}
}

func TestDeletePattern(t *testing.T) {
	ctx := context.Background()
	c, mr := newClient(t)
	for i := 0; i < 5; i++ {
		mr.Set(fmt.Sprintf("categorized:1:u%d", i), "x")
	}
	mr.Set("access:1:u0", "x")

	removed := c.DeletePattern(ctx, "categorized:1:*")
	assert.Equal(t, 5, removed)
	assert.False(t, mr.Exists("categorized:1:u0"))
	assert.True(t, mr.Exists("access:1:u0"))
}

func TestSetJSONBatch(t *testing.T) {
	ctx := context.Background()
	c, mr := newClient(t)

	require.True(t, c.SetJSONBatch(ctx, map[string]interface{}{
		"question:q1": map[string]string{"id": "q1"},
		"question:q2": map[string]string{"id": "q2"},
	}, time.Hour))
	assert.True(t, mr.Exists("question:q1"))
	assert.True(t, mr.Exists("question:q2"))
}

func TestHashOps(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	require.True(t, c.HIncrBy(ctx, "analytics:e1", "attempted", 3))
	require.True(t, c.HIncrBy(ctx, "analytics:e1", "attempted", -1))
	require.True(t, c.HSet(ctx, "analytics:dirty", "e1", 1))

	all := c.HGetAll(ctx, "analytics:e1")
	assert.Equal(t, "2", all["attempted"])
	assert.Equal(t, []string{"e1"}, c.HKeys(ctx, "analytics:dirty"))

	require.True(t, c.HDel(ctx, "analytics:dirty", "e1"))
	assert.Empty(t, c.HKeys(ctx, "analytics:dirty"))
}

func TestQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	type job struct {
		AttemptID string `json:"attemptId"`
	}
	require.NoError(t, c.Enqueue(ctx, QueueSubmissions, job{AttemptID: "a1"}))
	require.NoError(t, c.Enqueue(ctx, QueueSubmissions, job{AttemptID: "a2"}))

	raw, ok, err := c.Dequeue(ctx, QueueSubmissions, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"attemptId":"a1"}`, string(raw)) // FIFO

	jobs, err := c.DrainQueue(ctx, QueueSubmissions, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"attemptId":"a2"}`, string(jobs[0]))

	jobs, err = c.DrainQueue(ctx, QueueSubmissions, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	c, mr := newClient(t)
	locks := NewLockManager(c, zap.NewNop())

	name := LockSubmission("a1")
	require.NoError(t, locks.Acquire(ctx, name, SubmissionLockTTL))

	// Held lock: TryAcquire fails immediately, Acquire gives up after backoff.
	assert.False(t, locks.TryAcquire(ctx, name, SubmissionLockTTL))
	err := locks.Acquire(ctx, name, SubmissionLockTTL)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	locks.Release(ctx, name)
	assert.True(t, locks.TryAcquire(ctx, name, SubmissionLockTTL))

	// TTL expiry frees a leaked lock.
	mr.FastForward(SubmissionLockTTL + time.Second)
	assert.True(t, locks.TryAcquire(ctx, name, SubmissionLockTTL))
}
