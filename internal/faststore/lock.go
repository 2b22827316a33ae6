package faststore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrLockNotAcquired = errors.New("lock not acquired")

const (
	lockAttempts    = 3
	lockBackoffBase = 100 * time.Millisecond

	// TTLs sized above worst-case critical sections.
	SubmissionLockTTL = 10 * time.Second
	AdminLockTTL      = 30 * time.Second
)

// LockManager provides named advisory locks over the NX-with-TTL primitive.
// Locks are shared across replicas; a leaked lock expires with its TTL.
type LockManager struct {
	c   *Client
	log *zap.Logger
}

func NewLockManager(c *Client, log *zap.Logger) *LockManager {
	return &LockManager{c: c, log: log}
}

// TryAcquire takes the lock iff it is free.
func (m *LockManager) TryAcquire(ctx context.Context, name string, ttl time.Duration) bool {
	return m.c.SetNX(ctx, name, "1", ttl)
}

// Acquire retries with bounded exponential backoff (3 attempts, base 100 ms,
// factor 2) and returns ErrLockNotAcquired when contention persists.
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) error {
	backoff := lockBackoffBase
	for i := 0; i < lockAttempts; i++ {
		if m.TryAcquire(ctx, name, ttl) {
			return nil
		}
		if i == lockAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return ErrLockNotAcquired
}

// Release unconditionally frees the lock. Failure is tolerable (TTL covers
// us) but logged.
func (m *LockManager) Release(ctx context.Context, name string) {
	if !m.c.Delete(ctx, name) {
		m.log.Warn("lock release failed; relying on TTL", zap.String("lock", name))
	}
}
