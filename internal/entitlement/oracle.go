// Package entitlement answers "may this user take this exam". The check is a
// pure function over the durable purchases table with a short-TTL sharded
// cache in front; a cache failure must re-query, never grant.
package entitlement

import (
	"context"
	"time"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

const cacheTTL = 5 * time.Minute

type Oracle interface {
	HasAccess(ctx context.Context, userID, examID string) (bool, error)
}

type SQLOracle struct {
	store *exam.SQLStore
	cache *faststore.Client
}

func NewSQLOracle(store *exam.SQLStore, cache *faststore.Client) *SQLOracle {
	return &SQLOracle{store: store, cache: cache}
}

type accessEntry struct {
	HasAccess bool  `json:"hasAccess"`
	CachedAt  int64 `json:"cachedAt"`
}

func (o *SQLOracle) HasAccess(ctx context.Context, userID, examID string) (bool, error) {
	key := o.cache.AccessKey(userID)
	var entry accessEntry
	if o.cache.HGetJSON(ctx, key, examID, &entry) {
		if time.Since(time.UnixMilli(entry.CachedAt)) < cacheTTL {
			return entry.HasAccess, nil
		}
	}
	has, err := o.store.HasPurchase(ctx, userID, examID)
	if err != nil {
		return false, err
	}
	if o.cache.HSet(ctx, key, examID, accessEntry{HasAccess: has, CachedAt: time.Now().UnixMilli()}) {
		o.cache.Expire(ctx, key, cacheTTL)
	}
	return has, nil
}

// Invalidate drops the user's shard bucket, e.g. after a purchase lands.
func (o *SQLOracle) Invalidate(ctx context.Context, userID string) {
	o.cache.Delete(ctx, o.cache.AccessKey(userID))
}
