// Package identity maps external principal ids to internal users. Lookups
// cache briefly in the fast store and fall through to the durable store on
// any miss.
package identity

import (
	"context"
	"time"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

const cacheTTL = time.Minute

type Resolver struct {
	store *exam.SQLStore
	cache *faststore.Client
}

func NewResolver(store *exam.SQLStore, cache *faststore.Client) *Resolver {
	return &Resolver{store: store, cache: cache}
}

func cacheKey(externalID string) string { return "identity:" + externalID }

// Resolve returns the internal user for an external principal id.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (exam.User, error) {
	var u exam.User
	if r.cache.GetJSON(ctx, cacheKey(externalID), &u) {
		return u, nil
	}
	u, err := r.store.UserByExternalID(ctx, externalID)
	if err != nil {
		return exam.User{}, err
	}
	r.cache.SetJSON(ctx, cacheKey(externalID), u, cacheTTL)
	return u, nil
}
