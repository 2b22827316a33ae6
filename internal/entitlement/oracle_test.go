package entitlement

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/db"
	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

func newOracle(t *testing.T) (*SQLOracle, *exam.SQLStore, *faststore.Client) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := exam.NewSQLStore(sqlDB, db.DriverSQLite)
	cache := faststore.New(rdb, 4, zap.NewNop())
	return NewSQLOracle(store, cache), store, cache
}

func TestHasAccessQueriesAndCaches(t *testing.T) {
	ctx := context.Background()
	o, store, cache := newOracle(t)

	has, err := o.HasAccess(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.PutPurchase(ctx, "u1", "e1"))

	// The negative answer was cached; a fresh purchase shows up only after
	// invalidation.
	has, err = o.HasAccess(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.False(t, has)

	o.Invalidate(ctx, "u1")
	has, err = o.HasAccess(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.True(t, has)

	// Per-exam fields share one per-user bucket.
	var entry struct {
		HasAccess bool `json:"hasAccess"`
	}
	assert.True(t, cache.HGetJSON(ctx, cache.AccessKey("u1"), "e1", &entry))
	assert.True(t, entry.HasAccess)
}
