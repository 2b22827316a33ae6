package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

func TestAggregatorDrainGroupsByExam(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	ag := NewAggregator(r.engine, time.Second, time.Minute, zap.NewNop())

	require.NoError(t, r.engine.enqueueAnalytics(ctx, "e1", map[string]int64{"attempted": 1}))
	require.NoError(t, r.engine.enqueueAnalytics(ctx, "e1", map[string]int64{"attempted": 1}))
	require.NoError(t, r.engine.enqueueAnalytics(ctx, "e1", map[string]int64{"completed": 1, "passed": 1}))
	require.NoError(t, r.engine.enqueueAnalytics(ctx, "e2", map[string]int64{"attempted": 1}))

	ag.drain(ctx)

	e1 := r.cache.HGetAll(ctx, faststore.AnalyticsKey("e1"))
	assert.Equal(t, "2", e1["attempted"])
	assert.Equal(t, "1", e1["completed"])
	assert.Equal(t, "1", e1["passed"])
	e2 := r.cache.HGetAll(ctx, faststore.AnalyticsKey("e2"))
	assert.Equal(t, "1", e2["attempted"])

	// Both exams are marked dirty for the flusher.
	assert.ElementsMatch(t, []string{"e1", "e2"}, r.cache.HKeys(ctx, faststore.AnalyticsDirtyKey()))
}

func TestAggregatorFlushMovesCountersToDurable(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 1))
	ag := NewAggregator(r.engine, time.Second, time.Minute, zap.NewNop())

	require.NoError(t, r.engine.enqueueAnalytics(ctx, "e1", map[string]int64{
		"attempted": 5, "completed": 3, "passed": 2, "failed": 1,
	}))
	ag.drain(ctx)
	ag.Flush(ctx)

	st, err := r.store.GetStats(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.TotalAttempted)
	assert.Equal(t, int64(3), st.TotalCompleted)
	assert.Equal(t, int64(2), st.PassCount)
	assert.Equal(t, int64(1), st.FailCount)

	// Flush subtracts exactly what it wrote and clears the dirty mark.
	counters := r.cache.HGetAll(ctx, faststore.AnalyticsKey("e1"))
	for field, v := range counters {
		assert.Equal(t, "0", v, "field %s should be drained", field)
	}
	assert.Empty(t, r.cache.HKeys(ctx, faststore.AnalyticsDirtyKey()))

	// A second flush with nothing dirty is a no-op.
	ag.Flush(ctx)
	st, err = r.store.GetStats(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.TotalAttempted)
}

func TestAggregatorFlushKeepsConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 1))
	ag := NewAggregator(r.engine, time.Second, time.Minute, zap.NewNop())

	require.NoError(t, r.engine.enqueueAnalytics(ctx, "e1", map[string]int64{"attempted": 2}))
	ag.drain(ctx)

	// An increment that lands after the flusher read its snapshot must not be
	// lost; here it lands before Flush and survives as a residual counter.
	r.cache.HIncrBy(ctx, faststore.AnalyticsKey("e1"), "attempted", 1)
	require.True(t, r.cache.HSet(ctx, faststore.AnalyticsDirtyKey(), "e1", 1))

	ag.Flush(ctx)

	st, err := r.store.GetStats(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalAttempted)
}

func TestAnalyticsDeltaCorruptJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	ag := NewAggregator(r.engine, time.Second, time.Minute, zap.NewNop())

	require.NoError(t, r.cache.Enqueue(ctx, faststore.QueueAnalytics, "not a delta"))
	require.NoError(t, r.engine.enqueueAnalytics(ctx, "e1", map[string]int64{"attempted": 1}))

	ag.drain(ctx)
	e1 := r.cache.HGetAll(ctx, faststore.AnalyticsKey("e1"))
	assert.Equal(t, "1", e1["attempted"])
}

func TestAnswerCopiesMirrorIntoAttemptHash(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	ag := NewAggregator(r.engine, time.Second, time.Minute, zap.NewNop())

	res, err := r.engine.StartAttempt(ctx, "u1", "e1")
	require.NoError(t, err)
	a, err := r.store.GetAttemptWithAnswers(ctx, res.AttemptID)
	require.NoError(t, err)
	qid := a.Answers[0].QuestionID

	require.NoError(t, r.engine.SaveAnswer(ctx, "u1", res.AttemptID, qid, exam.SelectSingle("b"), 3.5))

	// Nothing lands in the hash until the aggregator drains the copy queue.
	var mirrored exam.Answer
	assert.False(t, r.cache.HGetJSON(ctx, faststore.AttemptKey(res.AttemptID), qid, &mirrored))

	ag.drainAnswerCopies(ctx)

	require.True(t, r.cache.HGetJSON(ctx, faststore.AttemptKey(res.AttemptID), qid, &mirrored))
	assert.Equal(t, "b", mirrored.Selected.ID)
	assert.Equal(t, 3.5, mirrored.ResponseTime)

	// Last write wins across drains.
	require.NoError(t, r.engine.SaveAnswer(ctx, "u1", res.AttemptID, qid, exam.SelectSingle("a"), 4))
	ag.drainAnswerCopies(ctx)
	require.True(t, r.cache.HGetJSON(ctx, faststore.AttemptKey(res.AttemptID), qid, &mirrored))
	assert.Equal(t, "a", mirrored.Selected.ID)
}

func TestStartAndGradeEmitAnalytics(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	ag := NewAggregator(r.engine, time.Second, time.Minute, zap.NewNop())

	attemptID := startAndAnswer(t, r)
	_, err := r.engine.Submit(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	r.runGrading(t)

	ag.drain(ctx)
	ag.Flush(ctx)

	st, err := r.store.GetStats(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalAttempted)
	assert.Equal(t, int64(1), st.TotalCompleted)
	assert.Equal(t, int64(1), st.PassCount)
	assert.Equal(t, int64(0), st.FailCount)
}
