package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// startAndAnswer starts an attempt for u1 and answers every question with the
// first (correct) option.
func startAndAnswer(t *testing.T, r *testRig) string {
	t.Helper()
	ctx := context.Background()
	res, err := r.engine.StartAttempt(ctx, "u1", "e1")
	require.NoError(t, err)
	a, err := r.store.GetAttemptWithAnswers(ctx, res.AttemptID)
	require.NoError(t, err)
	updates := make([]exam.AnswerUpdate, len(a.Answers))
	for i, ans := range a.Answers {
		updates[i] = exam.AnswerUpdate{QuestionID: ans.QuestionID, Selected: exam.SelectSingle("a")}
	}
	_, err = r.engine.SaveAnswersBatch(ctx, "u1", res.AttemptID, updates)
	require.NoError(t, err)
	return res.AttemptID
}

func TestSubmitThenGradeThenCachedResult(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 3))
	attemptID := startAndAnswer(t, r)

	out, err := r.engine.Submit(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.False(t, out.Cached)

	// The attempt is parked in processing until a worker picks it up.
	status, err := r.engine.SubmissionStatus(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusProcessing, status)

	r.runGrading(t)

	status, err = r.engine.SubmissionStatus(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusCompleted, status)

	// A replayed submit resolves from the cached result, no re-grading.
	out, err = r.engine.Submit(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	require.NotNil(t, out.Result)
	assert.Equal(t, 3.0, out.Result.FinalScore)
	assert.True(t, out.Result.HasPassed)
	assert.Equal(t, 3, out.Result.CorrectAnswers)
}

func TestSubmitWhileProcessingIsAccepted(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	attemptID := startAndAnswer(t, r)

	first, err := r.engine.Submit(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// No worker has run; a second submit must not enqueue a second job.
	second, err := r.engine.Submit(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.True(t, second.Accepted)

	jobs, err := r.cache.DrainQueue(ctx, faststore.QueueSubmissions, 16)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestParallelSubmitsGradeOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.store.DB().SetMaxOpenConns(1)
	r.seedExam(t, basicExam("e1", 2))
	attemptID := startAndAnswer(t, r)

	// Racing submits: one queues the grading job, the rest either report
	// accepted off the processing marker or lose the submission lock.
	const racers = 8
	var wg sync.WaitGroup
	outs := make([]SubmitOutcome, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = r.engine.Submit(ctx, "u1", attemptID, false)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			require.ErrorIs(t, errs[i], faststore.ErrLockNotAcquired)
			continue
		}
		require.True(t, outs[i].Accepted)
		accepted++
	}
	require.GreaterOrEqual(t, accepted, 1)

	// Exactly one grading job for the whole race.
	jobs, err := r.cache.DrainQueue(ctx, faststore.QueueSubmissions, 16)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	w := NewGraderWorker(r.engine, 1, 5*time.Second, time.Second, r.engine.log)
	var job submissionJob
	require.NoError(t, json.Unmarshal(jobs[0], &job))
	w.grade(ctx, job)

	a, err := r.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusCompleted, a.Status)

	// One completion means one analytics delta.
	deltas, err := r.cache.DrainQueue(ctx, faststore.QueueAnalytics, 16)
	require.NoError(t, err)
	var completed int64
	for _, raw := range deltas {
		var d analyticsDelta
		require.NoError(t, json.Unmarshal(raw, &d))
		completed += d.Fields["completed"]
	}
	assert.Equal(t, int64(1), completed)

	// A replayed submit after grading serves the cached result and never
	// drags the attempt back into processing.
	out, err := r.engine.Submit(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	a, err = r.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusCompleted, a.Status)
}

func TestSubmitOwnership(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	attemptID := startAndAnswer(t, r)

	_, err := r.engine.Submit(ctx, "intruder", attemptID, false)
	assert.ErrorIs(t, err, exam.ErrForbidden)

	_, err = r.engine.SubmissionStatus(ctx, "intruder", attemptID, false)
	assert.ErrorIs(t, err, exam.ErrForbidden)
}

func TestSubmitContendedLock(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	attemptID := startAndAnswer(t, r)

	// Simulate a concurrent holder.
	require.NoError(t, r.redis.Set(faststore.LockSubmission(attemptID), "1"))

	_, err := r.engine.Submit(ctx, "u1", attemptID, false)
	assert.ErrorIs(t, err, faststore.ErrLockNotAcquired)
}

func TestGradingWrongAndUnattemptedCounts(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	ex := basicExam("e1", 3)
	ex.HasNegativeMarking = true
	ex.NegativeMarkingValue = 0.5
	require.NoError(t, r.store.PutExam(ctx, ex))
	// Every question opts into negative marking at the exam-level rate.
	for i := 0; i < 3; i++ {
		require.NoError(t, r.store.PutQuestion(ctx, exam.Question{
			ID:                 fmt.Sprintf("e1-q%d", i),
			ExamID:             "e1",
			Type:               exam.TypeMCQ,
			QuestionText:       fmt.Sprintf("Question %d", i),
			CorrectAnswer:      "Right",
			Marks:              1,
			HasNegativeMarking: true,
			Options: []exam.Option{
				{ID: "a", OptionText: "Right"},
				{ID: "b", OptionText: "Wrong one"},
			},
		}))
	}

	res, err := r.engine.StartAttempt(ctx, "u1", "e1")
	require.NoError(t, err)
	a, err := r.store.GetAttemptWithAnswers(ctx, res.AttemptID)
	require.NoError(t, err)

	// Answer q0 wrong, one other right, leave the third blank.
	var otherID string
	for _, ans := range a.Answers {
		if ans.QuestionID != "e1-q0" {
			otherID = ans.QuestionID
			break
		}
	}
	require.NoError(t, r.engine.SaveAnswer(ctx, "u1", res.AttemptID, "e1-q0", exam.SelectSingle("b"), 1))
	require.NoError(t, r.engine.SaveAnswer(ctx, "u1", res.AttemptID, otherID, exam.SelectSingle("a"), 1))

	_, err = r.engine.Submit(ctx, "u1", res.AttemptID, false)
	require.NoError(t, err)
	r.runGrading(t)

	got, err := r.store.GetAttempt(ctx, res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.CorrectAnswers)
	assert.Equal(t, 1, got.WrongAnswers)
	assert.Equal(t, 1, got.Unattempted)
	assert.Equal(t, 1.0, got.TotalMarks)
	assert.Equal(t, 0.5, got.NegativeMarks)
	assert.Equal(t, 0.5, got.FinalScore)
	assert.False(t, got.HasPassed) // 0.5 < 3*50/100
}

func TestGetResultGates(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	attemptID := startAndAnswer(t, r)

	// Not graded yet.
	_, _, err := r.engine.GetResult(ctx, "u1", attemptID, false)
	assert.ErrorIs(t, err, exam.ErrConflict)

	_, err = r.engine.Submit(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	r.runGrading(t)

	res, fromCache, err := r.engine.GetResult(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.True(t, fromCache) // fanOut cached it
	assert.Equal(t, 2.0, res.FinalScore)
	require.NotEmpty(t, res.Questions)
	assert.NotEmpty(t, res.Questions[0].CorrectAnswer)

	_, _, err = r.engine.GetResult(ctx, "intruder", attemptID, false)
	assert.ErrorIs(t, err, exam.ErrForbidden)

	// Admin bypasses ownership, not existence.
	_, _, err = r.engine.GetResult(ctx, "", attemptID, true)
	assert.NoError(t, err)

	// Cache evicted: rebuilt from the durable store.
	r.cache.Delete(ctx, faststore.SubmitResultKey(attemptID))
	res, fromCache, err = r.engine.GetResult(ctx, "u1", attemptID, false)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 2.0, res.FinalScore)
}

func TestTimerSyncAndExpiry(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))

	now := r.freezeNow(time.Unix(1700000000, 0))
	res, err := r.engine.StartAttempt(ctx, "u1", "e1")
	require.NoError(t, err)

	state, err := r.engine.SyncTime(ctx, "u1", res.AttemptID, 900, false)
	require.NoError(t, err)
	assert.Equal(t, 900, state.TimeRemaining)
	assert.Equal(t, exam.StatusInProgress, state.Status)

	check, err := r.engine.TimeCheck(ctx, "u1", res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, 900, check.TimeRemaining)

	// Ownership is enforced unless the client declares degraded mode.
	_, err = r.engine.SyncTime(ctx, "intruder", res.AttemptID, 800, false)
	assert.ErrorIs(t, err, exam.ErrForbidden)
	state, err = r.engine.SyncTime(ctx, "intruder", res.AttemptID, 800, true)
	require.NoError(t, err)
	assert.NotEmpty(t, state.Warning)

	// Countdown hits zero: attempt times out and lands on the timed-out queue.
	r.freezeNow(now.Add(time.Minute))
	state, err = r.engine.SyncTime(ctx, "u1", res.AttemptID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusTimedOut, state.Status)
	assert.Equal(t, 0, state.TimeRemaining)

	a, err := r.store.GetAttempt(ctx, res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusTimedOut, a.Status)

	jobs, err := r.cache.DrainQueue(ctx, faststore.QueueTimedOut, 4)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// Further syncs are no-op warnings, never resurrection.
	state, err = r.engine.SyncTime(ctx, "u1", res.AttemptID, 500, false)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusTimedOut, state.Status)
	assert.NotEmpty(t, state.Warning)
}

func TestTimedOutAttemptStillGrades(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	attemptID := startAndAnswer(t, r)

	_, err := r.engine.SyncTime(ctx, "u1", attemptID, 0, false)
	require.NoError(t, err)

	// The poller promotes the timed-out job into the grading pipeline.
	w := NewGraderWorker(r.engine, 1, 5*time.Second, time.Second, r.engine.log)
	jobs, err := r.cache.DrainQueue(ctx, faststore.QueueTimedOut, 4)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var job submissionJob
	require.NoError(t, json.Unmarshal(jobs[0], &job))
	w.promoteTimedOut(ctx, job)

	r.runGrading(t)

	a, err := r.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusCompleted, a.Status)
	assert.Equal(t, 2.0, a.FinalScore)
}

func TestTimeCheckMissingTimerIsNotFound(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, allowAll())
	r.seedExam(t, basicExam("e1", 2))
	res, err := r.engine.StartAttempt(ctx, "u1", "e1")
	require.NoError(t, err)

	r.cache.Delete(ctx, faststore.TimerKey(res.AttemptID))
	_, err = r.engine.TimeCheck(ctx, "u1", res.AttemptID)
	assert.ErrorIs(t, err, exam.ErrNotFound)
}
