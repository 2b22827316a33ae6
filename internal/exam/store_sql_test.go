package exam_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/exam-engine/internal/db"
	"github.com/mind-engage/exam-engine/internal/exam"
)

func newStore(t *testing.T) *exam.SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	sqlDB, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return exam.NewSQLStore(sqlDB, db.DriverSQLite)
}

func seedExam(t *testing.T, s *exam.SQLStore, id string) {
	t.Helper()
	require.NoError(t, s.PutExam(context.Background(), exam.Exam{
		ID: id, Title: "Sample", DurationMinutes: 60, TotalQuestions: 3,
		TotalMarks: 3, PassMarkPercentage: 50, IsActive: true,
	}))
}

func seedAttempt(t *testing.T, s *exam.SQLStore, id, userID, examID string, qids ...string) {
	t.Helper()
	answers := make([]exam.Answer, len(qids))
	for i, qid := range qids {
		answers[i] = exam.Answer{QuestionID: qid, Position: i, Selected: exam.SelectNone()}
	}
	require.NoError(t, s.CreateAttempt(context.Background(), exam.Attempt{
		ID: id, UserID: userID, ExamID: examID, Status: exam.StatusInProgress,
		StartTime: time.Now(), CreatedAt: time.Now(),
		Unattempted: len(qids), Answers: answers,
	}))
}

func TestCreateAttemptRoundTrip(t *testing.T) {
	s := newStore(t)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q3", "q1", "q2")

	a, err := s.GetAttemptWithAnswers(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, exam.StatusInProgress, a.Status)
	assert.Equal(t, 3, a.Unattempted)
	require.Len(t, a.Answers, 3)
	// Sheet order is the seeded position order, not question id order.
	assert.Equal(t, "q3", a.Answers[0].QuestionID)
	assert.Equal(t, "q1", a.Answers[1].QuestionID)
	assert.Equal(t, "q2", a.Answers[2].QuestionID)
	for _, ans := range a.Answers {
		assert.False(t, ans.Selected.Answered())
	}
}

func TestCreateAttemptRejectsSecondActive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q1")

	// The active-attempt unique index turns a racing insert into a conflict.
	err := s.CreateAttempt(ctx, exam.Attempt{
		ID: "a2", UserID: "u1", ExamID: "e1", Status: exam.StatusInProgress,
		StartTime: time.Now(), CreatedAt: time.Now(),
		Unattempted: 1, Answers: []exam.Answer{{QuestionID: "q1", Selected: exam.SelectNone()}},
	})
	assert.ErrorIs(t, err, exam.ErrConflict)

	// A different user on the same exam is unaffected.
	seedAttempt(t, s, "a3", "u2", "e1", "q1")

	// Once the first attempt leaves in-progress, a fresh start is allowed.
	_, err = s.Transition(ctx, "a1", []exam.Status{exam.StatusInProgress}, exam.StatusCompleted)
	require.NoError(t, err)
	seedAttempt(t, s, "a4", "u1", "e1", "q1")
}

func TestUpdateAnswersUnattemptedDelta(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q1", "q2", "q3")

	// First answer: unattempted 3 -> 2.
	applied, delta, err := s.UpdateAnswers(ctx, "a1", []exam.AnswerUpdate{
		{QuestionID: "q1", Selected: exam.SelectSingle("opt-a"), ResponseTime: 4.2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, -1, delta)

	// Re-answering the same question must not move the counter.
	applied, delta, err = s.UpdateAnswers(ctx, "a1", []exam.AnswerUpdate{
		{QuestionID: "q1", Selected: exam.SelectSingle("opt-b")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 0, delta)

	// Clearing it moves the counter back up.
	applied, delta, err = s.UpdateAnswers(ctx, "a1", []exam.AnswerUpdate{
		{QuestionID: "q1", Selected: exam.SelectNone()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, delta)

	a, err := s.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Unattempted)
}

func TestUpdateAnswersBatchMixed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q1", "q2")

	applied, delta, err := s.UpdateAnswers(ctx, "a1", []exam.AnswerUpdate{
		{QuestionID: "q1", Selected: exam.SelectSingle("opt-a")},
		{QuestionID: "q2", Selected: exam.SelectMulti([]string{"opt-a", "opt-b"})},
		{QuestionID: "ghost", Selected: exam.SelectSingle("opt-a")}, // not on the sheet
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, -2, delta)

	a, err := s.GetAttemptWithAnswers(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Unattempted)
	assert.Equal(t, exam.SelectionMulti, a.Answers[1].Selected.Kind)
	assert.ElementsMatch(t, []string{"opt-a", "opt-b"}, a.Answers[1].Selected.IDs)
}

func TestUpdateAnswersConcurrentSameQuestion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.DB().SetMaxOpenConns(1)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q1", "q2")

	// Two writers racing on the same question must decrement unattempted
	// exactly once: the second save observes the first one's answer.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.UpdateAnswers(ctx, "a1", []exam.AnswerUpdate{
				{QuestionID: "q1", Selected: exam.SelectSingle("opt-a")},
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, err := s.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Unattempted)
}

func TestTransitionCAS(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q1")

	moved, err := s.Transition(ctx, "a1",
		[]exam.Status{exam.StatusInProgress, exam.StatusTimedOut}, exam.StatusProcessing)
	require.NoError(t, err)
	assert.True(t, moved)

	// Second contender loses the CAS.
	moved, err = s.Transition(ctx, "a1",
		[]exam.Status{exam.StatusInProgress, exam.StatusTimedOut}, exam.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, moved)

	a, err := s.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, exam.StatusProcessing, a.Status)
}

func TestApplyGradingGuardsFromStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q1")

	yes := true
	graded := exam.Attempt{
		ID: "a1", Status: exam.StatusCompleted,
		TotalMarks: 2, FinalScore: 2, CorrectAnswers: 1, HasPassed: true,
		Answers: []exam.Answer{
			{QuestionID: "q1", Selected: exam.SelectSingle("opt-a"), IsCorrect: &yes, MarksEarned: 2},
		},
	}

	// Attempt is still in-progress, not processing: grading must not apply.
	applied, err := s.ApplyGrading(ctx, graded, exam.StatusProcessing, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = s.Transition(ctx, "a1", []exam.Status{exam.StatusInProgress}, exam.StatusProcessing)
	require.NoError(t, err)

	applied, err = s.ApplyGrading(ctx, graded, exam.StatusProcessing, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	a, err := s.GetAttemptWithAnswers(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, exam.StatusCompleted, a.Status)
	assert.Equal(t, 2.0, a.FinalScore)
	assert.NotNil(t, a.EndTime)
	require.NotNil(t, a.Answers[0].IsCorrect)
	assert.True(t, *a.Answers[0].IsCorrect)
}

func TestListAttemptsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")
	seedExam(t, s, "e2")
	seedAttempt(t, s, "a1", "u1", "e1", "q1")
	seedAttempt(t, s, "a2", "u1", "e2", "q1")
	seedAttempt(t, s, "a3", "u2", "e1", "q1")
	_, err := s.Transition(ctx, "a2", []exam.Status{exam.StatusInProgress}, exam.StatusProcessing)
	require.NoError(t, err)

	attempts, total, err := s.ListAttempts(ctx, exam.ListOpts{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, attempts, 2)

	attempts, total, err = s.ListAttempts(ctx, exam.ListOpts{UserID: "u1", Status: exam.StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, attempts, 1)
	assert.Equal(t, "a2", attempts[0].ID)

	attempts, total, err = s.ListAttempts(ctx, exam.ListOpts{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, attempts, 1)
}

func TestCompletedByExamOrdering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")

	finish := func(id string, score float64, endOffset time.Duration) {
		seedAttempt(t, s, id, "u-"+id, "e1", "q1")
		_, err := s.Transition(ctx, id, []exam.Status{exam.StatusInProgress}, exam.StatusProcessing)
		require.NoError(t, err)
		applied, err := s.ApplyGrading(ctx, exam.Attempt{
			ID: id, Status: exam.StatusCompleted, FinalScore: score,
		}, exam.StatusProcessing, time.Unix(1700000000, 0).Add(endOffset))
		require.NoError(t, err)
		require.True(t, applied)
	}
	finish("a1", 5, 2*time.Minute)
	finish("a2", 8, time.Minute)
	finish("a3", 5, time.Minute) // same score as a1, earlier finish

	got, err := s.CompletedByExam(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, "a3", got[1].ID) // tie broken by earlier end time
	assert.Equal(t, "a1", got[2].ID)
}

func TestDeleteAttemptRemovesAnswers(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")
	seedAttempt(t, s, "a1", "u1", "e1", "q1", "q2")

	require.NoError(t, s.DeleteAttempt(ctx, "a1"))

	_, err := s.GetAttempt(ctx, "a1")
	assert.ErrorIs(t, err, exam.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAttempt(ctx, "a1"), exam.ErrNotFound)
}

func TestApplyStatsUpsertsAndIncrements(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")

	require.NoError(t, s.ApplyStats(ctx, "e1", map[string]int64{
		"attempted": 3, "completed": 2, "passed": 1, "failed": 1, "bogus": 99,
	}))
	require.NoError(t, s.ApplyStats(ctx, "e1", map[string]int64{"attempted": 1, "completed": -1}))

	st, err := s.GetStats(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.TotalAttempted)
	assert.Equal(t, int64(1), st.TotalCompleted)
	assert.Equal(t, int64(1), st.PassCount)
	assert.Equal(t, int64(1), st.FailCount)

	// Unknown exam reads as zeroes, not an error.
	st, err = s.GetStats(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.TotalAttempted)
}

func TestPurchases(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExam(t, s, "e1")

	ok, err := s.HasPurchase(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutPurchase(ctx, "u1", "e1"))
	require.NoError(t, s.PutPurchase(ctx, "u1", "e1")) // idempotent

	ok, err = s.HasPurchase(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.True(t, ok)
}
