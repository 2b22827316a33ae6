package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/db"
	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// accessFunc adapts a closure into an entitlement oracle for tests.
type accessFunc func(ctx context.Context, userID, examID string) (bool, error)

func (f accessFunc) HasAccess(ctx context.Context, userID, examID string) (bool, error) {
	return f(ctx, userID, examID)
}

func allowAll() accessFunc {
	return func(context.Context, string, string) (bool, error) { return true, nil }
}

func denyAll() accessFunc {
	return func(context.Context, string, string) (bool, error) { return false, nil }
}

type testRig struct {
	engine *Engine
	store  *exam.SQLStore
	cache  *faststore.Client
	redis  *miniredis.Miniredis
}

func newRig(t *testing.T, access accessFunc) *testRig {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	sqlDB, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	store := exam.NewSQLStore(sqlDB, db.DriverSQLite)
	cache := faststore.New(rdb, 4, log)
	locks := faststore.NewLockManager(cache, log)
	eng := New(store, cache, locks, access, log)
	return &testRig{engine: eng, store: store, cache: cache, redis: mr}
}

// seedExam inserts an exam plus a question pool sized to totalQuestions. Every
// question is a 1-mark MCQ whose first option is correct.
func (r *testRig) seedExam(t *testing.T, ex exam.Exam) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.store.PutExam(ctx, ex))
	for i := 0; i < ex.TotalQuestions; i++ {
		q := exam.Question{
			ID:            fmt.Sprintf("%s-q%d", ex.ID, i),
			ExamID:        ex.ID,
			Type:          exam.TypeMCQ,
			QuestionText:  fmt.Sprintf("Question %d", i),
			CorrectAnswer: "Right",
			Marks:         1,
			Options: []exam.Option{
				{ID: "a", OptionText: "Right"},
				{ID: "b", OptionText: "Wrong one"},
				{ID: "c", OptionText: "Wrong two"},
			},
		}
		require.NoError(t, r.store.PutQuestion(ctx, q))
	}
}

func basicExam(id string, totalQuestions int) exam.Exam {
	return exam.Exam{
		ID: id, Title: "Basics", DurationMinutes: 30,
		TotalQuestions: totalQuestions, TotalMarks: float64(totalQuestions),
		PassMarkPercentage: 50, IsActive: true, AllowNavigation: true,
	}
}

// freezeNow pins the engine clock and returns the pinned instant.
func (r *testRig) freezeNow(at time.Time) time.Time {
	r.engine.nowFunc = func() time.Time { return at }
	return at
}

// runGrading drains the submission queue synchronously, grading each job the
// way the background worker would.
func (r *testRig) runGrading(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	w := NewGraderWorker(r.engine, 1, 5*time.Second, time.Second, zap.NewNop())
	jobs, err := r.cache.DrainQueue(ctx, faststore.QueueSubmissions, 16)
	require.NoError(t, err)
	for _, raw := range jobs {
		var job submissionJob
		require.NoError(t, json.Unmarshal(raw, &job))
		require.NoError(t, w.grade(ctx, job))
	}
}
