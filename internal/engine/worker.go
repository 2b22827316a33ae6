package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

const (
	gradeRetries    = 2
	gradeRetryDelay = 2 * time.Second
	dequeueBlock    = time.Second
)

// GraderWorker consumes queue:exam_submissions and grades attempts. Multiple
// workers (and replicas) are safe: the processing CAS in ApplyGrading makes
// grading exactly-once per attempt.
type GraderWorker struct {
	engine      *Engine
	log         *zap.Logger
	concurrency int
	budget      time.Duration
	pollEvery   time.Duration
}

func NewGraderWorker(e *Engine, concurrency int, budget, pollEvery time.Duration, log *zap.Logger) *GraderWorker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if budget <= 0 {
		budget = 20 * time.Second
	}
	return &GraderWorker{engine: e, log: log, concurrency: concurrency, budget: budget, pollEvery: pollEvery}
}

// Run blocks until ctx is cancelled, consuming submission jobs with bounded
// concurrency.
func (w *GraderWorker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		raw, ok, err := w.engine.cache.Dequeue(ctx, faststore.QueueSubmissions, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("submission dequeue failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		var job submissionJob
		if err := json.Unmarshal(raw, &job); err != nil {
			w.log.Error("submission job corrupt", zap.ByteString("raw", raw), zap.Error(err))
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(job submissionJob) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, job)
		}(job)
	}
}

// RunTimedOutPoller moves timed-out attempts into the submission pipeline.
func (w *GraderWorker) RunTimedOutPoller(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		jobs, err := w.engine.cache.DrainQueue(ctx, faststore.QueueTimedOut, 64)
		if err != nil {
			w.log.Warn("timed-out drain failed", zap.Error(err))
			continue
		}
		for _, raw := range jobs {
			var job submissionJob
			if err := json.Unmarshal(raw, &job); err != nil {
				w.log.Error("timed-out job corrupt", zap.Error(err))
				continue
			}
			w.promoteTimedOut(ctx, job)
		}
	}
}

func (w *GraderWorker) promoteTimedOut(ctx context.Context, job submissionJob) {
	a, err := w.engine.store.GetAttempt(ctx, job.AttemptID)
	if err != nil {
		w.log.Warn("timed-out attempt vanished", zap.String("attempt", job.AttemptID), zap.Error(err))
		return
	}
	if a.Status != exam.StatusInProgress && a.Status != exam.StatusTimedOut {
		return // already picked up elsewhere
	}
	if _, err := w.engine.enqueueForGrading(ctx, a); err != nil {
		w.log.Error("timed-out promotion failed", zap.String("attempt", job.AttemptID), zap.Error(err))
	}
}

// process grades one attempt within the wall-clock budget.
func (w *GraderWorker) process(ctx context.Context, job submissionJob) {
	ctx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()

	start := time.Now()
	err := w.grade(ctx, job)
	if err == nil {
		w.log.Info("attempt graded",
			zap.String("attempt", job.AttemptID),
			zap.Duration("took", time.Since(start)))
		return
	}

	w.log.Error("grading failed", zap.String("attempt", job.AttemptID), zap.Error(err))
	// Budget exhaustion and permanent failures park the attempt in error;
	// the candidate sees it on the next status check.
	bg, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bgCancel()
	if markErr := w.engine.store.MarkError(bg, job.AttemptID, err.Error()); markErr != nil {
		w.log.Error("mark error failed", zap.String("attempt", job.AttemptID), zap.Error(markErr))
	}
	w.engine.cache.Delete(bg, faststore.SubmitStatusKey(job.AttemptID))
}

func (w *GraderWorker) grade(ctx context.Context, job submissionJob) error {
	e := w.engine
	a, err := e.store.GetAttemptWithAnswers(ctx, job.AttemptID)
	if err != nil {
		return err
	}
	if a.Status != exam.StatusProcessing {
		// Replayed job; grading already happened or was aborted.
		w.log.Debug("skipping job for attempt not in processing",
			zap.String("attempt", a.ID), zap.String("status", string(a.Status)))
		return nil
	}
	ex, err := e.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return err
	}
	ids := make([]string, len(a.Answers))
	for i, ans := range a.Answers {
		ids[i] = ans.QuestionID
	}
	questions, err := e.store.QuestionsByIDs(ctx, ids)
	if err != nil {
		return err
	}

	sum, err := e.grader.GradeAttempt(ex, a.Answers, questions)
	if err != nil {
		return err
	}

	graded := a
	graded.Status = exam.StatusCompleted
	graded.TotalMarks = sum.TotalMarks
	graded.NegativeMarks = sum.NegativeMarks
	graded.FinalScore = sum.FinalScore
	graded.CorrectAnswers = sum.CorrectAnswers
	graded.WrongAnswers = sum.WrongAnswers
	graded.Unattempted = sum.Unattempted
	graded.HasPassed = sum.HasPassed
	graded.Answers = sum.Answers

	endTime := e.now()
	var applied bool
	for i := 0; ; i++ {
		applied, err = e.store.ApplyGrading(ctx, graded, exam.StatusProcessing, endTime)
		if err == nil || i >= gradeRetries || !isTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("grading budget exceeded: %w", ctx.Err())
		case <-time.After(gradeRetryDelay):
		}
	}
	if err != nil {
		return fmt.Errorf("persist grading: %w", err)
	}
	if !applied {
		w.log.Debug("grading lost the processing CAS", zap.String("attempt", a.ID))
		return nil
	}

	w.fanOut(ctx, graded, endTime)
	return nil
}

// fanOut publishes the result, flips the idempotency marker, and refreshes
// every derived view of the graded attempt.
func (w *GraderWorker) fanOut(ctx context.Context, a exam.Attempt, endTime time.Time) {
	e := w.engine
	res, err := e.buildResult(ctx, a.ID)
	if err != nil {
		w.log.Warn("result build failed; clients will rebuild on demand",
			zap.String("attempt", a.ID), zap.Error(err))
	} else {
		e.cache.SetJSON(ctx, faststore.SubmitResultKey(a.ID), res, resultTTL)
	}
	e.cache.SetJSON(ctx, faststore.SubmitStatusKey(a.ID), submitCompleted, resultTTL)
	e.cache.Delete(ctx, faststore.AttemptKey(a.ID), faststore.TimerKey(a.ID))

	deltas := map[string]int64{"completed": 1}
	if a.HasPassed {
		deltas["passed"] = 1
	} else {
		deltas["failed"] = 1
	}
	if err := e.enqueueAnalytics(ctx, a.ExamID, deltas); err != nil {
		w.log.Warn("analytics enqueue failed", zap.String("attempt", a.ID), zap.Error(err))
	}
	e.invalidateDerived(ctx, a.UserID, a.ExamID)
}
