package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/audit"
	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// recordAudit appends to the admin trail. Best effort: a trail gap is logged,
// never surfaced to the caller.
func (e *Engine) recordAudit(ctx context.Context, attemptID, examID, actor, action, detail string) {
	err := e.audit.Append(ctx, audit.Event{
		AttemptID: attemptID, ExamID: examID, Actor: actor, Action: action, Detail: detail,
	})
	if err != nil {
		e.log.Warn("audit append failed",
			zap.String("attempt", attemptID), zap.String("action", action), zap.Error(err))
	}
}

// AuditTrail returns the attempt's admin action history, including actions on
// attempts since deleted.
func (e *Engine) AuditTrail(ctx context.Context, attemptID string) ([]audit.Event, error) {
	return e.audit.ByAttempt(ctx, attemptID)
}

// Recalculate re-grades a finished attempt in place: completed -> processing
// -> completed under lock:recalc, with audit stamps and the same cache
// fan-out as a normal completion. Used after authoring fixes.
func (e *Engine) Recalculate(ctx context.Context, adminID, attemptID string) (ResultView, error) {
	lock := faststore.LockRecalc(attemptID)
	if err := e.locks.Acquire(ctx, lock, faststore.AdminLockTTL); err != nil {
		return ResultView{}, err
	}
	defer e.locks.Release(ctx, lock)

	a, err := e.store.GetAttemptWithAnswers(ctx, attemptID)
	if err != nil {
		return ResultView{}, err
	}
	if !a.Finished() && a.Status != exam.StatusError {
		return ResultView{}, fmt.Errorf("%w: cannot recalculate attempt in %s", exam.ErrConflict, a.Status)
	}

	moved, err := e.store.Transition(ctx, attemptID,
		[]exam.Status{exam.StatusCompleted, exam.StatusTimedOut, exam.StatusError}, exam.StatusProcessing)
	if err != nil {
		return ResultView{}, err
	}
	if !moved {
		return ResultView{}, fmt.Errorf("%w: attempt changed underneath recalculation", exam.ErrConflict)
	}

	res, err := e.gradeInline(ctx, a)
	if err != nil {
		// Loud failure: leave the precise diagnostics on the attempt.
		if markErr := e.store.MarkError(ctx, attemptID, err.Error()); markErr != nil {
			e.log.Error("mark error failed", zap.String("attempt", attemptID), zap.Error(markErr))
		}
		return ResultView{}, err
	}

	now := e.now()
	if err := e.store.StampRecalculated(ctx, attemptID, adminID, now); err != nil {
		e.log.Warn("recalculation audit stamp failed", zap.String("attempt", attemptID), zap.Error(err))
	}
	if err := e.enqueueAnalytics(ctx, a.ExamID, map[string]int64{"recalculated": 1}); err != nil {
		e.log.Warn("analytics enqueue failed", zap.String("attempt", attemptID), zap.Error(err))
	}
	e.recordAudit(ctx, attemptID, a.ExamID, adminID, audit.ActionRecalculated,
		fmt.Sprintf("finalScore %.2f -> %.2f", a.FinalScore, res.FinalScore))
	e.invalidateAttemptFamily(ctx, a.UserID, a.ExamID, attemptID)
	return res, nil
}

// ForceComplete grades an unfinished attempt on the admin's authority,
// stamping the audit trail. The grader run is the same one the worker uses.
func (e *Engine) ForceComplete(ctx context.Context, adminID, attemptID string) (ResultView, error) {
	lock := faststore.LockStatus(attemptID)
	if err := e.locks.Acquire(ctx, lock, faststore.AdminLockTTL); err != nil {
		return ResultView{}, err
	}
	defer e.locks.Release(ctx, lock)

	a, err := e.store.GetAttemptWithAnswers(ctx, attemptID)
	if err != nil {
		return ResultView{}, err
	}
	if a.Status != exam.StatusInProgress && a.Status != exam.StatusTimedOut {
		return ResultView{}, fmt.Errorf("%w: attempt is %s", exam.ErrConflict, a.Status)
	}

	moved, err := e.store.Transition(ctx, attemptID,
		[]exam.Status{exam.StatusInProgress, exam.StatusTimedOut}, exam.StatusProcessing)
	if err != nil {
		return ResultView{}, err
	}
	if !moved {
		return ResultView{}, fmt.Errorf("%w: attempt changed underneath status change", exam.ErrConflict)
	}

	res, err := e.gradeInline(ctx, a)
	if err != nil {
		if markErr := e.store.MarkError(ctx, attemptID, err.Error()); markErr != nil {
			e.log.Error("mark error failed", zap.String("attempt", attemptID), zap.Error(markErr))
		}
		return ResultView{}, err
	}

	now := e.now()
	if err := e.store.StampStatusChange(ctx, attemptID, adminID, true, now); err != nil {
		e.log.Warn("status audit stamp failed", zap.String("attempt", attemptID), zap.Error(err))
	}
	deltas := map[string]int64{"completed": 1}
	if res.HasPassed {
		deltas["passed"] = 1
	} else {
		deltas["failed"] = 1
	}
	if err := e.enqueueAnalytics(ctx, a.ExamID, deltas); err != nil {
		e.log.Warn("analytics enqueue failed", zap.String("attempt", attemptID), zap.Error(err))
	}
	e.recordAudit(ctx, attemptID, a.ExamID, adminID, audit.ActionForceComplete,
		fmt.Sprintf("completed from %s", a.Status))
	e.invalidateAttemptFamily(ctx, a.UserID, a.ExamID, attemptID)
	return res, nil
}

// gradeInline runs the grader synchronously for admin operations. The
// attempt must already be in processing.
func (e *Engine) gradeInline(ctx context.Context, a exam.Attempt) (ResultView, error) {
	ex, err := e.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return ResultView{}, err
	}
	ids := make([]string, len(a.Answers))
	for i, ans := range a.Answers {
		ids[i] = ans.QuestionID
	}
	questions, err := e.store.QuestionsByIDs(ctx, ids)
	if err != nil {
		return ResultView{}, err
	}
	sum, err := e.grader.GradeAttempt(ex, a.Answers, questions)
	if err != nil {
		return ResultView{}, err
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
	if a.EndTime != nil {
		endTime = *a.EndTime // recalculation keeps the original finish time
	}
	applied, err := e.store.ApplyGrading(ctx, graded, exam.StatusProcessing, endTime)
	if err != nil {
		return ResultView{}, err
	}
	if !applied {
		return ResultView{}, fmt.Errorf("%w: attempt left processing unexpectedly", exam.ErrConflict)
	}
	return e.buildResult(ctx, a.ID)
}

// DeleteAttempt removes the attempt, clears its whole cache family, and
// emits analytics decrements matching the prior status. Mismatches fail
// loudly and leave state intact.
func (e *Engine) DeleteAttempt(ctx context.Context, adminID, attemptID string) error {
	lock := faststore.LockDelete(attemptID)
	if err := e.locks.Acquire(ctx, lock, faststore.AdminLockTTL); err != nil {
		return err
	}
	defer e.locks.Release(ctx, lock)

	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteAttempt(ctx, attemptID); err != nil {
		return err
	}

	deltas := map[string]int64{"deleted": 1}
	switch a.Status {
	case exam.StatusCompleted:
		deltas["completed"] = -1
		if a.HasPassed {
			deltas["passed"] = -1
		} else {
			deltas["failed"] = -1
		}
	case exam.StatusInProgress, exam.StatusProcessing, exam.StatusTimedOut, exam.StatusError:
		deltas["attempted"] = -1
	}
	if err := e.enqueueAnalytics(ctx, a.ExamID, deltas); err != nil {
		e.log.Warn("analytics enqueue failed", zap.String("attempt", attemptID), zap.Error(err))
	}

	e.recordAudit(ctx, attemptID, a.ExamID, adminID, audit.ActionDeleted,
		fmt.Sprintf("prior status %s", a.Status))
	e.invalidateAttemptFamily(ctx, a.UserID, a.ExamID, attemptID)
	e.log.Info("attempt deleted",
		zap.String("attempt", attemptID),
		zap.String("admin", adminID),
		zap.String("priorStatus", string(a.Status)))
	return nil
}

// AdminListByExam returns an exam's attempts with the durable counters, for
// the admin results roll-up.
type ExamResults struct {
	Exam     ExamSummary    `json:"exam"`
	Stats    exam.ExamStats `json:"stats"`
	Attempts []exam.Attempt `json:"attempts"`
}

func (e *Engine) AdminExamResults(ctx context.Context, examID string) (ExamResults, error) {
	ex, err := e.store.GetExam(ctx, examID)
	if err != nil {
		return ExamResults{}, err
	}
	stats, err := e.store.GetStats(ctx, examID)
	if err != nil {
		return ExamResults{}, err
	}
	attempts, err := e.store.CompletedByExam(ctx, examID)
	if err != nil {
		return ExamResults{}, err
	}
	return ExamResults{Exam: summarize(ex), Stats: stats, Attempts: attempts}, nil
}
