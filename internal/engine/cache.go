package engine

import (
	"context"

	"github.com/mind-engage/exam-engine/internal/faststore"
)

// invalidateDerived drops every derived view touched by a grading or admin
// mutation: the exam's rankings list and the user's categorized-exams shard.
func (e *Engine) invalidateDerived(ctx context.Context, userID, examID string) {
	e.cache.Delete(ctx,
		faststore.RankingsKey(examID),
		e.cache.CategorizedKey(userID),
	)
}

// invalidateAttemptFamily additionally clears all attempt-scoped keys; used
// by admin delete and recalculate.
func (e *Engine) invalidateAttemptFamily(ctx context.Context, userID, examID, attemptID string) {
	e.cache.Delete(ctx,
		faststore.TimerKey(attemptID),
		faststore.AttemptKey(attemptID),
		faststore.SubmitStatusKey(attemptID),
		faststore.SubmitResultKey(attemptID),
	)
	e.invalidateDerived(ctx, userID, examID)
}
