package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// SaveAnswer records a single selection. The positional update plus the
// conditional unattempted adjustment run in one durable transaction, so
// concurrent saves to distinct questions of the same attempt never race.
func (e *Engine) SaveAnswer(ctx context.Context, userID, attemptID, questionID string, sel exam.SelectedOption, responseTime float64) error {
	a, err := e.loadOwnedAttempt(ctx, attemptID, userID, false)
	if err != nil {
		return err
	}
	if a.Status != exam.StatusInProgress {
		return exam.ErrNotInProgress
	}
	applied, _, err := e.store.UpdateAnswers(ctx, attemptID,
		[]exam.AnswerUpdate{{QuestionID: questionID, Selected: sel, ResponseTime: responseTime}})
	if err != nil {
		return err
	}
	if applied == 0 {
		return fmt.Errorf("question %s not in attempt: %w", questionID, exam.ErrNotFound)
	}
	e.queueAnswerCopy(ctx, attemptID, questionID, sel, responseTime)
	return nil
}

// SaveAnswersBatch applies a batch as an unordered bulk. Unknown question ids
// are skipped; an empty valid set is a validation error. The unattempted
// adjustment uses only the deltas actually applied.
func (e *Engine) SaveAnswersBatch(ctx context.Context, userID, attemptID string, updates []exam.AnswerUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, fmt.Errorf("%w: empty answers batch", exam.ErrValidation)
	}
	a, err := e.loadOwnedAttempt(ctx, attemptID, userID, false)
	if err != nil {
		return 0, err
	}
	if a.Status != exam.StatusInProgress {
		return 0, exam.ErrNotInProgress
	}
	applied, _, err := e.store.UpdateAnswers(ctx, attemptID, updates)
	if err != nil {
		return 0, err
	}
	if applied == 0 {
		return 0, fmt.Errorf("%w: no valid answers in batch", exam.ErrValidation)
	}
	for _, u := range updates {
		e.queueAnswerCopy(ctx, attemptID, u.QuestionID, u.Selected, u.ResponseTime)
	}
	return applied, nil
}

// answerCopyJob carries one saved selection down queue:answer_updates to the
// attempt-hash mirror maintained by the aggregator.
type answerCopyJob struct {
	AttemptID    string              `json:"attemptId"`
	QuestionID   string              `json:"questionId"`
	Selected     exam.SelectedOption `json:"selected"`
	ResponseTime float64             `json:"responseTime"`
}

// queueAnswerCopy hands the selection to the async attempt-hash mirror. Best
// effort: the grader falls back to the durable sheet on any miss.
func (e *Engine) queueAnswerCopy(ctx context.Context, attemptID, questionID string, sel exam.SelectedOption, responseTime float64) {
	err := e.cache.Enqueue(ctx, faststore.QueueAnswers, answerCopyJob{
		AttemptID:    attemptID,
		QuestionID:   questionID,
		Selected:     sel,
		ResponseTime: responseTime,
	})
	if err != nil {
		e.log.Debug("answer copy enqueue skipped", zap.String("attempt", attemptID), zap.Error(err))
	}
}
