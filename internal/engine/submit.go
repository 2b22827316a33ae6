package engine

import (
	"context"
	"fmt"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// submissionJob is what travels down queue:exam_submissions.
type submissionJob struct {
	AttemptID string `json:"attemptId"`
	UserID    string `json:"userId"`
}

type submitStatus string

const (
	submitProcessing submitStatus = "processing"
	submitCompleted  submitStatus = "completed"
)

// SubmitOutcome tells the HTTP surface how the submit call resolved.
type SubmitOutcome struct {
	Accepted bool        // true: 202 with poll URL
	Cached   bool        // true: 200 with Result
	Result   *ResultView // set when Cached
}

// Submit is asynchronous and idempotent. Exactly one of any number of
// concurrent calls for the same attempt enqueues grading; the rest observe
// processing, the cached result, or lock contention.
func (e *Engine) Submit(ctx context.Context, userID, attemptID string, admin bool) (SubmitOutcome, error) {
	lock := faststore.LockSubmission(attemptID)
	if err := e.locks.Acquire(ctx, lock, faststore.SubmissionLockTTL); err != nil {
		return SubmitOutcome{}, err
	}
	defer e.locks.Release(ctx, lock)

	a, err := e.loadOwnedAttempt(ctx, attemptID, userID, admin)
	if err != nil {
		return SubmitOutcome{}, err
	}

	// Idempotency marker: replays resolve without re-entering the pipeline.
	var status submitStatus
	if e.cache.GetJSON(ctx, faststore.SubmitStatusKey(attemptID), &status) {
		switch status {
		case submitCompleted:
			var res ResultView
			if e.cache.GetJSON(ctx, faststore.SubmitResultKey(attemptID), &res) {
				return SubmitOutcome{Cached: true, Result: &res}, nil
			}
			// Result evicted; rebuild from the durable store.
			res2, err := e.buildResult(ctx, attemptID)
			if err != nil {
				return SubmitOutcome{}, err
			}
			return SubmitOutcome{Cached: true, Result: &res2}, nil
		case submitProcessing:
			return SubmitOutcome{Accepted: true}, nil
		}
	}
	switch a.Status {
	case exam.StatusInProgress, exam.StatusTimedOut:
		// proceed
	case exam.StatusCompleted:
		res, err := e.buildResult(ctx, attemptID)
		if err != nil {
			return SubmitOutcome{}, err
		}
		return SubmitOutcome{Cached: true, Result: &res}, nil
	case exam.StatusProcessing:
		return SubmitOutcome{Accepted: true}, nil
	default:
		return SubmitOutcome{}, fmt.Errorf("%w: attempt is %s", exam.ErrConflict, a.Status)
	}

	return e.enqueueForGrading(ctx, a)
}

// enqueueForGrading performs the atomic handoff: durable CAS into
// processing, idempotency marker, timer snapshot, queue push.
func (e *Engine) enqueueForGrading(ctx context.Context, a exam.Attempt) (SubmitOutcome, error) {
	moved, err := e.store.Transition(ctx, a.ID,
		[]exam.Status{exam.StatusInProgress, exam.StatusTimedOut}, exam.StatusProcessing)
	if err != nil {
		return SubmitOutcome{}, err
	}
	if !moved {
		// Someone else got here between our status read and the CAS.
		return SubmitOutcome{Accepted: true}, nil
	}

	e.cache.SetJSON(ctx, faststore.SubmitStatusKey(a.ID), submitProcessing, submitStatusTTL)

	now := e.now()
	if rec, ok := e.readTimer(ctx, a.ID); ok {
		rec.ProcessingStarted = now.UnixMilli()
		rec.TimeRemaining = rec.Remaining(now)
		e.cache.SetJSON(ctx, faststore.TimerKey(a.ID), rec, timerTTLGrace)
	}

	if err := e.cache.Enqueue(ctx, faststore.QueueSubmissions,
		submissionJob{AttemptID: a.ID, UserID: a.UserID}); err != nil {
		// Undo so a retry can re-enqueue; without this the attempt would
		// wedge in processing with nothing consuming it.
		_, _ = e.store.Transition(ctx, a.ID,
			[]exam.Status{exam.StatusProcessing}, a.Status)
		e.cache.Delete(ctx, faststore.SubmitStatusKey(a.ID))
		return SubmitOutcome{}, fmt.Errorf("submission enqueue: %w", err)
	}
	// The listing cache still shows in-progress; drop it with the new status.
	e.cache.Delete(ctx, e.cache.CategorizedKey(a.UserID))
	return SubmitOutcome{Accepted: true}, nil
}

// SubmissionStatus reports where an attempt is in the pipeline, preferring
// the idempotency marker over a durable read.
func (e *Engine) SubmissionStatus(ctx context.Context, userID, attemptID string, admin bool) (exam.Status, error) {
	a, err := e.loadOwnedAttempt(ctx, attemptID, userID, admin)
	if err != nil {
		return "", err
	}
	var status submitStatus
	if e.cache.GetJSON(ctx, faststore.SubmitStatusKey(attemptID), &status) {
		switch status {
		case submitCompleted:
			return exam.StatusCompleted, nil
		case submitProcessing:
			return exam.StatusProcessing, nil
		}
	}
	return a.Status, nil
}
