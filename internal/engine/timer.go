package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

const (
	timerTTLGrace    = 300 * time.Second
	durableSyncEvery = 5 * time.Minute
	durableSyncUnder = 300 // seconds remaining
)

// timerRecord is the fast-store countdown snapshot. The countdown is
// anchored on absoluteEndTime, never on a decrementing counter.
type timerRecord struct {
	TimeRemaining     int    `json:"timeRemaining"`
	AbsoluteEndTime   int64  `json:"absoluteEndTime"` // unix millis
	LastSyncTime      int64  `json:"lastSyncTime"`
	UserID            string `json:"userId"`
	ProcessingStarted int64  `json:"processingStarted,omitempty"`
}

// Remaining computes seconds left at now, clamped at zero.
func (t timerRecord) Remaining(now time.Time) int {
	ms := t.AbsoluteEndTime - now.UnixMilli()
	if ms <= 0 {
		return 0
	}
	return int(ms / 1000)
}

func (e *Engine) writeTimer(ctx context.Context, attemptID, userID string, remaining int, now time.Time) {
	rec := timerRecord{
		TimeRemaining:   remaining,
		AbsoluteEndTime: now.Add(time.Duration(remaining) * time.Second).UnixMilli(),
		LastSyncTime:    now.UnixMilli(),
		UserID:          userID,
	}
	ttl := time.Duration(remaining)*time.Second + timerTTLGrace
	e.cache.SetJSON(ctx, faststore.TimerKey(attemptID), rec, ttl)
}

func (e *Engine) readTimer(ctx context.Context, attemptID string) (timerRecord, bool) {
	var rec timerRecord
	ok := e.cache.GetJSON(ctx, faststore.TimerKey(attemptID), &rec)
	return rec, ok
}

// TimerState is what the timer endpoints return.
type TimerState struct {
	TimeRemaining int         `json:"timeRemaining"`
	Status        exam.Status `json:"status"`
	ServerTime    int64       `json:"serverTime"`
	Warning       string      `json:"warning,omitempty"`
}

// SyncTime records a client-reported countdown. degraded relaxes the
// ownership check (timer-only integrity) and flags the response; the
// principal must still be present. Once the attempt has left in-progress the
// call is an idempotent no-op that never resurrects state.
func (e *Engine) SyncTime(ctx context.Context, userID, attemptID string, remaining int, degraded bool) (TimerState, error) {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return TimerState{}, err
	}
	if !degraded && a.UserID != userID {
		return TimerState{}, exam.ErrForbidden
	}
	now := e.now()
	state := TimerState{TimeRemaining: remaining, Status: a.Status, ServerTime: now.UnixMilli()}
	if degraded {
		state.Warning = "degraded sync: ownership not verified"
	}

	if a.Status != exam.StatusInProgress {
		state.Warning = fmt.Sprintf("attempt is %s; sync ignored", a.Status)
		if a.TimeRemaining != nil {
			state.TimeRemaining = *a.TimeRemaining
		}
		return state, nil
	}

	if remaining <= 0 {
		return e.expireAttempt(ctx, a, now, state)
	}

	e.writeTimer(ctx, attemptID, a.UserID, remaining, now)

	needSync := remaining <= durableSyncUnder ||
		a.LastDBSync == nil ||
		now.Sub(*a.LastDBSync) > durableSyncEvery
	if needSync {
		if err := e.store.SyncTime(ctx, attemptID, remaining, now); err != nil {
			// Durable sync is best effort mid-exam; the fast-store anchor
			// keeps the countdown authoritative.
			e.log.Warn("durable time sync failed", zap.String("attempt", attemptID), zap.Error(err))
			state.Warning = "time saved locally; durable sync deferred"
		}
	}
	return state, nil
}

// expireAttempt moves a run-out attempt onto the timed-out queue for the
// submission pipeline to grade.
func (e *Engine) expireAttempt(ctx context.Context, a exam.Attempt, now time.Time, state TimerState) (TimerState, error) {
	moved, err := e.store.Transition(ctx, a.ID,
		[]exam.Status{exam.StatusInProgress}, exam.StatusTimedOut)
	if err != nil {
		return TimerState{}, err
	}
	state.TimeRemaining = 0
	state.Status = exam.StatusTimedOut
	if !moved {
		// Lost the race to submit or another sync; idempotent either way.
		return state, nil
	}
	e.cache.Delete(ctx, faststore.TimerKey(a.ID))
	if err := e.cache.Enqueue(ctx, faststore.QueueTimedOut, submissionJob{AttemptID: a.ID, UserID: a.UserID}); err != nil {
		e.log.Error("timed-out enqueue failed", zap.String("attempt", a.ID), zap.Error(err))
	}
	return state, nil
}

// TimeCheck reads the authoritative countdown. A missing timer entry is an
// explicit not-found; the caller must degrade rather than invent a value.
func (e *Engine) TimeCheck(ctx context.Context, userID, attemptID string) (TimerState, error) {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return TimerState{}, err
	}
	if a.UserID != userID {
		return TimerState{}, exam.ErrForbidden
	}
	rec, ok := e.readTimer(ctx, attemptID)
	if !ok {
		return TimerState{}, fmt.Errorf("timer for attempt %s: %w", attemptID, exam.ErrNotFound)
	}
	return TimerState{
		TimeRemaining: rec.Remaining(e.now()),
		Status:        a.Status,
		ServerTime:    e.now().UnixMilli(),
	}, nil
}
