// Package audit keeps an append-only trail of administrative actions against
// attempts. Attempt rows carry the latest actor stamps; this log keeps the
// full history, including actions on attempts that were later deleted.
package audit

import (
	"context"
	"database/sql"
	"time"
)

const (
	ActionRecalculated  = "recalculated"
	ActionForceComplete = "force-complete"
	ActionDeleted       = "deleted"
)

type Event struct {
	ID        int64     `json:"id"`
	AttemptID string    `json:"attemptId"`
	ExamID    string    `json:"examId"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Recorder struct{ db *sql.DB }

func NewRecorder(db *sql.DB) *Recorder { return &Recorder{db: db} }

func (r *Recorder) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_events (attempt_id, exam_id, actor, action, detail, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.AttemptID, e.ExamID, e.Actor, e.Action, e.Detail, time.Now().UnixMilli())
	return err
}

// ByAttempt returns the attempt's trail, oldest first.
func (r *Recorder) ByAttempt(ctx context.Context, attemptID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, attempt_id, exam_id, actor, action, detail, created_at
		 FROM audit_events WHERE attempt_id=$1 ORDER BY id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.ExamID, &e.Actor, &e.Action, &e.Detail, &createdMs); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, e)
	}
	return out, rows.Err()
}
