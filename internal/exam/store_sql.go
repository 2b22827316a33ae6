package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/exam-engine/internal/db"
)

// SQLStore is the durable access layer. It owns attempt truth; everything in
// the fast store is a reconstructable projection of what lives here.
type SQLStore struct {
	db *sql.DB

	// forUpdate is the row-lock clause for read-modify-write transactions.
	// Postgres needs it under read committed; sqlite serializes writers and
	// rejects the syntax, so it stays empty there.
	forUpdate string
}

func NewSQLStore(sqlDB *sql.DB, driver db.Driver) *SQLStore {
	s := &SQLStore{db: sqlDB}
	if driver == db.DriverPostgres {
		s.forUpdate = " FOR UPDATE"
	}
	return s
}

func (s *SQLStore) DB() *sql.DB { return s.db }

// --- Exams & questions ---

func (s *SQLStore) PutExam(ctx context.Context, e Exam) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO exams
		(id,title,duration_minutes,total_questions,total_marks,pass_mark_percentage,
		 has_negative_marking,negative_marking_value,allow_navigation,allow_multiple_attempts,
		 max_attempt,is_active,is_premium,category,difficulty_level,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, is_active=EXCLUDED.is_active`,
		e.ID, e.Title, e.DurationMinutes, e.TotalQuestions, e.TotalMarks, e.PassMarkPercentage,
		e.HasNegativeMarking, e.NegativeMarkingValue, e.AllowNavigation, e.AllowMultipleAttempts,
		e.MaxAttempt, e.IsActive, e.IsPremium, e.Category, e.DifficultyLevel, time.Now().UnixMilli())
	return err
}

func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,title,duration_minutes,total_questions,total_marks,
		pass_mark_percentage,has_negative_marking,negative_marking_value,allow_navigation,
		allow_multiple_attempts,max_attempt,is_active,is_premium,category,difficulty_level
		FROM exams WHERE id=$1`, id)
	var e Exam
	err := row.Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.TotalQuestions, &e.TotalMarks,
		&e.PassMarkPercentage, &e.HasNegativeMarking, &e.NegativeMarkingValue, &e.AllowNavigation,
		&e.AllowMultipleAttempts, &e.MaxAttempt, &e.IsActive, &e.IsPremium, &e.Category, &e.DifficultyLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return Exam{}, fmt.Errorf("exam %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *SQLStore) PutQuestion(ctx context.Context, q Question) error {
	oj, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	sj, err := json.Marshal(q.Statements)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO questions
		(id,exam_id,type,question_text,statements_json,statement_instruction,options_json,
		 correct_answer,marks,has_negative_marking,negative_marks)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET correct_answer=EXCLUDED.correct_answer,
			options_json=EXCLUDED.options_json`,
		q.ID, q.ExamID, string(q.Type), q.QuestionText, string(sj), q.StatementInstruction,
		string(oj), q.CorrectAnswer, q.Marks, q.HasNegativeMarking, q.NegativeMarks)
	return err
}

func (s *SQLStore) QuestionsByExam(ctx context.Context, examID string) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,exam_id,type,question_text,statements_json,
		statement_instruction,options_json,correct_answer,marks,has_negative_marking,negative_marks
		FROM questions WHERE exam_id=$1`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// QuestionsByIDs bulk-loads questions into an id-keyed map. Missing ids are
// simply absent; the grader treats them as unattempted.
func (s *SQLStore) QuestionsByIDs(ctx context.Context, ids []string) (map[string]Question, error) {
	out := make(map[string]Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ph := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,exam_id,type,question_text,statements_json,
		statement_instruction,options_json,correct_answer,marks,has_negative_marking,negative_marks
		FROM questions WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out[q.ID] = q
	}
	return out, rows.Err()
}

func scanQuestion(rows *sql.Rows) (Question, error) {
	var q Question
	var typ, sj, oj string
	if err := rows.Scan(&q.ID, &q.ExamID, &typ, &q.QuestionText, &sj, &q.StatementInstruction,
		&oj, &q.CorrectAnswer, &q.Marks, &q.HasNegativeMarking, &q.NegativeMarks); err != nil {
		return Question{}, err
	}
	q.Type = QuestionType(typ)
	if sj != "" {
		if err := json.Unmarshal([]byte(sj), &q.Statements); err != nil {
			return Question{}, err
		}
	}
	if err := json.Unmarshal([]byte(oj), &q.Options); err != nil {
		return Question{}, err
	}
	return q, nil
}

// --- Users & purchases (oracle backing) ---

func (s *SQLStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id,external_id,name,role,created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (external_id) DO UPDATE SET name=EXCLUDED.name, role=EXCLUDED.role`,
		u.ID, u.ExternalID, u.Name, u.Role, time.Now().UnixMilli())
	return err
}

func (s *SQLStore) UserByExternalID(ctx context.Context, externalID string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,external_id,name,role FROM users WHERE external_id=$1`, externalID)
	var u User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Name, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", externalID, ErrNotFound)
	}
	return u, err
}

func (s *SQLStore) PutPurchase(ctx context.Context, userID, examID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO purchases (user_id,exam_id,created_at)
		VALUES ($1,$2,$3) ON CONFLICT (user_id,exam_id) DO NOTHING`,
		userID, examID, time.Now().UnixMilli())
	return err
}

func (s *SQLStore) HasPurchase(ctx context.Context, userID, examID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM purchases WHERE user_id=$1 AND exam_id=$2`, userID, examID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// --- Attempts ---

const attemptCols = `id,user_id,exam_id,status,start_time,end_time,time_remaining,last_db_sync,
	total_marks,negative_marks,final_score,correct_answers,wrong_answers,unattempted,has_passed,
	rank,percentile,status_changed_by,status_changed_at,manually_completed,
	last_recalculated_by,last_recalculated_at,processing_error,created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var status string
	var startMs, createdMs int64
	var endMs, syncMs, changedMs, recalcMs sql.NullInt64
	var remaining, rank sql.NullInt64
	var percentile sql.NullFloat64
	var changedBy, recalcBy, procErr sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.ExamID, &status, &startMs, &endMs, &remaining, &syncMs,
		&a.TotalMarks, &a.NegativeMarks, &a.FinalScore, &a.CorrectAnswers, &a.WrongAnswers,
		&a.Unattempted, &a.HasPassed, &rank, &percentile, &changedBy, &changedMs,
		&a.ManuallyCompleted, &recalcBy, &recalcMs, &procErr, &createdMs)
	if err != nil {
		return Attempt{}, err
	}
	a.Status = Status(status)
	a.StartTime = time.UnixMilli(startMs)
	a.CreatedAt = time.UnixMilli(createdMs)
	if endMs.Valid {
		t := time.UnixMilli(endMs.Int64)
		a.EndTime = &t
	}
	if syncMs.Valid {
		t := time.UnixMilli(syncMs.Int64)
		a.LastDBSync = &t
	}
	if remaining.Valid {
		v := int(remaining.Int64)
		a.TimeRemaining = &v
	}
	if rank.Valid {
		v := int(rank.Int64)
		a.Rank = &v
	}
	if percentile.Valid {
		v := percentile.Float64
		a.Percentile = &v
	}
	if changedBy.Valid {
		a.StatusChangedBy = changedBy.String
	}
	if changedMs.Valid {
		t := time.UnixMilli(changedMs.Int64)
		a.StatusChangedAt = &t
	}
	if recalcBy.Valid {
		a.LastRecalculatedBy = recalcBy.String
	}
	if recalcMs.Valid {
		t := time.UnixMilli(recalcMs.Int64)
		a.LastRecalculatedAt = &t
	}
	if procErr.Valid {
		a.ProcessingError = procErr.String
	}
	return a, nil
}

// CreateAttempt inserts the attempt and its seeded answer sheet in one
// transaction. Answer order is the sampled-and-shuffled order and is fixed
// for the attempt's lifetime.
func (s *SQLStore) CreateAttempt(ctx context.Context, a Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var remaining interface{}
	if a.TimeRemaining != nil {
		remaining = *a.TimeRemaining
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO attempts
		(id,user_id,exam_id,status,start_time,time_remaining,unattempted,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.UserID, a.ExamID, string(a.Status), a.StartTime.UnixMilli(),
		remaining, a.Unattempted, a.CreatedAt.UnixMilli()); err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("attempt already active for user %s on exam %s: %w",
				a.UserID, a.ExamID, ErrConflict)
		}
		return err
	}
	for _, ans := range a.Answers {
		sel, err := json.Marshal(ans.Selected)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO attempt_answers
			(attempt_id,question_id,position,selected_json,response_time)
			VALUES ($1,$2,$3,$4,$5)`,
			a.ID, ans.QuestionID, ans.Position, string(sel), ans.ResponseTime); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts WHERE id=$1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *SQLStore) GetAttemptWithAnswers(ctx context.Context, id string) (Attempt, error) {
	a, err := s.GetAttempt(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	a.Answers, err = s.answersByAttempt(ctx, id)
	return a, err
}

func (s *SQLStore) answersByAttempt(ctx context.Context, attemptID string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT question_id,position,selected_json,is_correct,
		marks_earned,negative_marks,response_time
		FROM attempt_answers WHERE attempt_id=$1 ORDER BY position`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Answer
	for rows.Next() {
		var ans Answer
		var sel string
		var correct sql.NullBool
		if err := rows.Scan(&ans.QuestionID, &ans.Position, &sel, &correct,
			&ans.MarksEarned, &ans.NegativeMarks, &ans.ResponseTime); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sel), &ans.Selected); err != nil {
			return nil, err
		}
		if correct.Valid {
			v := correct.Bool
			ans.IsCorrect = &v
		}
		out = append(out, ans)
	}
	return out, rows.Err()
}

// ActiveAttempt finds the single in-progress attempt for (user, exam), if any.
func (s *SQLStore) ActiveAttempt(ctx context.Context, userID, examID string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts
		WHERE user_id=$1 AND exam_id=$2 AND status=$3 LIMIT 1`,
		userID, examID, string(StatusInProgress))
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	return a, err
}

// CountFinishedAttempts counts the attempts that consumed a try: everything
// except in-progress, which resumes instead of spending the budget.
func (s *SQLStore) CountFinishedAttempts(ctx context.Context, userID, examID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE user_id=$1 AND exam_id=$2 AND status != $3`,
		userID, examID, string(StatusInProgress)).Scan(&n)
	return n, err
}

// AnswerUpdate is one element of a single or batch save.
type AnswerUpdate struct {
	QuestionID   string
	Selected     SelectedOption
	ResponseTime float64
}

// UpdateAnswers applies saves positionally inside one transaction. Unknown
// question ids are skipped; applied counts only rows actually updated and
// delta is the algebraic unattempted adjustment from observed transitions.
func (s *SQLStore) UpdateAnswers(ctx context.Context, attemptID string, updates []AnswerUpdate) (applied, delta int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	for _, u := range updates {
		var prev string
		err := tx.QueryRowContext(ctx,
			`SELECT selected_json FROM attempt_answers WHERE attempt_id=$1 AND question_id=$2`+s.forUpdate,
			attemptID, u.QuestionID).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			continue // unknown question: skip, do not abort the batch
		}
		if err != nil {
			return 0, 0, err
		}
		var prevSel SelectedOption
		if err := json.Unmarshal([]byte(prev), &prevSel); err != nil {
			return 0, 0, err
		}
		sel, err := json.Marshal(u.Selected)
		if err != nil {
			return 0, 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE attempt_answers
			SET selected_json=$1, response_time=$2 WHERE attempt_id=$3 AND question_id=$4`,
			string(sel), u.ResponseTime, attemptID, u.QuestionID); err != nil {
			return 0, 0, err
		}
		applied++
		switch {
		case !prevSel.Answered() && u.Selected.Answered():
			delta--
		case prevSel.Answered() && !u.Selected.Answered():
			delta++
		}
	}
	if applied == 0 {
		return 0, 0, tx.Commit()
	}
	if delta != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE attempts SET unattempted = unattempted + $1 WHERE id=$2`,
			delta, attemptID); err != nil {
			return 0, 0, err
		}
	}
	return applied, delta, tx.Commit()
}

// SyncTime persists the countdown snapshot for an in-progress attempt.
func (s *SQLStore) SyncTime(ctx context.Context, attemptID string, remaining int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE attempts SET time_remaining=$1, last_db_sync=$2
		WHERE id=$3 AND status=$4`,
		remaining, now.UnixMilli(), attemptID, string(StatusInProgress))
	return err
}

// Transition moves the attempt from one of the given statuses to another,
// reporting whether a row actually changed. This is the CAS every concurrent
// path relies on.
func (s *SQLStore) Transition(ctx context.Context, attemptID string, from []Status, to Status) (bool, error) {
	ph := make([]string, len(from))
	args := []interface{}{string(to), attemptID}
	for i, st := range from {
		ph[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE attempts SET status=$1
		WHERE id=$2 AND status IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApplyGrading writes the graded aggregates, evaluated answers, terminal
// status and end time in one transaction. Returns false when the attempt was
// not in fromStatus anymore (another grader won).
func (s *SQLStore) ApplyGrading(ctx context.Context, a Attempt, fromStatus Status, endTime time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE attempts SET
		status=$1, end_time=$2, total_marks=$3, negative_marks=$4, final_score=$5,
		correct_answers=$6, wrong_answers=$7, unattempted=$8, has_passed=$9, processing_error=NULL
		WHERE id=$10 AND status=$11`,
		string(a.Status), endTime.UnixMilli(), a.TotalMarks, a.NegativeMarks, a.FinalScore,
		a.CorrectAnswers, a.WrongAnswers, a.Unattempted, a.HasPassed, a.ID, string(fromStatus))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	for _, ans := range a.Answers {
		var correct interface{}
		if ans.IsCorrect != nil {
			correct = *ans.IsCorrect
		}
		if _, err := tx.ExecContext(ctx, `UPDATE attempt_answers
			SET is_correct=$1, marks_earned=$2, negative_marks=$3
			WHERE attempt_id=$4 AND question_id=$5`,
			correct, ans.MarksEarned, ans.NegativeMarks, a.ID, ans.QuestionID); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *SQLStore) MarkError(ctx context.Context, attemptID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status=$1, processing_error=$2 WHERE id=$3`,
		string(StatusError), msg, attemptID)
	return err
}

// ListOpts filters a user's attempts. Limit/Offset page the result.
type ListOpts struct {
	UserID string
	ExamID string
	Status Status
	Limit  int
	Offset int
}

func (s *SQLStore) ListAttempts(ctx context.Context, opts ListOpts) ([]Attempt, int, error) {
	where := []string{"user_id=$1"}
	args := []interface{}{opts.UserID}
	if opts.ExamID != "" {
		args = append(args, opts.ExamID)
		where = append(where, fmt.Sprintf("exam_id=$%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptCols+` FROM attempts WHERE `+cond+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// CompletedByExam returns completed attempts ordered for ranking: score
// descending, end time ascending as the stable tie-break.
func (s *SQLStore) CompletedByExam(ctx context.Context, examID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptCols+` FROM attempts
		WHERE exam_id=$1 AND status=$2
		ORDER BY final_score DESC, end_time ASC`, examID, string(StatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// WriteRanks persists rank and percentile for graded attempts in one
// transaction.
func (s *SQLStore) WriteRanks(ctx context.Context, ranks map[string][2]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for id, rp := range ranks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE attempts SET rank=$1, percentile=$2 WHERE id=$3`,
			int(rp[0]), rp[1], id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteAttempt(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attempt_answers WHERE attempt_id=$1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// StampStatusChange records the audit trail for an admin status change.
func (s *SQLStore) StampStatusChange(ctx context.Context, attemptID, adminID string, manual bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE attempts
		SET status_changed_by=$1, status_changed_at=$2, manually_completed=$3 WHERE id=$4`,
		adminID, at.UnixMilli(), manual, attemptID)
	return err
}

func (s *SQLStore) StampRecalculated(ctx context.Context, attemptID, adminID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE attempts
		SET last_recalculated_by=$1, last_recalculated_at=$2 WHERE id=$3`,
		adminID, at.UnixMilli(), attemptID)
	return err
}

// --- Exam stats (analytics flush target) ---

var statsColumns = map[string]string{
	"attempted":    "total_attempted",
	"completed":    "total_completed",
	"passed":       "pass_count",
	"failed":       "fail_count",
	"recalculated": "recalculated_count",
	"deleted":      "deleted_count",
}

// ApplyStats upserts counter deltas for an exam. Field names outside the
// whitelist are dropped.
func (s *SQLStore) ApplyStats(ctx context.Context, examID string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO exam_stats (exam_id,updated_at)
		VALUES ($1,$2) ON CONFLICT (exam_id) DO UPDATE SET updated_at=EXCLUDED.updated_at`,
		examID, time.Now().UnixMilli()); err != nil {
		return err
	}
	for field, n := range deltas {
		col, ok := statsColumns[field]
		if !ok || n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE exam_stats SET `+col+` = `+col+` + $1 WHERE exam_id=$2`, n, examID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ExamStats is the per-exam counter roll-up.
type ExamStats struct {
	ExamID            string `json:"examId"`
	TotalAttempted    int64  `json:"totalAttempted"`
	TotalCompleted    int64  `json:"totalCompleted"`
	PassCount         int64  `json:"passCount"`
	FailCount         int64  `json:"failCount"`
	RecalculatedCount int64  `json:"recalculatedCount"`
	DeletedCount      int64  `json:"deletedCount"`
}

func (s *SQLStore) GetStats(ctx context.Context, examID string) (ExamStats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT exam_id,total_attempted,total_completed,pass_count,
		fail_count,recalculated_count,deleted_count FROM exam_stats WHERE exam_id=$1`, examID)
	var st ExamStats
	err := row.Scan(&st.ExamID, &st.TotalAttempted, &st.TotalCompleted, &st.PassCount,
		&st.FailCount, &st.RecalculatedCount, &st.DeletedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ExamStats{ExamID: examID}, nil
	}
	return st, err
}
