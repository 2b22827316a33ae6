package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// QuestionResult is the per-question breakdown disclosed after grading.
// This is the only projection allowed to carry correctness data out.
type QuestionResult struct {
	QuestionID    string              `json:"questionId"`
	QuestionText  string              `json:"questionText"`
	Type          exam.QuestionType   `json:"type"`
	Options       []exam.Option       `json:"options"`
	CorrectAnswer string              `json:"correctAnswer"`
	Selected      exam.SelectedOption `json:"selectedOption"`
	IsCorrect     *bool               `json:"isCorrect"`
	MarksEarned   float64             `json:"marksEarned"`
	NegativeMarks float64             `json:"negativeMarks"`
	ResponseTime  float64             `json:"responseTime"`
}

type ResultView struct {
	AttemptID      string           `json:"attemptId"`
	ExamID         string           `json:"examId"`
	ExamTitle      string           `json:"examTitle"`
	Status         exam.Status      `json:"status"`
	TotalMarks     float64          `json:"totalMarks"`
	NegativeMarks  float64          `json:"negativeMarks"`
	FinalScore     float64          `json:"finalScore"`
	CorrectAnswers int              `json:"correctAnswers"`
	WrongAnswers   int              `json:"wrongAnswers"`
	Unattempted    int              `json:"unattempted"`
	HasPassed      bool             `json:"hasPassed"`
	Rank           *int             `json:"rank,omitempty"`
	Percentile     *float64         `json:"percentile,omitempty"`
	StartTime      time.Time        `json:"startTime"`
	EndTime        *time.Time       `json:"endTime,omitempty"`
	Questions      []QuestionResult `json:"questions"`
}

// GetResult returns the detailed result. Correct answers are disclosed only
// for graded attempts and only to the owner (or an admin).
func (e *Engine) GetResult(ctx context.Context, userID, attemptID string, admin bool) (ResultView, bool, error) {
	a, err := e.loadOwnedAttempt(ctx, attemptID, userID, admin)
	if err != nil {
		return ResultView{}, false, err
	}
	if !a.Finished() {
		return ResultView{}, false, fmt.Errorf("%w: attempt is %s", exam.ErrConflict, a.Status)
	}
	var cached ResultView
	if e.cache.GetJSON(ctx, faststore.SubmitResultKey(attemptID), &cached) {
		return cached, true, nil
	}
	res, err := e.buildResult(ctx, attemptID)
	if err != nil {
		return ResultView{}, false, err
	}
	e.cache.SetJSON(ctx, faststore.SubmitResultKey(attemptID), res, resultTTL)
	return res, false, nil
}

// buildResult reconstructs the result payload from the durable store.
func (e *Engine) buildResult(ctx context.Context, attemptID string) (ResultView, error) {
	a, err := e.store.GetAttemptWithAnswers(ctx, attemptID)
	if err != nil {
		return ResultView{}, err
	}
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

	view := ResultView{
		AttemptID:      a.ID,
		ExamID:         a.ExamID,
		ExamTitle:      ex.Title,
		Status:         a.Status,
		TotalMarks:     a.TotalMarks,
		NegativeMarks:  a.NegativeMarks,
		FinalScore:     a.FinalScore,
		CorrectAnswers: a.CorrectAnswers,
		WrongAnswers:   a.WrongAnswers,
		Unattempted:    a.Unattempted,
		HasPassed:      a.HasPassed,
		Rank:           a.Rank,
		Percentile:     a.Percentile,
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Questions:      make([]QuestionResult, 0, len(a.Answers)),
	}
	for _, ans := range a.Answers {
		qr := QuestionResult{
			QuestionID:    ans.QuestionID,
			Selected:      ans.Selected,
			IsCorrect:     ans.IsCorrect,
			MarksEarned:   ans.MarksEarned,
			NegativeMarks: ans.NegativeMarks,
			ResponseTime:  ans.ResponseTime,
		}
		if q, ok := questions[ans.QuestionID]; ok {
			qr.QuestionText = q.QuestionText
			qr.Type = q.Type
			qr.Options = q.Options
			qr.CorrectAnswer = q.CorrectAnswer
		}
		view.Questions = append(view.Questions, qr)
	}
	return view, nil
}
