// Package grading turns a submitted attempt's raw answers into scored
// aggregates. Evaluation is deterministic: the same (exam, questions,
// answers) tuple always grades identically.
package grading

import (
	"fmt"
	"math"
	"strings"

	"github.com/mind-engage/exam-engine/internal/exam"
)

// Strategy evaluates one question type. It reports correctness only; scoring
// is applied uniformly by the Grader.
type Strategy interface {
	Evaluate(q exam.Question, sel exam.SelectedOption) (bool, error)
}

type Grader struct {
	strategies map[exam.QuestionType]Strategy
}

func NewGrader() *Grader {
	return &Grader{
		strategies: map[exam.QuestionType]Strategy{
			exam.TypeMCQ:            textMatchStrategy{},
			exam.TypeStatementBased: textMatchStrategy{},
			exam.TypeTrueFalse:      textMatchStrategy{caseInsensitive: true},
			exam.TypeMultipleSelect: multiSelectStrategy{},
		},
	}
}

// Summary is the graded roll-up for one attempt.
type Summary struct {
	TotalMarks     float64
	NegativeMarks  float64
	FinalScore     float64
	CorrectAnswers int
	WrongAnswers   int
	Unattempted    int
	HasPassed      bool
	Answers        []exam.Answer
}

// GradeAttempt evaluates every answer slot against the bulk-loaded question
// map. A question missing from the map counts as unattempted. Inconsistent
// authoring data (no resolvable correct answer) fails the whole run.
func (g *Grader) GradeAttempt(e exam.Exam, answers []exam.Answer, questions map[string]exam.Question) (Summary, error) {
	sum := Summary{Answers: make([]exam.Answer, len(answers))}
	for i, ans := range answers {
		ans.IsCorrect = nil
		ans.MarksEarned = 0
		ans.NegativeMarks = 0

		q, found := questions[ans.QuestionID]
		if !found || !ans.Selected.Answered() {
			sum.Unattempted++
			sum.Answers[i] = ans
			continue
		}

		strat, ok := g.strategies[q.Type]
		if !ok {
			return Summary{}, fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
		}
		correct, err := strat.Evaluate(q, ans.Selected)
		if err != nil {
			return Summary{}, fmt.Errorf("question %s: %w", q.ID, err)
		}

		if correct {
			marks := q.Marks
			if marks == 0 {
				marks = 1
			}
			sum.TotalMarks += marks
			sum.CorrectAnswers++
			ans.MarksEarned = marks
			v := true
			ans.IsCorrect = &v
		} else {
			sum.WrongAnswers++
			v := false
			ans.IsCorrect = &v
			if e.HasNegativeMarking && q.HasNegativeMarking {
				neg := e.NegativeMarkingValue
				if q.NegativeMarks != nil {
					neg = *q.NegativeMarks
				}
				sum.NegativeMarks += neg
				ans.NegativeMarks = neg
			}
		}
		sum.Answers[i] = ans
	}

	sum.FinalScore = math.Max(0, sum.TotalMarks-sum.NegativeMarks)
	sum.HasPassed = sum.FinalScore >= e.TotalMarks*e.PassMarkPercentage/100
	return sum, nil
}

// textMatchStrategy resolves the correct option by matching optionText
// against the question's correctAnswer, then compares the selected id.
type textMatchStrategy struct {
	caseInsensitive bool
}

func (s textMatchStrategy) Evaluate(q exam.Question, sel exam.SelectedOption) (bool, error) {
	correctID := ""
	for _, opt := range q.Options {
		match := opt.OptionText == q.CorrectAnswer
		if s.caseInsensitive {
			match = strings.EqualFold(opt.OptionText, q.CorrectAnswer)
		}
		if match {
			correctID = opt.ID
			break
		}
	}
	if correctID == "" {
		return false, fmt.Errorf("%w: no option matches correctAnswer", exam.ErrInconsistentQuestion)
	}
	if sel.Kind != exam.SelectionSingle {
		return false, nil
	}
	return sel.ID == correctID, nil
}

// multiSelectStrategy compares the selected id set against the set of
// options flagged isCorrect. Cardinalities must match exactly.
type multiSelectStrategy struct{}

func (multiSelectStrategy) Evaluate(q exam.Question, sel exam.SelectedOption) (bool, error) {
	correct := make(map[string]struct{})
	for _, opt := range q.Options {
		if opt.IsCorrect {
			correct[opt.ID] = struct{}{}
		}
	}
	if len(correct) == 0 {
		return false, fmt.Errorf("%w: no option flagged correct", exam.ErrInconsistentQuestion)
	}
	if sel.Kind != exam.SelectionMulti {
		return false, nil
	}
	picked := make(map[string]struct{}, len(sel.IDs))
	for _, id := range sel.IDs {
		picked[id] = struct{}{}
	}
	if len(picked) != len(correct) {
		return false, nil
	}
	for id := range picked {
		if _, ok := correct[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}
