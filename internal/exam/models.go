package exam

import (
	"encoding/json"
	"fmt"
	"time"
)

type QuestionType string

const (
	TypeMCQ            QuestionType = "MCQ"
	TypeStatementBased QuestionType = "STATEMENT_BASED"
	TypeMultipleSelect QuestionType = "MULTIPLE_SELECT"
	TypeTrueFalse      QuestionType = "TRUE_FALSE"
)

type Option struct {
	ID         string `json:"id"`
	OptionText string `json:"optionText"`
	IsCorrect  bool   `json:"isCorrect,omitempty"`
}

type Question struct {
	ID                   string       `json:"id"`
	ExamID               string       `json:"examId"`
	Type                 QuestionType `json:"type"`
	QuestionText         string       `json:"questionText"`
	Statements           []string     `json:"statements,omitempty"`
	StatementInstruction string       `json:"statementInstruction,omitempty"`
	Options              []Option     `json:"options"`
	CorrectAnswer        string       `json:"correctAnswer,omitempty"`
	Marks                float64      `json:"marks"`
	HasNegativeMarking   bool         `json:"hasNegativeMarking"`
	// NegativeMarks overrides the exam-level penalty when set; nil inherits
	// it. An explicit zero opts the question out of negative marking.
	NegativeMarks *float64 `json:"negativeMarks,omitempty"`
}

type Exam struct {
	ID                    string  `json:"id"`
	Title                 string  `json:"title"`
	DurationMinutes       int     `json:"duration"`
	TotalQuestions        int     `json:"totalQuestions"`
	TotalMarks            float64 `json:"totalMarks"`
	PassMarkPercentage    float64 `json:"passMarkPercentage"`
	HasNegativeMarking    bool    `json:"hasNegativeMarking"`
	NegativeMarkingValue  float64 `json:"negativeMarkingValue"`
	AllowNavigation       bool    `json:"allowNavigation"`
	AllowMultipleAttempts bool    `json:"allowMultipleAttempts"`
	MaxAttempt            int     `json:"maxAttempt"`
	IsActive              bool    `json:"isActive"`
	IsPremium             bool    `json:"isPremium"`
	Category              string  `json:"category"`
	DifficultyLevel       string  `json:"difficultyLevel"`
}

type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusTimedOut   Status = "timed-out"
	StatusError      Status = "error"
	StatusPaused     Status = "paused" // reserved; no transition produces it
)

var legalTransitions = map[Status][]Status{
	StatusInProgress: {StatusProcessing, StatusCompleted, StatusTimedOut, StatusError},
	StatusTimedOut:   {StatusProcessing, StatusCompleted, StatusError},
	StatusProcessing: {StatusCompleted, StatusError},
	StatusCompleted:  {StatusProcessing}, // admin recalculate only
}

// CanTransition reports whether from -> to is a legal status move.
// Nothing transitions into paused until a pause operation exists.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusInProgress, StatusProcessing, StatusCompleted, StatusTimedOut, StatusError, StatusPaused:
		return true
	}
	return false
}

type SelectionKind string

const (
	SelectionNone   SelectionKind = "none"
	SelectionSingle SelectionKind = "single"
	SelectionMulti  SelectionKind = "multi"
)

// SelectedOption is the tagged variant for a candidate's selection: a single
// option id, a set of option ids, or unanswered.
type SelectedOption struct {
	Kind SelectionKind
	ID   string
	IDs  []string
}

func SelectNone() SelectedOption {
	return SelectedOption{Kind: SelectionNone}
}

func SelectSingle(id string) SelectedOption {
	return SelectedOption{Kind: SelectionSingle, ID: id}
}

func SelectMulti(ids []string) SelectedOption {
	return SelectedOption{Kind: SelectionMulti, IDs: ids}
}

func (s SelectedOption) Answered() bool { return s.Kind == SelectionSingle || s.Kind == SelectionMulti }

type selectedOptionJSON struct {
	Kind SelectionKind `json:"kind"`
	ID   string        `json:"id,omitempty"`
	IDs  []string      `json:"ids,omitempty"`
}

// MarshalJSON always emits the tagged form; unanswered serializes as null so
// clients see the same shape they sent.
func (s SelectedOption) MarshalJSON() ([]byte, error) {
	if !s.Answered() {
		return []byte("null"), nil
	}
	return json.Marshal(selectedOptionJSON{Kind: s.Kind, ID: s.ID, IDs: s.IDs})
}

// UnmarshalJSON accepts the tagged form plus the wire shorthands clients send:
// null, a scalar option id, or an array of option ids.
func (s *SelectedOption) UnmarshalJSON(data []byte) error {
	switch {
	case len(data) == 0 || string(data) == "null":
		*s = SelectNone()
		return nil
	case data[0] == '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*s = SelectSingle(id)
		return nil
	case data[0] == '[':
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
		*s = SelectMulti(ids)
		return nil
	case data[0] == '{':
		var t selectedOptionJSON
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		switch t.Kind {
		case SelectionNone, "":
			*s = SelectNone()
		case SelectionSingle:
			*s = SelectSingle(t.ID)
		case SelectionMulti:
			*s = SelectMulti(t.IDs)
		default:
			return fmt.Errorf("unknown selection kind %q", t.Kind)
		}
		return nil
	}
	return fmt.Errorf("selectedOption must be null, string, array or object")
}

// Answer is one slot of an attempt's answer sheet. Position is fixed at
// attempt creation and never changes.
type Answer struct {
	QuestionID    string         `json:"questionId"`
	Position      int            `json:"-"`
	Selected      SelectedOption `json:"selectedOption"`
	IsCorrect     *bool          `json:"isCorrect,omitempty"`
	MarksEarned   float64        `json:"marksEarned"`
	NegativeMarks float64        `json:"negativeMarks"`
	ResponseTime  float64        `json:"responseTime"`
}

type Attempt struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	ExamID string `json:"examId"`

	Status        Status     `json:"status"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	TimeRemaining *int       `json:"timeRemaining,omitempty"` // seconds
	LastDBSync    *time.Time `json:"lastDbSync,omitempty"`

	Answers []Answer `json:"answers,omitempty"`

	TotalMarks     float64  `json:"totalMarks"`
	NegativeMarks  float64  `json:"negativeMarks"`
	FinalScore     float64  `json:"finalScore"`
	CorrectAnswers int      `json:"correctAnswers"`
	WrongAnswers   int      `json:"wrongAnswers"`
	Unattempted    int      `json:"unattempted"`
	HasPassed      bool     `json:"hasPassed"`
	Rank           *int     `json:"rank,omitempty"`
	Percentile     *float64 `json:"percentile,omitempty"`

	StatusChangedBy    string     `json:"statusChangedBy,omitempty"`
	StatusChangedAt    *time.Time `json:"statusChangedAt,omitempty"`
	ManuallyCompleted  bool       `json:"manuallyCompleted,omitempty"`
	LastRecalculatedBy string     `json:"lastRecalculatedBy,omitempty"`
	LastRecalculatedAt *time.Time `json:"lastRecalculatedAt,omitempty"`
	ProcessingError    string     `json:"processingError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Finished reports whether the attempt has been graded.
func (a *Attempt) Finished() bool {
	return a.Status == StatusCompleted || a.Status == StatusTimedOut
}

// User is the internal identity a principal maps to.
type User struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Role       string `json:"role"`
}
