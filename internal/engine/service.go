package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// StartResult is the outcome of a start call: either a fresh attempt or the
// caller's existing in-progress one.
type StartResult struct {
	AttemptID     string `json:"attemptId"`
	TimeRemaining int    `json:"timeRemaining"`
	Resuming      bool   `json:"resuming"`
}

// StartAttempt begins (or resumes) an attempt for (userID, examID). The exam
// must be active, entitled if premium, and within the attempt policy. The
// question set is sampled and shuffled once; its order is the attempt's
// answer order forever.
func (e *Engine) StartAttempt(ctx context.Context, userID, examID string) (StartResult, error) {
	ex, err := e.store.GetExam(ctx, examID)
	if err != nil {
		return StartResult{}, err
	}
	if !ex.IsActive {
		return StartResult{}, exam.ErrExamInactive
	}
	if ex.IsPremium {
		has, err := e.access.HasAccess(ctx, userID, examID)
		if err != nil {
			return StartResult{}, fmt.Errorf("entitlement check: %w", err)
		}
		if !has {
			return StartResult{}, exam.ErrNoAccess
		}
	}

	// Resume before policy: an existing in-progress attempt always wins.
	if active, err := e.store.ActiveAttempt(ctx, userID, examID); err == nil {
		return e.resumeResult(ctx, ex, active), nil
	} else if !errors.Is(err, exam.ErrNotFound) {
		return StartResult{}, err
	}

	if err := e.checkAttemptPolicy(ctx, userID, ex); err != nil {
		return StartResult{}, err
	}

	pool, err := e.store.QuestionsByExam(ctx, examID)
	if err != nil {
		return StartResult{}, err
	}
	if len(pool) < ex.TotalQuestions {
		return StartResult{}, fmt.Errorf("%w: have %d, need %d",
			exam.ErrInsufficientQuestions, len(pool), ex.TotalQuestions)
	}
	selected := sampleQuestions(pool, ex.TotalQuestions)

	now := e.now()
	remaining := ex.DurationMinutes * 60
	a := exam.Attempt{
		ID:            uuid.NewString(),
		UserID:        userID,
		ExamID:        examID,
		Status:        exam.StatusInProgress,
		StartTime:     now,
		TimeRemaining: &remaining,
		Unattempted:   ex.TotalQuestions,
		CreatedAt:     now,
	}
	a.Answers = make([]exam.Answer, len(selected))
	for i, q := range selected {
		a.Answers[i] = exam.Answer{QuestionID: q.ID, Position: i, Selected: exam.SelectNone()}
	}
	if err := e.store.CreateAttempt(ctx, a); err != nil {
		// Another replica won the insert race behind the active-attempt
		// unique index; resume the attempt it created.
		if errors.Is(err, exam.ErrConflict) {
			if active, aerr := e.store.ActiveAttempt(ctx, userID, examID); aerr == nil {
				return e.resumeResult(ctx, ex, active), nil
			}
		}
		return StartResult{}, err
	}

	e.warmQuestionCache(ctx, examID, selected)
	e.writeTimer(ctx, a.ID, userID, remaining, now)
	e.cache.Delete(ctx, e.cache.CategorizedKey(userID))
	if err := e.enqueueAnalytics(ctx, examID, map[string]int64{"attempted": 1}); err != nil {
		e.log.Warn("analytics enqueue failed", zap.String("attempt", a.ID), zap.Error(err))
	}
	return StartResult{AttemptID: a.ID, TimeRemaining: remaining, Resuming: false}, nil
}

// resumeResult projects an existing in-progress attempt into a start
// response, preferring the live timer over the last durable sync.
func (e *Engine) resumeResult(ctx context.Context, ex exam.Exam, active exam.Attempt) StartResult {
	remaining := ex.DurationMinutes * 60
	if active.TimeRemaining != nil {
		remaining = *active.TimeRemaining
	}
	if st, ok := e.readTimer(ctx, active.ID); ok {
		remaining = st.Remaining(e.now())
	}
	return StartResult{AttemptID: active.ID, TimeRemaining: remaining, Resuming: true}
}

func (e *Engine) checkAttemptPolicy(ctx context.Context, userID string, ex exam.Exam) error {
	count, err := e.store.CountFinishedAttempts(ctx, userID, ex.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if !ex.AllowMultipleAttempts {
		return exam.ErrAttemptLimit
	}
	if ex.MaxAttempt > 0 && count >= ex.MaxAttempt {
		return exam.ErrAttemptLimit
	}
	return nil
}

// sampleQuestions picks n distinct questions uniformly at random and
// shuffles the selection.
func sampleQuestions(pool []exam.Question, n int) []exam.Question {
	out := make([]exam.Question, len(pool))
	copy(out, pool)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out[:n]
}

func (e *Engine) warmQuestionCache(ctx context.Context, examID string, questions []exam.Question) {
	entries := make(map[string]interface{}, len(questions)+1)
	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
		entries[faststore.QuestionKey(q.ID)] = q
	}
	entries[faststore.ExamQuestionIDsKey(examID)] = ids
	e.cache.SetJSONBatch(ctx, entries, questionCacheTTL)
}

// loadOwnedAttempt is the ownership gate for candidate operations. Admin
// callers pass admin=true and bypass the owner match, never the existence
// check.
func (e *Engine) loadOwnedAttempt(ctx context.Context, attemptID, userID string, admin bool) (exam.Attempt, error) {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	if !admin && a.UserID != userID {
		return exam.Attempt{}, exam.ErrForbidden
	}
	return a, nil
}

// QuestionView is a question projected to rendering fields only. Correctness
// data never crosses this boundary.
type QuestionView struct {
	ID                   string              `json:"id"`
	QuestionText         string              `json:"questionText"`
	Type                 exam.QuestionType   `json:"type"`
	Marks                float64             `json:"marks"`
	Options              []OptionView        `json:"options"`
	Statements           []string            `json:"statements,omitempty"`
	StatementInstruction string              `json:"statementInstruction,omitempty"`
	Selected             exam.SelectedOption `json:"selectedOption"`
	ResponseTime         float64             `json:"responseTime"`
}

type OptionView struct {
	ID         string `json:"id"`
	OptionText string `json:"optionText"`
}

type AttemptQuestions struct {
	Attempt struct {
		ID            string      `json:"id"`
		TimeRemaining int         `json:"timeRemaining"`
		Status        exam.Status `json:"status"`
		ServerTime    int64       `json:"serverTime"`
	} `json:"attempt"`
	Exam      ExamSummary    `json:"exam"`
	Questions []QuestionView `json:"questions"`
}

type ExamSummary struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	DurationMinutes    int     `json:"duration"`
	TotalQuestions     int     `json:"totalQuestions"`
	TotalMarks         float64 `json:"totalMarks"`
	PassMarkPercentage float64 `json:"passMarkPercentage"`
	HasNegativeMarking bool    `json:"hasNegativeMarking"`
	AllowNavigation    bool    `json:"allowNavigation"`
	Category           string  `json:"category"`
	DifficultyLevel    string  `json:"difficultyLevel"`
}

func summarize(ex exam.Exam) ExamSummary {
	return ExamSummary{
		ID:                 ex.ID,
		Title:              ex.Title,
		DurationMinutes:    ex.DurationMinutes,
		TotalQuestions:     ex.TotalQuestions,
		TotalMarks:         ex.TotalMarks,
		PassMarkPercentage: ex.PassMarkPercentage,
		HasNegativeMarking: ex.HasNegativeMarking,
		AllowNavigation:    ex.AllowNavigation,
		Category:           ex.Category,
		DifficultyLevel:    ex.DifficultyLevel,
	}
}

// GetQuestions returns the attempt's question sheet in answer order,
// stripped of correctness data, with the candidate's current selections.
func (e *Engine) GetQuestions(ctx context.Context, userID, attemptID string) (AttemptQuestions, error) {
	a, err := e.store.GetAttemptWithAnswers(ctx, attemptID)
	if err != nil {
		return AttemptQuestions{}, err
	}
	if a.UserID != userID {
		return AttemptQuestions{}, exam.ErrForbidden
	}
	if a.Status != exam.StatusInProgress {
		return AttemptQuestions{}, exam.ErrNotInProgress
	}
	return e.buildQuestionSheet(ctx, a)
}

func (e *Engine) buildQuestionSheet(ctx context.Context, a exam.Attempt) (AttemptQuestions, error) {
	ex, err := e.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return AttemptQuestions{}, err
	}
	ids := make([]string, len(a.Answers))
	for i, ans := range a.Answers {
		ids[i] = ans.QuestionID
	}
	questions, err := e.loadQuestions(ctx, ids)
	if err != nil {
		return AttemptQuestions{}, err
	}

	out := AttemptQuestions{Exam: summarize(ex)}
	out.Attempt.ID = a.ID
	out.Attempt.Status = a.Status
	out.Attempt.ServerTime = e.now().UnixMilli()
	if st, ok := e.readTimer(ctx, a.ID); ok {
		out.Attempt.TimeRemaining = st.Remaining(e.now())
	} else if a.TimeRemaining != nil {
		out.Attempt.TimeRemaining = *a.TimeRemaining
	}

	out.Questions = make([]QuestionView, 0, len(a.Answers))
	for _, ans := range a.Answers {
		q, ok := questions[ans.QuestionID]
		if !ok {
			e.log.Warn("question missing for attempt",
				zap.String("attempt", a.ID), zap.String("question", ans.QuestionID))
			continue
		}
		opts := make([]OptionView, len(q.Options))
		for i, o := range q.Options {
			opts[i] = OptionView{ID: o.ID, OptionText: o.OptionText}
		}
		out.Questions = append(out.Questions, QuestionView{
			ID:                   q.ID,
			QuestionText:         q.QuestionText,
			Type:                 q.Type,
			Marks:                q.Marks,
			Options:              opts,
			Statements:           q.Statements,
			StatementInstruction: q.StatementInstruction,
			Selected:             ans.Selected,
			ResponseTime:         ans.ResponseTime,
		})
	}
	return out, nil
}

// loadQuestions prefers the per-question cache entries warmed at start and
// falls back to one bulk durable read for the misses.
func (e *Engine) loadQuestions(ctx context.Context, ids []string) (map[string]exam.Question, error) {
	out := make(map[string]exam.Question, len(ids))
	var misses []string
	for _, id := range ids {
		var q exam.Question
		if e.cache.GetJSON(ctx, faststore.QuestionKey(id), &q) {
			out[id] = q
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) > 0 {
		fromDB, err := e.store.QuestionsByIDs(ctx, misses)
		if err != nil {
			return nil, err
		}
		for id, q := range fromDB {
			out[id] = q
		}
	}
	return out, nil
}

// ExamRules is the pre-start summary: exam metadata, human-readable rule
// strings and the caller's entitlement.
type ExamRules struct {
	Exam      ExamSummary `json:"exam"`
	Rules     []string    `json:"rules"`
	HasAccess bool        `json:"hasAccess"`
}

func (e *Engine) GetExamRules(ctx context.Context, userID, examID string) (ExamRules, bool, error) {
	var ex exam.Exam
	fromCache := e.cache.GetJSON(ctx, faststore.ExamKey(examID), &ex)
	if !fromCache {
		var err error
		ex, err = e.store.GetExam(ctx, examID)
		if err != nil {
			return ExamRules{}, false, err
		}
		e.cache.SetJSON(ctx, faststore.ExamKey(examID), ex, examCacheTTL)
	}

	hasAccess := true
	if ex.IsPremium {
		var err error
		hasAccess, err = e.access.HasAccess(ctx, userID, examID)
		if err != nil {
			return ExamRules{}, false, fmt.Errorf("entitlement check: %w", err)
		}
	}

	rules := []string{
		fmt.Sprintf("The exam runs for %d minutes.", ex.DurationMinutes),
		fmt.Sprintf("%d questions, %.0f marks in total; pass mark is %.0f%%.",
			ex.TotalQuestions, ex.TotalMarks, ex.PassMarkPercentage),
	}
	if ex.HasNegativeMarking {
		rules = append(rules, fmt.Sprintf("Wrong answers deduct %.2f marks.", ex.NegativeMarkingValue))
	}
	if ex.AllowNavigation {
		rules = append(rules, "You may navigate freely between questions.")
	} else {
		rules = append(rules, "Questions must be answered in order.")
	}
	if !ex.AllowMultipleAttempts {
		rules = append(rules, "Only one attempt is allowed.")
	} else if ex.MaxAttempt > 0 {
		rules = append(rules, fmt.Sprintf("Up to %d attempts are allowed.", ex.MaxAttempt))
	}

	return ExamRules{Exam: summarize(ex), Rules: rules, HasAccess: hasAccess}, fromCache, nil
}

// ListAttempts pages the caller's attempt history.
// attemptsPage is the cached shape of the default attempts listing.
type attemptsPage struct {
	Attempts []exam.Attempt `json:"attempts"`
	Total    int            `json:"total"`
}

// ListAttempts pages a candidate's attempt history. The unfiltered first page
// is served from the per-user categorized cache; starts, grading and admin
// mutations drop that key so the next read rebuilds it.
func (e *Engine) ListAttempts(ctx context.Context, userID string, opts exam.ListOpts) ([]exam.Attempt, int, error) {
	opts.UserID = userID
	if opts.Status != "" && !exam.ValidStatus(opts.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", exam.ErrValidation, opts.Status)
	}
	cacheable := opts.ExamID == "" && opts.Status == "" && opts.Offset == 0 &&
		(opts.Limit == 0 || opts.Limit == 20)
	if cacheable {
		var page attemptsPage
		if e.cache.GetJSON(ctx, e.cache.CategorizedKey(userID), &page) {
			return page.Attempts, page.Total, nil
		}
	}
	attempts, total, err := e.store.ListAttempts(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	if cacheable {
		e.cache.SetJSON(ctx, e.cache.CategorizedKey(userID),
			attemptsPage{Attempts: attempts, Total: total}, attemptListTTL)
	}
	return attempts, total, nil
}
