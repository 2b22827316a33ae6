package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/exam-engine/internal/auth"
	"github.com/mind-engage/exam-engine/internal/engine"
	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/identity"
)

// Handlers binds the engine and identity resolver to the HTTP surface.
type Handlers struct {
	Engine   *engine.Engine
	Identity *identity.Resolver
}

// caller resolves the authenticated principal to an internal user. A missing
// principal or unknown user reads as unauthorized.
func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (exam.User, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "missing principal"})
		return exam.User{}, false
	}
	u, err := h.Identity.Resolve(r.Context(), p.Subject)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "unknown principal"})
		return exam.User{}, false
	}
	return u, true
}

// GET /exam-attempts/rules/{examID}
func (h *Handlers) ExamRules(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	rules, fromCache, err := h.Engine.GetExamRules(r.Context(), u.ID, chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, http.StatusOK, rules, fromCache)
}

// POST /exam-attempts/start/{examID}
func (h *Handlers) StartAttempt(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.StartAttempt(r.Context(), u.ID, chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if res.Resuming {
		code = http.StatusOK
	}
	writeData(w, code, res)
}

// GET /exam-attempts/questions/{attemptID}
func (h *Handlers) GetQuestions(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	sheet, err := h.Engine.GetQuestions(r.Context(), u.ID, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sheet)
}

// POST /exam-attempts/answer/{attemptID}/{questionID}
func (h *Handlers) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		SelectedOption exam.SelectedOption `json:"selectedOption"`
		ResponseTime   float64             `json:"responseTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: "invalid body"})
		return
	}
	err := h.Engine.SaveAnswer(r.Context(), u.ID,
		chi.URLParam(r, "attemptID"), chi.URLParam(r, "questionID"),
		req.SelectedOption, req.ResponseTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, nil, "answer saved")
}

// POST /exam-attempts/batch-answers/{attemptID}
func (h *Handlers) SaveAnswersBatch(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Answers []struct {
			QuestionID     string              `json:"questionId"`
			SelectedOption exam.SelectedOption `json:"selectedOption"`
			ResponseTime   float64             `json:"responseTime"`
		} `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: "invalid body"})
		return
	}
	updates := make([]exam.AnswerUpdate, len(req.Answers))
	for i, a := range req.Answers {
		updates[i] = exam.AnswerUpdate{
			QuestionID:   a.QuestionID,
			Selected:     a.SelectedOption,
			ResponseTime: a.ResponseTime,
		}
	}
	updated, err := h.Engine.SaveAnswersBatch(r.Context(), u.ID, chi.URLParam(r, "attemptID"), updates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"updated": updated})
}

// PUT /exam-attempts/time/{attemptID}
func (h *Handlers) SyncTime(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		TimeRemaining int  `json:"timeRemaining"`
		Degraded      bool `json:"degraded,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: "invalid body"})
		return
	}
	state, err := h.Engine.SyncTime(r.Context(), u.ID, chi.URLParam(r, "attemptID"),
		req.TimeRemaining, req.Degraded)
	if err != nil {
		writeError(w, err)
		return
	}
	// Timer responses stay 2xx once state is recorded: destabilizing the
	// candidate's client costs more than a stale counter.
	writeMessage(w, http.StatusOK, state, state.Warning)
}

// GET /exam-attempts/time-check/{attemptID}
func (h *Handlers) TimeCheck(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	state, err := h.Engine.TimeCheck(r.Context(), u.ID, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, state)
}

// POST /exam-attempts/submit/{attemptID}
func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	attemptID := chi.URLParam(r, "attemptID")
	out, err := h.Engine.Submit(r.Context(), u.ID, attemptID, false)
	if err != nil {
		writeError(w, err)
		return
	}
	if out.Cached {
		writeData(w, http.StatusOK, out.Result)
		return
	}
	writeData(w, http.StatusAccepted, map[string]interface{}{
		"status":                  "processing",
		"checkStatusUrl":          "/exam-attempts/status/" + attemptID,
		"estimatedProcessingTime": "5s",
	})
}

// GET /exam-attempts/status/{attemptID}
func (h *Handlers) SubmissionStatus(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	attemptID := chi.URLParam(r, "attemptID")
	status, err := h.Engine.SubmissionStatus(r.Context(), u.ID, attemptID, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"attemptId": attemptID, "status": status})
}

// GET /exam-attempts/result/{attemptID}
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	res, fromCache, err := h.Engine.GetResult(r.Context(), u.ID, chi.URLParam(r, "attemptID"), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, http.StatusOK, res, fromCache)
}

// GET /exam-attempts/user-attempts?examId&status&page&limit
func (h *Handlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 20)
	page := parseIntDefault(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	attempts, total, err := h.Engine.ListAttempts(r.Context(), u.ID, exam.ListOpts{
		ExamID: q.Get("examId"),
		Status: exam.Status(q.Get("status")),
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// GET /exam-attempts/rankings/{examID}?limit
func (h *Handlers) Rankings(w http.ResponseWriter, r *http.Request) {
	u, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	page, fromCache, err := h.Engine.Rankings(r.Context(), chi.URLParam(r, "examID"), u.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, http.StatusOK, page, fromCache)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
