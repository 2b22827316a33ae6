package http

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/exam-engine/internal/auth"
)

// adminCaller returns the admin principal's subject for audit stamps. The
// RequireAdmin middleware has already vetted the role.
func adminCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "missing principal"})
		return "", false
	}
	return p.Subject, true
}

// POST /exam-attempts/admin/calculate-rankings/{examID}
func (h *Handlers) CalculateRankings(w http.ResponseWriter, r *http.Request) {
	if _, ok := adminCaller(w, r); !ok {
		return
	}
	entries, err := h.Engine.CalculateRankings(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"examId": chi.URLParam(r, "examID"),
		"ranked": len(entries),
	})
}

// GET /exam-attempts/admin/rankings/{examID}?limit
func (h *Handlers) AdminRankings(w http.ResponseWriter, r *http.Request) {
	if _, ok := adminCaller(w, r); !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	page, fromCache, err := h.Engine.Rankings(r.Context(), chi.URLParam(r, "examID"), "", limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, http.StatusOK, page, fromCache)
}

// GET /exam-attempts/admin/export-rankings/{examID}?format=csv|json
func (h *Handlers) ExportRankings(w http.ResponseWriter, r *http.Request) {
	if _, ok := adminCaller(w, r); !ok {
		return
	}
	examID := chi.URLParam(r, "examID")
	entries, err := h.Engine.CalculateRankings(r.Context(), examID)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeData(w, http.StatusOK, entries)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="rankings-`+examID+`.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"rank", "userId", "attemptId", "finalScore", "percentile", "endTime"})
	for _, e := range entries {
		_ = cw.Write([]string{
			strconv.Itoa(e.Rank),
			e.UserID,
			e.AttemptID,
			strconv.FormatFloat(e.FinalScore, 'f', 2, 64),
			strconv.FormatFloat(e.Percentile, 'f', 2, 64),
			strconv.FormatInt(e.EndTime, 10),
		})
	}
	cw.Flush()
}

// GET /exam-attempts/admin/student-result/{attemptID}
func (h *Handlers) StudentResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := adminCaller(w, r); !ok {
		return
	}
	res, fromCache, err := h.Engine.GetResult(r.Context(), "", chi.URLParam(r, "attemptID"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, http.StatusOK, res, fromCache)
}

// GET /exam-attempts/admin/exam-results/{examID}
func (h *Handlers) ExamResults(w http.ResponseWriter, r *http.Request) {
	if _, ok := adminCaller(w, r); !ok {
		return
	}
	res, err := h.Engine.AdminExamResults(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// GET /exam-attempts/admin/exam-stats/{examID}
func (h *Handlers) ExamStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := adminCaller(w, r); !ok {
		return
	}
	stats, err := h.Engine.GetExamStats(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// POST /exam-attempts/admin/recalculate/{attemptID}
func (h *Handlers) Recalculate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := adminCaller(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Recalculate(r.Context(), adminID, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, res, "attempt recalculated")
}

// POST /exam-attempts/admin/force-complete/{attemptID}
func (h *Handlers) ForceComplete(w http.ResponseWriter, r *http.Request) {
	adminID, ok := adminCaller(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.ForceComplete(r.Context(), adminID, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, res, "attempt completed")
}

// GET /exam-attempts/admin/audit/{attemptID}
func (h *Handlers) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if _, ok := adminCaller(w, r); !ok {
		return
	}
	events, err := h.Engine.AuditTrail(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, events)
}

// DELETE /exam-attempts/admin/attempt/{attemptID}
func (h *Handlers) DeleteAttempt(w http.ResponseWriter, r *http.Request) {
	adminID, ok := adminCaller(w, r)
	if !ok {
		return
	}
	if err := h.Engine.DeleteAttempt(r.Context(), adminID, chi.URLParam(r, "attemptID")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, nil, "attempt deleted")
}
