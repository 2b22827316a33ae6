package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mind-engage/exam-engine/internal/auth"
)

// RouterOpts carries the surface-level knobs the router needs.
type RouterOpts struct {
	AuthService *auth.Service
	CORSOrigins []string
	DevTokens   bool // expose the token mint endpoint (local/dev only)
}

// NewRouter assembles the full HTTP surface: a public liveness endpoint, the
// candidate attempt routes, and the admin subtree.
func NewRouter(h *Handlers, opts RouterOpts) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if opts.DevTokens {
		r.Post("/auth/dev-token", devTokenHandler(opts.AuthService))
	}

	r.Route("/exam-attempts", func(r chi.Router) {
		r.Use(auth.Middleware(opts.AuthService))

		r.Get("/rules/{examID}", h.ExamRules)
		r.Post("/start/{examID}", h.StartAttempt)
		r.Get("/questions/{attemptID}", h.GetQuestions)
		r.Post("/answer/{attemptID}/{questionID}", h.SaveAnswer)
		r.Post("/batch-answers/{attemptID}", h.SaveAnswersBatch)
		r.Put("/time/{attemptID}", h.SyncTime)
		r.Get("/time-check/{attemptID}", h.TimeCheck)
		r.Post("/submit/{attemptID}", h.Submit)
		r.Get("/status/{attemptID}", h.SubmissionStatus)
		r.Get("/result/{attemptID}", h.GetResult)
		r.Get("/user-attempts", h.ListAttempts)
		r.Get("/rankings/{examID}", h.Rankings)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Post("/calculate-rankings/{examID}", h.CalculateRankings)
			r.Get("/rankings/{examID}", h.AdminRankings)
			r.Get("/export-rankings/{examID}", h.ExportRankings)
			r.Get("/student-result/{attemptID}", h.StudentResult)
			r.Get("/exam-results/{examID}", h.ExamResults)
			r.Get("/exam-stats/{examID}", h.ExamStats)
			r.Post("/recalculate/{attemptID}", h.Recalculate)
			r.Post("/force-complete/{attemptID}", h.ForceComplete)
			r.Get("/audit/{attemptID}", h.AuditTrail)
			r.Delete("/attempt/{attemptID}", h.DeleteAttempt)
		})
	})

	return r
}

// devTokenHandler mints short-lived HMAC tokens for local testing.
func devTokenHandler(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := r.URL.Query().Get("sub")
		if sub == "" {
			writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: "sub is required"})
			return
		}
		role := r.URL.Query().Get("role")
		if role == "" {
			role = auth.RoleCandidate
		}
		token, err := svc.Issue(sub, role)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, envelope{Status: "error", Message: "token mint failed"})
			return
		}
		writeData(w, http.StatusOK, map[string]string{"token": token})
	}
}
